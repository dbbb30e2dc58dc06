package dictionary

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultSeparator splits multi-valued property strings.
const DefaultSeparator = ","

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse converts the raw string form of a property value into its typed Go
// value. Multi-valued properties are split on sep and yield []any.
func (p *Property) Parse(raw, sep string) (any, error) {
	if !p.Multiple {
		return p.parseScalar(raw)
	}
	if sep == "" {
		sep = DefaultSeparator
	}
	if strings.TrimSpace(raw) == "" {
		return []any{}, nil
	}
	parts := strings.Split(raw, sep)
	out := make([]any, 0, len(parts))
	for _, part := range parts {
		v, err := p.parseScalar(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *Property) parseScalar(raw string) (any, error) {
	switch p.DataType {
	case Text, MLText:
		return raw, nil
	case Int:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a d:int", p.Name, raw)
		}
		return n, nil
	case Long:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a d:long", p.Name, raw)
		}
		return n, nil
	case Float, Double:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a %s", p.Name, raw, p.DataType)
		}
		if p.DataType == Float && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%s: %q overflows d:float", p.Name, raw)
		}
		return f, nil
	case Boolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a d:boolean", p.Name, raw)
		}
		return b, nil
	case Date, DateTime:
		s := strings.TrimSpace(raw)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%s: %q is not a %s", p.Name, raw, p.DataType)
	}
	return nil, fmt.Errorf("%s: unsupported data type %s", p.Name, p.DataType)
}

// Check validates a typed value against the property's constraints.
func (p *Property) Check(v any) error {
	if vs, ok := v.([]any); ok {
		if !p.Multiple {
			return &ConstraintError{Property: p.Name, Reason: "multiple values for single-valued property"}
		}
		for _, e := range vs {
			if err := p.Check(e); err != nil {
				return err
			}
		}
		return nil
	}
	s, isString := v.(string)
	if !isString {
		if len(p.Allowed) > 0 {
			s = p.Format(v, "")
		} else {
			return nil
		}
	}
	if p.MaxLength > 0 && utf8.RuneCountInString(s) > p.MaxLength {
		return &ConstraintError{Property: p.Name, Reason: fmt.Sprintf("length %d exceeds %d", utf8.RuneCountInString(s), p.MaxLength)}
	}
	if len(p.Allowed) > 0 {
		found := false
		for _, a := range p.Allowed {
			if a == s {
				found = true
				break
			}
		}
		if !found {
			return &ConstraintError{Property: p.Name, Reason: fmt.Sprintf("%q not in allowed values", s)}
		}
	}
	if p.pattern != nil && !p.pattern.MatchString(s) {
		return &ConstraintError{Property: p.Name, Reason: fmt.Sprintf("%q does not match %s", s, p.pattern)}
	}
	return nil
}

// Format renders a typed value back to the string form Parse accepts.
func (p *Property) Format(v any, sep string) string {
	if vs, ok := v.([]any); ok {
		if sep == "" {
			sep = DefaultSeparator
		}
		parts := make([]string, len(vs))
		for i, e := range vs {
			parts[i] = p.Format(e, sep)
		}
		return strings.Join(parts, sep)
	}
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if p.DataType == Date {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
