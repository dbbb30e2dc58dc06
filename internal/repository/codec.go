package repository

import (
	"fmt"
	"time"

	"github.com/ohler55/ojg/oj"
)

// Property values are stored as JSON. Strings, integers and booleans map
// directly; floats and timestamps are tagged so they decode to the same Go
// type they were written as.
const (
	floatTag = "$f"
	timeTag  = "$t"
)

func encodeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return map[string]any{floatTag: x}, nil
	case float32:
		return map[string]any{floatTag: float64(x)}, nil
	case time.Time:
		return map[string]any{timeTag: x.UTC().Format(time.RFC3339Nano)}, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			enc, err := encodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported property value type %T", v)
}

func decodeValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if f, ok := x[floatTag]; ok {
			switch n := f.(type) {
			case float64:
				return n, nil
			case int64:
				return float64(n), nil
			}
			return nil, fmt.Errorf("bad float value %v", f)
		}
		if s, ok := x[timeTag].(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
		return nil, fmt.Errorf("unknown tagged value %v", x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			dec, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	}
	return v, nil
}

func encodeProperties(props map[string]any) (string, error) {
	enc := make(map[string]any, len(props))
	for k, v := range props {
		ev, err := encodeValue(v)
		if err != nil {
			return "", fmt.Errorf("property %s: %w", k, err)
		}
		enc[k] = ev
	}
	return oj.JSON(enc, &oj.Options{Sort: true}), nil
}

func decodeProperties(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	raw, err := oj.ParseString(s)
	if err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("properties: expected object, got %T", raw)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		dv, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[k] = dv
	}
	return out, nil
}

func encodeAspects(aspects []string) string {
	list := make([]any, len(aspects))
	for i, a := range aspects {
		list[i] = a
	}
	return oj.JSON(list)
}

func decodeAspects(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := oj.ParseString(s)
	if err != nil {
		return nil, fmt.Errorf("parse aspects: %w", err)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("aspects: expected array, got %T", raw)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
