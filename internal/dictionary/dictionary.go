// Package dictionary holds the content model that imported metadata is
// resolved against: node types, aspects, and typed properties.
package dictionary

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/agentic-research/bulkfs/api"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Well-known qualified names.
const (
	TypeBase    = "cm:cmobject"
	TypeContent = "cm:content"
	TypeFolder  = "cm:folder"

	PropName = "cm:name"

	AspectAuditable   = "cm:auditable"
	AspectVersionable = "cm:versionable"
)

// DataType is a property data type name such as "d:text".
type DataType string

const (
	Text     DataType = "d:text"
	MLText   DataType = "d:mltext"
	Int      DataType = "d:int"
	Long     DataType = "d:long"
	Float    DataType = "d:float"
	Double   DataType = "d:double"
	Boolean  DataType = "d:boolean"
	Date     DataType = "d:date"
	DateTime DataType = "d:datetime"
)

func (t DataType) valid() bool {
	switch t {
	case Text, MLText, Int, Long, Float, Double, Boolean, Date, DateTime:
		return true
	}
	return false
}

// Type is a resolved node type.
type Type struct {
	Name             string
	Parent           string
	Container        bool
	MandatoryAspects []string
}

// Aspect is a resolved aspect.
type Aspect struct {
	Name       string
	Properties []string
}

// Property is a resolved property definition.
type Property struct {
	Name     string
	DataType DataType
	Multiple bool
	// Owner is the type or aspect that declares the property.
	Owner string
	// OwnerIsAspect is true when Owner names an aspect.
	OwnerIsAspect bool

	MaxLength int
	Allowed   []string
	pattern   *regexp.Regexp
}

// Dictionary is an immutable-after-load view of the content model.
type Dictionary struct {
	namespaces map[string]string
	types      map[string]*Type
	aspects    map[string]*Aspect
	properties map[string]*Property
}

func newDictionary() *Dictionary {
	return &Dictionary{
		namespaces: make(map[string]string),
		types:      make(map[string]*Type),
		aspects:    make(map[string]*Aspect),
		properties: make(map[string]*Property),
	}
}

// Builtin returns a fresh dictionary holding only the built-in model.
func Builtin() *Dictionary {
	d, err := Parse("builtin.hcl", []byte(builtinModel))
	if err != nil {
		panic(fmt.Sprintf("dictionary: builtin model: %v", err))
	}
	return d
}

// Parse decodes an HCL model on top of the built-in one (when src is not the
// built-in model itself).
func Parse(filename string, src []byte) (*Dictionary, error) {
	var m api.Model
	if err := hclsimple.Decode(filename, src, nil, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", filename, err)
	}
	d := newDictionary()
	if filename != "builtin.hcl" {
		d = Builtin()
	}
	if err := d.Extend(&m); err != nil {
		return nil, fmt.Errorf("model %s: %w", filename, err)
	}
	return d, nil
}

// Load returns the built-in dictionary extended by the model file at path.
// An empty path yields the built-in dictionary.
func Load(path string) (*Dictionary, error) {
	if path == "" {
		return Builtin(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return Parse(path, src)
}

// Extend merges m into d. Types and aspects must not redefine existing names.
func (d *Dictionary) Extend(m *api.Model) error {
	for _, ns := range m.Namespaces {
		d.namespaces[ns.Prefix] = ns.URI
	}
	for _, td := range m.Types {
		if err := d.checkQName(td.Name); err != nil {
			return err
		}
		if _, dup := d.types[td.Name]; dup {
			return fmt.Errorf("type %s already defined", td.Name)
		}
		if td.Parent != "" {
			if _, ok := d.types[td.Parent]; !ok {
				return fmt.Errorf("type %s: unknown parent %s", td.Name, td.Parent)
			}
		}
		t := &Type{
			Name:             td.Name,
			Parent:           td.Parent,
			Container:        td.Container,
			MandatoryAspects: td.MandatoryAspects,
		}
		if td.Parent != "" && d.types[td.Parent].Container {
			t.Container = true
		}
		d.types[td.Name] = t
		for _, pd := range td.Properties {
			if err := d.addProperty(pd, td.Name, false); err != nil {
				return err
			}
		}
	}
	for _, ad := range m.Aspects {
		if err := d.checkQName(ad.Name); err != nil {
			return err
		}
		if _, dup := d.aspects[ad.Name]; dup {
			return fmt.Errorf("aspect %s already defined", ad.Name)
		}
		a := &Aspect{Name: ad.Name}
		d.aspects[ad.Name] = a
		for _, pd := range ad.Properties {
			if err := d.addProperty(pd, ad.Name, true); err != nil {
				return err
			}
			a.Properties = append(a.Properties, pd.Name)
		}
	}
	for _, t := range d.types {
		for _, a := range t.MandatoryAspects {
			if _, ok := d.aspects[a]; !ok {
				return fmt.Errorf("type %s: unknown mandatory aspect %s", t.Name, a)
			}
		}
	}
	return nil
}

func (d *Dictionary) addProperty(pd api.PropertyDef, owner string, aspect bool) error {
	if err := d.checkQName(pd.Name); err != nil {
		return err
	}
	if _, dup := d.properties[pd.Name]; dup {
		return fmt.Errorf("property %s already defined", pd.Name)
	}
	dt := DataType(pd.DataType)
	if !dt.valid() {
		return fmt.Errorf("property %s: unknown data type %q", pd.Name, pd.DataType)
	}
	p := &Property{
		Name:          pd.Name,
		DataType:      dt,
		Multiple:      pd.Multiple,
		Owner:         owner,
		OwnerIsAspect: aspect,
		MaxLength:     pd.MaxLength,
		Allowed:       pd.Allowed,
	}
	if pd.Pattern != "" {
		re, err := regexp.Compile(pd.Pattern)
		if err != nil {
			return fmt.Errorf("property %s: pattern: %w", pd.Name, err)
		}
		p.pattern = re
	}
	d.properties[pd.Name] = p
	return nil
}

func (d *Dictionary) checkQName(name string) error {
	prefix, _, err := SplitQName(name)
	if err != nil {
		return err
	}
	if _, ok := d.namespaces[prefix]; !ok {
		return fmt.Errorf("%s: unknown namespace prefix %q", name, prefix)
	}
	return nil
}

// SplitQName splits "prefix:local" into its parts.
func SplitQName(name string) (prefix, local string, err error) {
	i := strings.IndexByte(name, ':')
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("invalid qualified name %q", name)
	}
	return name[:i], name[i+1:], nil
}

// Type looks up a node type.
func (d *Dictionary) Type(name string) (*Type, bool) {
	t, ok := d.types[name]
	return t, ok
}

// Aspect looks up an aspect.
func (d *Dictionary) Aspect(name string) (*Aspect, bool) {
	a, ok := d.aspects[name]
	return a, ok
}

// Property looks up a property.
func (d *Dictionary) Property(name string) (*Property, bool) {
	p, ok := d.properties[name]
	return p, ok
}

// ResolveQName normalizes "{uri}local" to "prefix:local". Names already in
// prefix form are returned unchanged.
func (d *Dictionary) ResolveQName(name string) (string, error) {
	if !strings.HasPrefix(name, "{") {
		return name, nil
	}
	end := strings.IndexByte(name, '}')
	if end < 0 || end == len(name)-1 {
		return "", fmt.Errorf("invalid qualified name %q", name)
	}
	uri := name[1:end]
	for prefix, u := range d.namespaces {
		if u == uri {
			return prefix + ":" + name[end+1:], nil
		}
	}
	return "", fmt.Errorf("%s: unknown namespace %q", name, uri)
}

// IsSubtype reports whether t equals ancestor or inherits from it.
func (d *Dictionary) IsSubtype(t, ancestor string) bool {
	for seen := 0; t != "" && seen <= len(d.types); seen++ {
		if t == ancestor {
			return true
		}
		def, ok := d.types[t]
		if !ok {
			return false
		}
		t = def.Parent
	}
	return false
}

// ValidFor reports whether property p may be set on a node of type t.
// Aspect properties are always valid; applying them applies their aspect.
func (d *Dictionary) ValidFor(p *Property, t string) bool {
	if p.OwnerIsAspect {
		return true
	}
	return d.IsSubtype(t, p.Owner)
}

// ConstraintError reports a value or name that violates the content model.
type ConstraintError struct {
	Property string
	Reason   string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation on %s: %s", e.Property, e.Reason)
}

// IsConstraint reports whether err is (or wraps) a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

const invalidNameChars = `*"<>\/?:|`

// ValidateName applies the cm:name constraint.
func ValidateName(name string) error {
	if name == "" {
		return &ConstraintError{Property: PropName, Reason: "empty name"}
	}
	if i := strings.IndexAny(name, invalidNameChars); i >= 0 {
		return &ConstraintError{Property: PropName, Reason: fmt.Sprintf("name %q contains illegal character %q", name, name[i])}
	}
	if strings.HasSuffix(name, ".") {
		return &ConstraintError{Property: PropName, Reason: fmt.Sprintf("name %q ends with '.'", name)}
	}
	if len(name) > 255 {
		return &ConstraintError{Property: PropName, Reason: "name longer than 255 characters"}
	}
	return nil
}
