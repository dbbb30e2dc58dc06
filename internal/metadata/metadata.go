// Package metadata reads the sidecar files that carry a node's type, aspects
// and properties next to the file or folder being imported.
package metadata

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Sidecar file suffixes, appended to the name of the file or folder they describe.
const (
	PropertiesSuffix    = ".metadata.properties"
	XMLPropertiesSuffix = ".metadata.properties.xml"
)

// Reserved keys. Every other key names a property.
const (
	KeyType    = "type"
	KeyAspects = "aspects"
)

// Metadata is the typed result of loading one or more sidecar files.
type Metadata struct {
	// Type is empty when the sidecar does not set one.
	Type    string
	Aspects []string
	// Properties maps qualified names to a scalar or, for multi-valued
	// properties, an []any in file order.
	Properties map[string]any
}

// New returns empty metadata.
func New() *Metadata {
	return &Metadata{Properties: make(map[string]any)}
}

// IsEmpty reports whether m carries nothing to apply.
func (m *Metadata) IsEmpty() bool {
	return m == nil || (m.Type == "" && len(m.Aspects) == 0 && len(m.Properties) == 0)
}

// Merge overlays other onto m: a set type replaces m's, aspects are unioned
// and properties overwrite by name.
func (m *Metadata) Merge(other *Metadata) {
	if other == nil {
		return
	}
	if other.Type != "" {
		m.Type = other.Type
	}
	for _, a := range other.Aspects {
		if !slices.Contains(m.Aspects, a) {
			m.Aspects = append(m.Aspects, a)
		}
	}
	if m.Properties == nil {
		m.Properties = make(map[string]any, len(other.Properties))
	}
	for k, v := range other.Properties {
		m.Properties[k] = v
	}
}

// LoadError reports a sidecar that exists but could not be read or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load metadata %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is (or wraps) a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// SidecarsFor returns the candidate sidecar names for name, in the order
// they are applied.
func SidecarsFor(name string) []string {
	return []string{name + PropertiesSuffix, name + XMLPropertiesSuffix}
}

// SplitSidecar reports whether name is a sidecar and, if so, the name of the
// entry it describes.
func SplitSidecar(name string) (subject string, ok bool) {
	if s, found := strings.CutSuffix(name, XMLPropertiesSuffix); found && s != "" {
		return s, true
	}
	if s, found := strings.CutSuffix(name, PropertiesSuffix); found && s != "" {
		return s, true
	}
	return "", false
}
