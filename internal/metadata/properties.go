package metadata

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/magiconair/properties"

	"github.com/agentic-research/bulkfs/internal/dictionary"
)

// PropertiesFormat is the legacy Java properties encoding (ISO-8859-1,
// "\:" escapes the colon of a prefixed name).
type PropertiesFormat struct{}

// Suffix implements Format.
func (PropertiesFormat) Suffix() string { return PropertiesSuffix }

// Decode implements Format.
func (PropertiesFormat) Decode(r io.Reader) ([]Entry, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	loader := &properties.Loader{Encoding: properties.ISO_8859_1, DisableExpansion: true}
	p, err := loader.LoadBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("parse properties: %w", err)
	}
	keys := p.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, _ := p.Get(k)
		entries = append(entries, Entry{Key: k, Value: v})
	}
	return entries, nil
}

// WriteProperties renders md in the legacy properties encoding.
func WriteProperties(w io.Writer, md *Metadata, dict *dictionary.Dictionary, sep string) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, e := range encodeEntries(md, dict, sep) {
		if _, _, err := p.Set(e.Key, e.Value); err != nil {
			return fmt.Errorf("set %s: %w", e.Key, err)
		}
	}
	if _, err := p.Write(w, properties.ISO_8859_1); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return nil
}

// encodeEntries flattens md to key/value pairs: type, aspects, then
// properties by name.
func encodeEntries(md *Metadata, dict *dictionary.Dictionary, sep string) []Entry {
	if sep == "" {
		sep = dictionary.DefaultSeparator
	}
	var out []Entry
	if md.Type != "" {
		out = append(out, Entry{Key: KeyType, Value: md.Type})
	}
	if len(md.Aspects) > 0 {
		out = append(out, Entry{Key: KeyAspects, Value: strings.Join(md.Aspects, sep)})
	}
	names := make([]string, 0, len(md.Properties))
	for name := range md.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		v := md.Properties[name]
		prop, ok := dict.Property(name)
		if !ok {
			prop = &dictionary.Property{Name: name, DataType: dictionary.Text}
		}
		out = append(out, Entry{Key: name, Value: prop.Format(v, sep)})
	}
	return out
}
