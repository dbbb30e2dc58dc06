package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"github.com/agentic-research/bulkfs/internal/dictionary"
)

// Format decodes one sidecar encoding into ordered key/value pairs.
type Format interface {
	// Suffix is the file name suffix the format is chosen by.
	Suffix() string
	Decode(r io.Reader) ([]Entry, error)
}

// Entry is one raw key/value pair as read from a sidecar.
type Entry struct {
	Key   string
	Value string
}

// Loader resolves sidecar files against the dictionary.
type Loader struct {
	dict      *dictionary.Dictionary
	separator string
	formats   []Format
	log       zerolog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithSeparator sets the multi-value separator (default ",").
func WithSeparator(sep string) Option {
	return func(l *Loader) {
		if sep != "" {
			l.separator = sep
		}
	}
}

// WithLogger sets the logger unknown names are reported to.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// WithFormats replaces the default formats.
func WithFormats(formats ...Format) Option {
	return func(l *Loader) { l.formats = formats }
}

// NewLoader returns a loader understanding legacy and XML properties files.
func NewLoader(dict *dictionary.Dictionary, opts ...Option) *Loader {
	l := &Loader{
		dict:      dict,
		separator: dictionary.DefaultSeparator,
		formats:   []Format{PropertiesFormat{}, XMLPropertiesFormat{}},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) formatFor(path string) (Format, bool) {
	// Longest suffix wins so ".properties.xml" is not taken for ".properties".
	var best Format
	for _, f := range l.formats {
		if strings.HasSuffix(path, f.Suffix()) && (best == nil || len(f.Suffix()) > len(best.Suffix())) {
			best = f
		}
	}
	return best, best != nil
}

// Load reads one sidecar. A missing file yields (nil, nil). A file that exists
// but cannot be read, decoded or converted yields a *LoadError.
func (l *Loader) Load(fs billy.Basic, path string) (*Metadata, error) {
	format, ok := l.formatFor(path)
	if !ok {
		return nil, &LoadError{Path: path, Err: errors.New("no format for file")}
	}
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }() // read-only; close error carries nothing

	entries, err := format.Decode(f)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	md, err := l.FromEntries(entries)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return md, nil
}

// LoadAll loads every path in order and merges the results; later files
// override earlier ones. It returns nil metadata when no file exists. The
// first load error is returned together with whatever did load.
func (l *Loader) LoadAll(fs billy.Basic, paths []string) (*Metadata, error) {
	var merged *Metadata
	var firstErr error
	for _, p := range paths {
		md, err := l.Load(fs, p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if md == nil {
			continue
		}
		if merged == nil {
			merged = New()
		}
		merged.Merge(md)
	}
	return merged, firstErr
}

// FromEntries maps raw pairs onto typed metadata. Unknown property and aspect
// names are logged and dropped; an unknown type or a value that does not
// convert to its declared data type is an error.
func (l *Loader) FromEntries(entries []Entry) (*Metadata, error) {
	md := New()
	for _, e := range entries {
		key := strings.TrimSpace(e.Key)
		switch key {
		case "":
			continue
		case KeyType:
			name, err := l.dict.ResolveQName(strings.TrimSpace(e.Value))
			if err != nil {
				return nil, err
			}
			if _, ok := l.dict.Type(name); !ok {
				return nil, fmt.Errorf("unknown type %q", name)
			}
			md.Type = name
		case KeyAspects:
			for _, raw := range strings.Split(e.Value, l.separator) {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				name, err := l.dict.ResolveQName(raw)
				if err != nil {
					l.log.Warn().Str("aspect", raw).Err(err).Msg("dropping aspect")
					continue
				}
				if _, ok := l.dict.Aspect(name); !ok {
					l.log.Warn().Str("aspect", name).Msg("unknown aspect, dropping")
					continue
				}
				if !slices.Contains(md.Aspects, name) {
					md.Aspects = append(md.Aspects, name)
				}
			}
		default:
			name, err := l.dict.ResolveQName(key)
			if err != nil {
				l.log.Warn().Str("property", key).Err(err).Msg("dropping property")
				continue
			}
			prop, ok := l.dict.Property(name)
			if !ok {
				l.log.Warn().Str("property", name).Msg("unknown property, dropping")
				continue
			}
			if e.Value == "" && prop.DataType != dictionary.Text && prop.DataType != dictionary.MLText && !prop.Multiple {
				continue
			}
			v, err := prop.Parse(e.Value, l.separator)
			if err != nil {
				return nil, err
			}
			md.Properties[name] = v
		}
	}
	return md, nil
}
