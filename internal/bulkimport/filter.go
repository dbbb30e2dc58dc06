package bulkimport

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter decides which source entries take part in an import.
type Filter struct {
	SkipHidden bool
	Exclude    []*regexp.Regexp
}

// NewFilter compiles the exclude patterns.
func NewFilter(skipHidden bool, patterns []string) (*Filter, error) {
	f := &Filter{SkipHidden: skipHidden}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
		f.Exclude = append(f.Exclude, re)
	}
	return f, nil
}

// Accept reports whether an entry with this name is imported.
func (f *Filter) Accept(name string) bool {
	if f == nil {
		return true
	}
	if f.SkipHidden && strings.HasPrefix(name, ".") {
		return false
	}
	for _, re := range f.Exclude {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}
