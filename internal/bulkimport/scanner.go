package bulkimport

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/agentic-research/bulkfs/internal/metadata"
)

// Listing is one scanned source directory.
type Listing struct {
	Folders []*ImportableItem
	Files   []*ImportableItem
	// Unreadable holds entries that cannot be imported: orphan sidecars and
	// version files, and entries that are neither regular files nor folders.
	Unreadable []string
}

// Scanner lists source directories and pairs every entry with its sidecars
// and version files.
type Scanner struct {
	fs     billy.Filesystem
	filter *Filter
}

// NewScanner returns a scanner over fs. A nil filter accepts everything.
func NewScanner(fs billy.Filesystem, filter *Filter) *Scanner {
	return &Scanner{fs: fs, filter: filter}
}

// splitVersion splits "report.txt.v3" into ("report.txt", 3).
func splitVersion(name string) (head string, n int, ok bool) {
	i := strings.LastIndex(name, ".v")
	if i <= 0 || i+2 == len(name) {
		return "", 0, false
	}
	digits := name[i+2:]
	if strings.Trim(digits, "0123456789") != "" {
		return "", 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return name[:i], n, true
}

// isCompanion reports whether name is a sidecar or a version file rather
// than an item of its own.
func isCompanion(name string) bool {
	if _, ok := metadata.SplitSidecar(name); ok {
		return true
	}
	_, _, ok := splitVersion(name)
	return ok
}

// subjectOf returns the name of the item an entry belongs to.
func subjectOf(name string) string {
	if s, ok := metadata.SplitSidecar(name); ok {
		name = s
	}
	if head, _, ok := splitVersion(name); ok {
		return head
	}
	return name
}

// Scan lists dir. Entries rejected by the filter are left out entirely,
// together with their sidecars and versions.
func (s *Scanner) Scan(dir string) (*Listing, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	byName := make(map[string]os.FileInfo, len(entries))
	for _, e := range entries {
		byName[e.Name()] = e
	}
	claimed := make(map[string]bool, len(entries))
	sidecars := func(name string) []string {
		var files []string
		for _, sc := range metadata.SidecarsFor(name) {
			if info, ok := byName[sc]; ok && info.Mode().IsRegular() {
				files = append(files, s.fs.Join(dir, sc))
				claimed[sc] = true
			}
		}
		return files
	}

	versions := make(map[string][]VersionEntry)
	for _, e := range entries {
		name := e.Name()
		if !e.Mode().IsRegular() {
			continue
		}
		if _, ok := metadata.SplitSidecar(name); ok {
			continue
		}
		head, n, ok := splitVersion(name)
		if !ok || isCompanion(head) {
			continue
		}
		if hi, exists := byName[head]; !exists || !hi.Mode().IsRegular() {
			continue
		}
		versions[head] = append(versions[head], VersionEntry{
			Number:        n,
			ContentFile:   s.fs.Join(dir, name),
			Size:          e.Size(),
			MetadataFiles: sidecars(name),
		})
		claimed[name] = true
	}

	l := &Listing{}
	for _, e := range entries {
		name := e.Name()
		if isCompanion(name) || !s.filter.Accept(name) {
			continue
		}
		path := s.fs.Join(dir, name)
		switch {
		case e.IsDir():
			l.Folders = append(l.Folders, &ImportableItem{
				Name:          name,
				Path:          path,
				IsDirectory:   true,
				MetadataFiles: sidecars(name),
			})
		case e.Mode().IsRegular():
			vs := versions[name]
			slices.SortFunc(vs, func(a, b VersionEntry) int { return cmp.Compare(a.Number, b.Number) })
			l.Files = append(l.Files, &ImportableItem{
				Name:          name,
				Path:          path,
				Size:          e.Size(),
				MetadataFiles: sidecars(name),
				Versions:      vs,
			})
		default:
			l.Unreadable = append(l.Unreadable, path)
		}
	}

	for _, e := range entries {
		name := e.Name()
		if claimed[name] || !isCompanion(name) || !s.filter.Accept(subjectOf(name)) {
			continue
		}
		l.Unreadable = append(l.Unreadable, s.fs.Join(dir, name))
	}
	return l, nil
}
