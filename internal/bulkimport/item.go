package bulkimport

import "github.com/agentic-research/bulkfs/internal/repository"

// VersionEntry is an earlier revision of a content file, found next to its
// head as "<name>.v<N>".
type VersionEntry struct {
	Number        int
	ContentFile   string
	Size          int64
	MetadataFiles []string
}

// ImportableItem is one folder or content file to import, together with its
// sidecar metadata files. Content items also carry their version files; a
// folder's children come from scanning its directory.
type ImportableItem struct {
	// Name becomes the node's cm:name.
	Name string
	// Path is the folder or content file, relative to the source root.
	Path        string
	IsDirectory bool
	Size        int64

	// MetadataFiles lists existing sidecars in the order they apply.
	MetadataFiles []string
	// Versions are ordered oldest first.
	Versions []VersionEntry

	// Parent is the repository folder the item is imported into. It is set
	// once the folder exists.
	Parent repository.NodeRef
}

// HasMetadata reports whether any sidecar was found for the item.
func (i *ImportableItem) HasMetadata() bool {
	return len(i.MetadataFiles) > 0
}

// TotalSize is the byte size of the head plus every version file.
func (i *ImportableItem) TotalSize() int64 {
	n := i.Size
	for _, v := range i.Versions {
		n += v.Size
	}
	return n
}
