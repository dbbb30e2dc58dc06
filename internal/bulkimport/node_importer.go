package bulkimport

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/agentic-research/bulkfs/api"
	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/metadata"
	"github.com/agentic-research/bulkfs/internal/repository"
)

// Outcome is what happened to one item.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeReplaced
	OutcomeVersioned
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeVersioned:
		return "versioned"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ItemResult describes one imported item.
type ItemResult struct {
	Item    *ImportableItem
	Ref     repository.NodeRef
	Outcome Outcome
	// Bytes is the content written, versions included.
	Bytes      int64
	Properties int
	// Versions counts history entries added.
	Versions int
	// MetadataErr is set when a sidecar could not be loaded; the item was
	// imported without it.
	MetadataErr error
}

// NodeImporter writes one ImportableItem into the repository.
type NodeImporter struct {
	fs     billy.Filesystem
	dict   *dictionary.Dictionary
	loader *metadata.Loader
	log    zerolog.Logger
}

// NewNodeImporter returns an importer reading content from fs.
func NewNodeImporter(fs billy.Filesystem, dict *dictionary.Dictionary, loader *metadata.Loader, log zerolog.Logger) *NodeImporter {
	return &NodeImporter{fs: fs, dict: dict, loader: loader, log: log}
}

// revision is one state of an item as read from the source: the head or an
// earlier version file.
type revision struct {
	content []byte
	md      *metadata.Metadata
}

// ImportItem creates or updates the node for item under item.Parent inside tx.
// A vanished parent is a *FatalError. Constraint violations and unreadable
// content are returned as ordinary errors and concern only this item.
func (ni *NodeImporter) ImportItem(tx repository.Tx, item *ImportableItem, policy api.ExistingFileMode) (ItemResult, error) {
	res := ItemResult{Item: item}
	parent := item.Parent
	if err := dictionary.ValidateName(item.Name); err != nil {
		return res, err
	}
	if _, err := tx.Node(parent); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return res, fatal("parent of "+item.Path, err)
		}
		return res, err
	}

	md, mdErr := ni.loader.LoadAll(ni.fs, item.MetadataFiles)
	if mdErr != nil {
		ni.log.Warn().Str("path", item.Path).Err(mdErr).Msg("metadata not loaded, importing content only")
		res.MetadataErr = mdErr
	}

	existing, err := tx.Child(parent, item.Name)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		existing = nil
	case err != nil:
		return res, err
	}
	if existing != nil && (existing.Content == nil) != item.IsDirectory {
		return res, fmt.Errorf("%s: existing node %s is a different kind of node", item.Path, existing.Ref)
	}

	if existing != nil && policy == api.Skip {
		res.Ref, res.Outcome = existing.Ref, OutcomeSkipped
		return res, nil
	}

	head := revision{md: md}
	if !item.IsDirectory {
		if head.content, err = ni.readContent(item.Path); err != nil {
			return res, err
		}
	}

	if existing == nil {
		return ni.create(tx, item, parent, head, res)
	}
	if policy == api.AddVersion && !item.IsDirectory {
		return ni.addVersions(tx, item, existing, head, res)
	}
	return ni.replace(tx, item, existing, head, res)
}

func (ni *NodeImporter) create(tx repository.Tx, item *ImportableItem, parent repository.NodeRef, head revision, res ItemResult) (ItemResult, error) {
	revs, err := ni.history(item, &res)
	if err != nil {
		return res, err
	}
	revs = append(revs, head)

	n := &repository.Node{Parent: parent, Name: item.Name}
	if err := ni.apply(n, item, revs[0].md, revs[0].content); err != nil {
		return res, err
	}
	ref, err := tx.Create(n)
	if err != nil {
		return res, err
	}
	res.Ref, res.Outcome = ref, OutcomeCreated
	res.Bytes += int64(len(revs[0].content))
	res.Properties += countProps(revs[0].md)

	for _, rev := range revs[1:] {
		if err := ni.version(tx, item, ref, rev, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (ni *NodeImporter) addVersions(tx repository.Tx, item *ImportableItem, existing *repository.Node, head revision, res ItemResult) (ItemResult, error) {
	revs, err := ni.history(item, &res)
	if err != nil {
		return res, err
	}
	revs = append(revs, head)
	res.Ref, res.Outcome = existing.Ref, OutcomeVersioned
	for _, rev := range revs {
		if err := ni.version(tx, item, existing.Ref, rev, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (ni *NodeImporter) replace(tx repository.Tx, item *ImportableItem, existing *repository.Node, head revision, res ItemResult) (ItemResult, error) {
	n := existing.Clone()
	if err := ni.apply(n, item, head.md, head.content); err != nil {
		return res, err
	}
	if err := tx.Update(n); err != nil {
		return res, err
	}
	res.Ref, res.Outcome = existing.Ref, OutcomeReplaced
	res.Bytes += int64(len(head.content))
	res.Properties += countProps(head.md)
	return res, nil
}

func (ni *NodeImporter) version(tx repository.Tx, item *ImportableItem, ref repository.NodeRef, rev revision, res *ItemResult) error {
	n, err := tx.Node(ref)
	if err != nil {
		return err
	}
	n.AddAspect(dictionary.AspectVersionable)
	if err := ni.apply(n, item, rev.md, rev.content); err != nil {
		return err
	}
	if _, err := tx.AddVersion(n); err != nil {
		return err
	}
	res.Versions++
	res.Bytes += int64(len(rev.content))
	res.Properties += countProps(rev.md)
	return nil
}

// history reads the item's version files, oldest first. A version sidecar
// that fails to load is recorded in res.MetadataErr unless an earlier one
// already was; that version is imported without metadata.
func (ni *NodeImporter) history(item *ImportableItem, res *ItemResult) ([]revision, error) {
	revs := make([]revision, 0, len(item.Versions)+1)
	for _, v := range item.Versions {
		content, err := ni.readContent(v.ContentFile)
		if err != nil {
			return nil, err
		}
		md, err := ni.loader.LoadAll(ni.fs, v.MetadataFiles)
		if err != nil {
			ni.log.Warn().Str("path", v.ContentFile).Err(err).Msg("version metadata not loaded")
			if res.MetadataErr == nil {
				res.MetadataErr = err
			}
		}
		revs = append(revs, revision{content: content, md: md})
	}
	return revs, nil
}

func (ni *NodeImporter) readContent(path string) ([]byte, error) {
	b, err := util.ReadFile(ni.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// apply sets type, then aspects, then properties on n, checking each against
// the dictionary. Existing aspects and properties not named by md are kept.
func (ni *NodeImporter) apply(n *repository.Node, item *ImportableItem, md *metadata.Metadata, content []byte) error {
	base := dictionary.TypeContent
	if item.IsDirectory {
		base = dictionary.TypeFolder
	}
	switch {
	case md != nil && md.Type != "":
		n.Type = md.Type
	case n.Type == "":
		n.Type = base
	}
	if !ni.dict.IsSubtype(n.Type, base) {
		return &dictionary.ConstraintError{Property: "type", Reason: fmt.Sprintf("%s is not a %s", n.Type, base)}
	}
	if t, ok := ni.dict.Type(n.Type); ok {
		for _, a := range t.MandatoryAspects {
			n.AddAspect(a)
		}
	}

	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	if md != nil {
		for _, a := range md.Aspects {
			n.AddAspect(a)
		}
		names := slices.Sorted(maps.Keys(md.Properties))
		for _, name := range names {
			v := md.Properties[name]
			prop, ok := ni.dict.Property(name)
			if !ok {
				continue
			}
			if !ni.dict.ValidFor(prop, n.Type) {
				return &dictionary.ConstraintError{Property: name, Reason: fmt.Sprintf("not defined for type %s", n.Type)}
			}
			if err := prop.Check(v); err != nil {
				return err
			}
			if prop.OwnerIsAspect {
				n.AddAspect(prop.Owner)
			}
			n.Properties[name] = v
		}
	}
	n.Properties[dictionary.PropName] = item.Name

	if !item.IsDirectory {
		n.Content = content
	}
	return nil
}

func countProps(md *metadata.Metadata) int {
	if md == nil {
		return 0
	}
	return len(md.Properties)
}
