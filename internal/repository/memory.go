package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

// MemoryStore is an in-process Repository. Write transactions are serialized
// by a single lock and rolled back through an undo log.
type MemoryStore struct {
	mu       sync.RWMutex
	root     NodeRef
	nodes    map[NodeRef]*Node
	children map[NodeRef]map[string]NodeRef
	versions map[NodeRef][]Version
	rules    []Rule

	// Roaring bitmap index: aspect -> set of internal node IDs.
	aspectIndex map[string]*roaring.Bitmap
	nodeIntID   map[NodeRef]uint32
	intToRef    []NodeRef
	nextIntID   uint32
}

// NewMemoryStore returns an empty store holding only the root folder.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	s := &MemoryStore{
		nodes:       make(map[NodeRef]*Node),
		children:    make(map[NodeRef]map[string]NodeRef),
		versions:    make(map[NodeRef][]Version),
		rules:       o.rules,
		aspectIndex: make(map[string]*roaring.Bitmap),
		nodeIntID:   make(map[NodeRef]uint32),
	}
	now := time.Now().UTC()
	root := &Node{Ref: NewRef(), Type: "cm:folder", Created: now, Modified: now}
	s.root = root.Ref
	s.nodes[root.Ref] = root
	s.index(root)
	return s
}

// Root implements Repository.
func (s *MemoryStore) Root(ctx context.Context) (NodeRef, error) {
	return s.root, nil
}

// Update implements Repository.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, writable: true, rulesOff: RulesDisabled(ctx)}
	if err := fn(tx); err != nil {
		tx.rollbackTo(0)
		return err
	}
	return nil
}

// View implements Repository.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

// Close implements Repository.
func (s *MemoryStore) Close() error { return nil }

// withAspect reads the aspect index. Must be called with s.mu held.
func (s *MemoryStore) withAspect(aspect string) []NodeRef {
	bm, ok := s.aspectIndex[aspect]
	if !ok {
		return nil
	}
	refs := make([]NodeRef, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := it.Next()
		if int(id) < len(s.intToRef) && s.intToRef[id] != "" {
			refs = append(refs, s.intToRef[id])
		}
	}
	return refs
}

// index assigns an internal bitmap ID and registers the node's aspects.
// Must be called with s.mu held.
func (s *MemoryStore) index(n *Node) {
	intID, ok := s.nodeIntID[n.Ref]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.nodeIntID[n.Ref] = intID
		for uint32(len(s.intToRef)) <= intID {
			s.intToRef = append(s.intToRef, "")
		}
		s.intToRef[intID] = n.Ref
	}
	for _, a := range n.Aspects {
		bm, exists := s.aspectIndex[a]
		if !exists {
			bm = roaring.New()
			s.aspectIndex[a] = bm
		}
		bm.Add(intID)
	}
}

// unindex clears the node's aspect bits. When drop is set the internal ID is
// released too. Must be called with s.mu held.
func (s *MemoryStore) unindex(n *Node, drop bool) {
	intID, ok := s.nodeIntID[n.Ref]
	if !ok {
		return
	}
	for _, a := range n.Aspects {
		if bm, exists := s.aspectIndex[a]; exists {
			bm.Remove(intID)
			if bm.IsEmpty() {
				delete(s.aspectIndex, a)
			}
		}
	}
	if drop {
		delete(s.nodeIntID, n.Ref)
		s.intToRef[intID] = ""
	}
}

type memTx struct {
	s        *MemoryStore
	writable bool
	rulesOff bool
	undo     []func()
}

func (t *memTx) rollbackTo(mark int) {
	for i := len(t.undo) - 1; i >= mark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:mark]
}

func (t *memTx) Node(ref NodeRef) (*Node, error) {
	n, ok := t.s.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return n.Clone(), nil
}

func (t *memTx) Child(parent NodeRef, name string) (*Node, error) {
	ref, ok := t.s.children[parent][name]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", parent, name, ErrNotFound)
	}
	return t.Node(ref)
}

func (t *memTx) Children(parent NodeRef) ([]*Node, error) {
	if _, ok := t.s.nodes[parent]; !ok {
		return nil, fmt.Errorf("%s: %w", parent, ErrNotFound)
	}
	names := make([]string, 0, len(t.s.children[parent]))
	for name := range t.s.children[parent] {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, t.s.nodes[t.s.children[parent][name]].Clone())
	}
	return out, nil
}

func (t *memTx) Create(n *Node) (NodeRef, error) {
	if !t.writable {
		return "", ErrReadOnly
	}
	s := t.s
	if _, ok := s.nodes[n.Parent]; !ok {
		return "", fmt.Errorf("parent %s: %w", n.Parent, ErrNotFound)
	}
	if _, dup := s.children[n.Parent][n.Name]; dup {
		return "", fmt.Errorf("%q: %w", n.Name, ErrNameExists)
	}

	stored := n.Clone()
	if stored.Ref == "" {
		stored.Ref = NewRef()
	}
	now := time.Now().UTC()
	stored.Created, stored.Modified = now, now
	if stored.Content != nil && stored.VersionLabel == "" {
		stored.VersionLabel = firstVersionLabel
	}
	if !t.rulesOff {
		applyRules(s.rules, stored)
	}

	s.nodes[stored.Ref] = stored
	if s.children[stored.Parent] == nil {
		s.children[stored.Parent] = make(map[string]NodeRef)
	}
	s.children[stored.Parent][stored.Name] = stored.Ref
	s.index(stored)

	t.undo = append(t.undo, func() {
		s.unindex(stored, true)
		delete(s.children[stored.Parent], stored.Name)
		delete(s.nodes, stored.Ref)
	})
	return stored.Ref, nil
}

func (t *memTx) replace(n *Node) (*Node, error) {
	s := t.s
	old, ok := s.nodes[n.Ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", n.Ref, ErrNotFound)
	}
	updated := n.Clone()
	updated.Parent, updated.Name, updated.Created = old.Parent, old.Name, old.Created
	updated.Modified = time.Now().UTC()

	s.unindex(old, false)
	s.nodes[n.Ref] = updated
	s.index(updated)
	t.undo = append(t.undo, func() {
		s.unindex(updated, false)
		s.nodes[old.Ref] = old
		s.index(old)
	})
	return old, nil
}

func (t *memTx) Update(n *Node) error {
	if !t.writable {
		return ErrReadOnly
	}
	old, ok := t.s.nodes[n.Ref]
	if ok && n.VersionLabel == "" {
		n = n.Clone()
		n.VersionLabel = old.VersionLabel
	}
	_, err := t.replace(n)
	return err
}

func (t *memTx) AddVersion(n *Node) (string, error) {
	if !t.writable {
		return "", ErrReadOnly
	}
	s := t.s
	cur, ok := s.nodes[n.Ref]
	if !ok {
		return "", fmt.Errorf("%s: %w", n.Ref, ErrNotFound)
	}
	frozen := Version{
		Label:      cur.VersionLabel,
		Content:    slices.Clone(cur.Content),
		Properties: cloneProperties(cur.Properties),
		Created:    cur.Modified,
	}
	if frozen.Label == "" {
		frozen.Label = firstVersionLabel
	}
	next := n.Clone()
	next.VersionLabel = nextVersionLabel(frozen.Label)
	if _, err := t.replace(next); err != nil {
		return "", err
	}
	prevLen := len(s.versions[n.Ref])
	s.versions[n.Ref] = append(s.versions[n.Ref], frozen)
	t.undo = append(t.undo, func() {
		s.versions[n.Ref] = s.versions[n.Ref][:prevLen]
	})
	return next.VersionLabel, nil
}

func (t *memTx) WithAspect(aspect string) ([]NodeRef, error) {
	return t.s.withAspect(aspect), nil
}

func (t *memTx) Versions(ref NodeRef) ([]Version, error) {
	if _, ok := t.s.nodes[ref]; !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return slices.Clone(t.s.versions[ref]), nil
}

func (t *memTx) Savepoint(fn func() error) error {
	mark := len(t.undo)
	if err := fn(); err != nil {
		t.rollbackTo(mark)
		return err
	}
	return nil
}

var _ Repository = (*MemoryStore)(nil)
