package repository

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeRef identifies a node in the repository.
type NodeRef string

// NewRef returns a fresh random node reference.
func NewRef() NodeRef {
	return NodeRef(uuid.NewString())
}

// ParseRef validates the textual form of a node reference.
func ParseRef(s string) (NodeRef, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return NodeRef(id.String()), nil
}

// Node is a repository node: a folder or a content item with its metadata.
type Node struct {
	Ref    NodeRef
	Parent NodeRef
	Name   string
	Type   string

	Aspects    []string
	Properties map[string]any

	// Content is nil for folders. An empty, non-nil slice is an empty file.
	Content []byte

	// VersionLabel is "1.0" on first write and advances on every AddVersion.
	VersionLabel string

	Created  time.Time
	Modified time.Time
}

// HasAspect reports whether the aspect is applied.
func (n *Node) HasAspect(aspect string) bool {
	return slices.Contains(n.Aspects, aspect)
}

// AddAspect applies an aspect if not already present.
func (n *Node) AddAspect(aspect string) {
	if !n.HasAspect(aspect) {
		n.Aspects = append(n.Aspects, aspect)
	}
}

// ContentSize returns the byte length of the node's content.
func (n *Node) ContentSize() int64 {
	return int64(len(n.Content))
}

// Clone returns a deep copy, so callers never share mutable state with a store.
func (n *Node) Clone() *Node {
	c := *n
	c.Aspects = slices.Clone(n.Aspects)
	c.Properties = cloneProperties(n.Properties)
	if n.Content != nil {
		c.Content = slices.Clone(n.Content)
	}
	return &c
}

func cloneProperties(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if vs, ok := v.([]any); ok {
			v = slices.Clone(vs)
		}
		out[k] = v
	}
	return out
}

// Version is a frozen earlier state of a content node.
type Version struct {
	Label      string
	Content    []byte
	Properties map[string]any
	Created    time.Time
}

const firstVersionLabel = "1.0"

// nextVersionLabel advances the major version: "1.0" -> "2.0".
func nextVersionLabel(label string) string {
	if label == "" {
		return firstVersionLabel
	}
	major, _, _ := strings.Cut(label, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return firstVersionLabel
	}
	return strconv.Itoa(n+1) + ".0"
}
