// Package repofs presents a repository folder as a read-only
// billy.Filesystem, so an imported tree can be browsed or copied back out
// over NFS.
//
// Content nodes appear as files and folders as directories. With sidecars
// enabled, every node carrying metadata gets a virtual
// "<name>.metadata.properties" next to it, so the exported tree can be fed
// back to the importer unchanged.
package repofs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"

	"github.com/agentic-research/bulkfs/internal/dictionary"
	"github.com/agentic-research/bulkfs/internal/metadata"
	"github.com/agentic-research/bulkfs/internal/repository"
)

var errReadOnly = errors.New("read-only filesystem")

// StatusFile is the virtual file at the export root holding the importer
// status, when one is attached.
const StatusFile = "_status.json"

// FS adapts a repository subtree to billy.Filesystem.
type FS struct {
	repo      repository.Repository
	root      repository.NodeRef
	dict      *dictionary.Dictionary
	sep       string
	status    func() any
	mountTime time.Time
}

// Option configures an FS.
type Option func(*FS)

// WithSidecars exposes node metadata as properties sidecars.
func WithSidecars(dict *dictionary.Dictionary, sep string) Option {
	return func(fs *FS) { fs.dict, fs.sep = dict, sep }
}

// WithStatus serves the JSON encoding of fn() as /_status.json.
func WithStatus(fn func() any) Option {
	return func(fs *FS) { fs.status = fn }
}

// New returns a filesystem rooted at the folder root.
func New(repo repository.Repository, root repository.NodeRef, opts ...Option) *FS {
	fs := &FS{repo: repo, root: root, mountTime: time.Now()}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// --- billy.Basic ---

func (fs *FS) Create(string) (billy.File, error) {
	return nil, errReadOnly
}

func (fs *FS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *FS) OpenFile(filename string, flag int, _ os.FileMode) (billy.File, error) {
	filename = cleanPath(filename)
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}

	if filename == "/"+StatusFile && fs.status != nil {
		data, err := fs.statusJSON()
		if err != nil {
			return nil, &os.PathError{Op: "open", Path: filename, Err: err}
		}
		return &contentFile{name: StatusFile, data: data}, nil
	}

	n, err := fs.lookup(filename)
	if err == nil {
		if n.Content == nil {
			return nil, &os.PathError{Op: "open", Path: filename, Err: errors.New("is a directory")}
		}
		return &contentFile{name: filename, data: n.Content}, nil
	}
	if data, ok := fs.sidecar(filename); ok {
		return &contentFile{name: filename, data: data}, nil
	}
	return nil, &os.PathError{Op: "open", Path: filename, Err: os.ErrNotExist}
}

func (fs *FS) Stat(filename string) (os.FileInfo, error) {
	return fs.Lstat(filename)
}

func (fs *FS) Rename(string, string) error { return errReadOnly }
func (fs *FS) Remove(string) error         { return errReadOnly }

func (fs *FS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// --- billy.TempFile ---

func (fs *FS) TempFile(string, string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// --- billy.Dir ---

func (fs *FS) ReadDir(path string) ([]os.FileInfo, error) {
	path = cleanPath(path)

	var (
		dir      *repository.Node
		children []*repository.Node
	)
	err := fs.repo.View(context.Background(), func(tx repository.Tx) error {
		var err error
		if dir, err = repository.ResolvePath(tx, fs.root, path); err != nil {
			return err
		}
		if dir.Content != nil {
			return nil
		}
		children, err = tx.Children(dir.Ref)
		return err
	})
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: notExist(err)}
	}
	if dir.Content != nil {
		return nil, &os.PathError{Op: "readdir", Path: path, Err: errors.New("not a directory")}
	}

	infos := make([]os.FileInfo, 0, len(children)+1)
	if path == "/" && fs.status != nil {
		if data, err := fs.statusJSON(); err == nil {
			infos = append(infos, &fileInfo{name: StatusFile, size: int64(len(data)), mode: 0o444, modTime: time.Now()})
		}
	}
	for _, c := range children {
		infos = append(infos, nodeInfo(c))
		if data, ok := fs.sidecarFor(c); ok {
			infos = append(infos, &fileInfo{
				name:    c.Name + metadata.PropertiesSuffix,
				size:    int64(len(data)),
				mode:    0o444,
				modTime: c.Modified,
			})
		}
	}
	return infos, nil
}

func (fs *FS) MkdirAll(string, os.FileMode) error { return errReadOnly }

// --- billy.Symlink ---

func (fs *FS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)
	if filename == "/" {
		return &fileInfo{name: "/", mode: os.ModeDir | 0o555, modTime: fs.mountTime}, nil
	}
	if filename == "/"+StatusFile && fs.status != nil {
		data, err := fs.statusJSON()
		if err != nil {
			return nil, &os.PathError{Op: "lstat", Path: filename, Err: err}
		}
		return &fileInfo{name: StatusFile, size: int64(len(data)), mode: 0o444, modTime: time.Now()}, nil
	}

	n, err := fs.lookup(filename)
	if err == nil {
		return nodeInfo(n), nil
	}
	if data, ok := fs.sidecar(filename); ok {
		return &fileInfo{name: filepath.Base(filename), size: int64(len(data)), mode: 0o444, modTime: fs.mountTime}, nil
	}
	return nil, &os.PathError{Op: "lstat", Path: filename, Err: notExist(err)}
}

func (fs *FS) Symlink(string, string) error { return billy.ErrNotSupported }

func (fs *FS) Readlink(string) (string, error) { return "", billy.ErrNotSupported }

// --- billy.Chroot ---

func (fs *FS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *FS) Root() string { return "/" }

// --- billy.Capable ---

func (fs *FS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

func (fs *FS) lookup(path string) (*repository.Node, error) {
	var n *repository.Node
	err := fs.repo.View(context.Background(), func(tx repository.Tx) error {
		var err error
		n, err = repository.ResolvePath(tx, fs.root, path)
		return err
	})
	return n, err
}

// sidecar returns the rendered sidecar when path names one.
func (fs *FS) sidecar(path string) ([]byte, bool) {
	if fs.dict == nil {
		return nil, false
	}
	subject, ok := strings.CutSuffix(path, metadata.PropertiesSuffix)
	if !ok || subject == "/" {
		return nil, false
	}
	n, err := fs.lookup(subject)
	if err != nil {
		return nil, false
	}
	return fs.sidecarFor(n)
}

func (fs *FS) sidecarFor(n *repository.Node) ([]byte, bool) {
	if fs.dict == nil {
		return nil, false
	}
	md := nodeMetadata(n)
	if md.IsEmpty() {
		return nil, false
	}
	var buf bytes.Buffer
	if err := metadata.WriteProperties(&buf, md, fs.dict, fs.sep); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (fs *FS) statusJSON() ([]byte, error) {
	data, err := json.MarshalIndent(fs.status(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return append(data, '\n'), nil
}

// nodeMetadata is what a sidecar would need to recreate n. cm:name comes
// from the entry name and the default types are implied.
func nodeMetadata(n *repository.Node) *metadata.Metadata {
	md := metadata.New()
	if n.Type != dictionary.TypeContent && n.Type != dictionary.TypeFolder {
		md.Type = n.Type
	}
	md.Aspects = slices.Clone(n.Aspects)
	for k, v := range n.Properties {
		if k == dictionary.PropName {
			continue
		}
		md.Properties[k] = v
	}
	return md
}

func notExist(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return os.ErrNotExist
	}
	return err
}

// cleanPath normalizes a billy path to a clean absolute path.
func cleanPath(path string) string {
	return filepath.Clean("/" + path)
}

func nodeInfo(n *repository.Node) os.FileInfo {
	fi := &fileInfo{name: n.Name, mode: 0o444, modTime: n.Modified}
	if n.Content == nil {
		fi.mode = os.ModeDir | 0o555
	} else {
		fi.size = n.ContentSize()
	}
	if fi.modTime.IsZero() {
		fi.modTime = n.Created
	}
	return fi
}

var (
	_ billy.Filesystem = (*FS)(nil)
	_ billy.Capable    = (*FS)(nil)
)
