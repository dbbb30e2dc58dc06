package repofs

import (
	"io"
	"os"
	"time"

	billy "github.com/go-git/go-billy/v5"
)

// contentFile is a read-only billy.File over a content snapshot taken at
// open time.
type contentFile struct {
	name string
	data []byte
	pos  int64
}

func (f *contentFile) Name() string { return f.name }

func (f *contentFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	if f.pos >= int64(len(f.data)) {
		return n, io.EOF
	}
	return n, nil
}

func (f *contentFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *contentFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = int64(len(f.data)) + offset
	}
	if pos < 0 {
		pos = 0
	}
	f.pos = pos
	return f.pos, nil
}

func (f *contentFile) Write([]byte) (int, error) { return 0, errReadOnly }
func (f *contentFile) Truncate(int64) error      { return errReadOnly }
func (f *contentFile) Lock() error               { return nil }
func (f *contentFile) Unlock() error             { return nil }
func (f *contentFile) Close() error              { return nil }

type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return nil }

var _ billy.File = (*contentFile)(nil)
