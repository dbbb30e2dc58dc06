//go:build !unix

package repository

import "errors"

// ErrLocked is returned when another process holds the store lock.
var ErrLocked = errors.New("repository is locked by another process")

// FileLock is a no-op on platforms without flock.
type FileLock struct{}

// Lock always succeeds on this platform.
func Lock(storePath string) (*FileLock, error) { return &FileLock{}, nil }

// Unlock implements the unix counterpart.
func (l *FileLock) Unlock() error { return nil }
