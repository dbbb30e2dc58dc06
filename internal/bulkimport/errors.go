package bulkimport

import (
	"errors"
	"fmt"
)

var (
	// ErrImportInProgress is returned by Start while a run is active. It is a
	// condition the caller reports, not a failure of the running import.
	ErrImportInProgress = errors.New("bulk import already in progress")
	// ErrInvalidParameters wraps parameter validation errors.
	ErrInvalidParameters = errors.New("invalid import parameters")
	// ErrBadRequest marks a request whose target cannot be resolved.
	ErrBadRequest = errors.New("bad import request")
)

// FatalError aborts the whole run.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
