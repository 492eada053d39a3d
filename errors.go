package tagbatch

import (
	"fmt"

	"gitlab.com/tozd/go/errors"
)

var (
	// ErrRowNotFound is returned for a stale row reference, usually after a reload.
	ErrRowNotFound = errors.Base("row not found")
	// ErrPatternMismatch is returned when a pattern's literal anchors are not in the input.
	ErrPatternMismatch = errors.Base("pattern does not match")
	// ErrNoChange is returned by a Function that declines to produce a value.
	ErrNoChange = errors.Base("no change")
	// ErrTargetExists is wrapped in an IOFailure when a rename would overwrite a file.
	ErrTargetExists = errors.Base("target already exists")
	// ErrOutsideFolder is wrapped in an IOFailure when a rename target leaves the row's folder.
	ErrOutsideFolder = errors.Base("target outside folder")
)

// IOFailure wraps a failed read, write or rename of one file.
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error {
	return e.Err
}

func ioFailure(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var failure *IOFailure
	if errors.As(err, &failure) {
		return err
	}
	return &IOFailure{Op: op, Path: path, Err: err}
}

// IsIOFailure reports whether err carries an IOFailure.
func IsIOFailure(err error) bool {
	var failure *IOFailure
	return errors.As(err, &failure)
}
