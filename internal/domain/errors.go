// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for paths that are malformed, outside the allowed
	// roots, missing or unreadable.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNotExecutable is returned when a path exists but is not a runnable script.
	ErrNotExecutable = errors.New("not an executable script")
	// ErrNoEngine is returned when no script engine is registered for a script type.
	ErrNoEngine = errors.New("no script engine registered")
	// ErrHistoryNotFound is returned when a history entry does not exist.
	ErrHistoryNotFound = errors.New("history entry not found")
	// ErrHistoryClosed is returned when a finished history entry is modified.
	ErrHistoryClosed = errors.New("history entry already finished")
	// ErrInvalidRange is returned for negative history pagination arguments.
	ErrInvalidRange = errors.New("invalid history range")
	// ErrInvalidArgument is returned for nil or otherwise unusable arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// AecuError is the single error kind returned by the AECU service. The cause is
// one of the sentinels above or an infrastructure error, reachable with errors.Is.
type AecuError struct {
	Op   string
	Path string
	Err  error
}

func (e *AecuError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("aecu %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("aecu %s: %v", e.Op, e.Err)
}

func (e *AecuError) Unwrap() error {
	return e.Err
}

// NewError wraps err into an *AecuError. Errors that already are an *AecuError
// are returned unchanged so that the innermost operation is reported.
func NewError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var aerr *AecuError
	if errors.As(err, &aerr) {
		return err
	}
	return &AecuError{Op: op, Path: path, Err: err}
}
