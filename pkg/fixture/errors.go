package fixture

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestNotFound indicates neither a bundled nor a writable manifest could be obtained.
	ErrManifestNotFound = errors.New("fixture manifest not found")
	// ErrArtifactMissing indicates a manifest entry references a file that does not exist.
	ErrArtifactMissing = errors.New("fixture artifact missing")
	// ErrSerialization indicates a manifest or header artifact could not be parsed or encoded.
	ErrSerialization = errors.New("fixture serialization failed")
	// ErrIO indicates a disk operation failed.
	ErrIO = errors.New("fixture i/o failed")
	// ErrUnsupportedMethod indicates a method outside GET, POST, PUT and DELETE.
	ErrUnsupportedMethod = errors.New("unsupported fixture method")
	// ErrSessionClosed indicates a recording session already reached a terminal state.
	ErrSessionClosed = errors.New("recording session closed")
	// ErrStoreClosed indicates the store was torn down.
	ErrStoreClosed = errors.New("fixture store closed")
)

// Error records the operation and file that failed. Kind is one of the sentinel errors above.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, path string, kind, err error) error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}
