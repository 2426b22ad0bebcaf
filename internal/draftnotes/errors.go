package draftnotes

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced note or attachment does not exist.
	ErrNotFound = errors.New("draftnotes: not found")
	// ErrForbidden indicates the acting user does not own the mutated record.
	ErrForbidden = errors.New("draftnotes: forbidden")
)

// StorageError wraps a persistence or filesystem failure. The enclosing unit
// of work must be rolled back and no broadcast emitted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("draftnotes: storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}
