package layerfs

import (
	"errors"
	"fmt"
	"io/fs"
)

// kindError is a sentinel that additionally matches a standard library
// sentinel through errors.Is.
type kindError struct {
	msg string
	is  error
}

func (e *kindError) Error() string        { return e.msg }
func (e *kindError) Is(target error) bool { return target == e.is }

var (
	// ErrNoSuchFile is returned when nothing exists at a path. It also matches
	// fs.ErrNotExist.
	ErrNoSuchFile error = &kindError{"no such file", fs.ErrNotExist}
	// ErrNotFile is returned when a directory exists where a file was expected.
	ErrNotFile = errors.New("not a file")
	// ErrNotDirectory is returned when a file exists where a directory was expected.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFileOrDirectory is returned where absence and kind mismatch are not distinguished.
	ErrNotFileOrDirectory = errors.New("not a file or directory")
	// ErrCannotCreate is returned when a backend fails to create an element.
	ErrCannotCreate = errors.New("cannot create")
	// ErrCannotDelete is returned when a backend fails or refuses to delete an element.
	ErrCannotDelete = errors.New("cannot delete")
	// ErrCannotClose is returned when finalizing a VFS fails.
	ErrCannotClose = errors.New("cannot close")
	// ErrWrongPermission marks an operation against a capability the instance
	// was not constructed with. It also matches fs.ErrPermission.
	ErrWrongPermission error = &kindError{"wrong permission", fs.ErrPermission}
	// ErrWrongFormat is returned when a persisted sidecar or index is missing
	// from a non-empty store.
	ErrWrongFormat = errors.New("wrong vfs format")
	// ErrBadFormat is returned when a persisted sidecar or index is corrupt.
	ErrBadFormat = errors.New("bad vfs format")
	// ErrConcurrentIO is returned when the backing store changed under the VFS.
	ErrConcurrentIO = errors.New("backing store modified concurrently")
	// ErrUnionReadOnly is returned when a union layer refuses a write or delete.
	ErrUnionReadOnly = errors.New("union layer is read-only")
	// ErrInvalidPath is returned for malformed paths and names.
	ErrInvalidPath = errors.New("invalid path")

	// ErrSequentialWrite is the cause of the violation raised when a second
	// output stream is opened on a sequential-writing VFS.
	ErrSequentialWrite = errors.New("output stream already open on sequential-writing vfs")
	// ErrStreamLeak is the cause of the violation raised when a VFS closes
	// with streams still open.
	ErrStreamLeak = errors.New("streams still open at close")
	// ErrClosed is the cause of the violation raised when a closed VFS is used.
	ErrClosed error = &kindError{"vfs already closed", fs.ErrClosed}
)

// PathError wraps err with the operation and path it occurred on.
func PathError(op string, p Path, err error) error {
	return &fs.PathError{Op: op, Path: p.String(), Err: err}
}

// ContractViolation is the panic value raised when calling code breaks the
// usage contract of a VFS: writing without the Write permission, opening two
// output streams on a sequential-writing VFS, leaking streams past Close.
// These are programming errors, not environmental failures.
type ContractViolation struct {
	Op     string
	Reason string
	Err    error
}

func (v *ContractViolation) Error() string {
	if v.Err == nil {
		return fmt.Sprintf("layerfs: contract violation in %s: %s", v.Op, v.Reason)
	}
	return fmt.Sprintf("layerfs: contract violation in %s: %v: %s", v.Op, v.Err, v.Reason)
}

func (v *ContractViolation) Unwrap() error {
	return v.Err
}

// Violate panics with a *ContractViolation.
func Violate(op string, cause error, format string, args ...any) {
	panic(&ContractViolation{Op: op, Reason: fmt.Sprintf(format, args...), Err: cause})
}
