package fileops

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

// Error is a failed file operation. Errno is what a file-system front end
// should return to its caller; Err is the underlying cause, if any.
type Error struct {
	Op    string
	Path  string
	Errno unix.Errno
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Errno)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Errno, e.Err)
}

// Unwrap lets errors.Is match both the errno and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Errno}
	}
	return []error{e.Errno, e.Err}
}

func newError(op, path string, errno unix.Errno, err error) *Error {
	return &Error{Op: op, Path: path, Errno: errno, Err: err}
}

// drainError reports a failed ForceAllWrites. Queued flush failures carry
// their own errno; anything else becomes EIO.
func drainError(op, path string, err error) *Error {
	var de *filestate.DrainError
	if errors.As(err, &de) {
		return newError(op, path, de.Code(), err)
	}
	if code := filestate.Errno(err); code == unix.EINTR {
		return newError(op, path, code, err)
	}
	return newError(op, path, unix.EIO, err)
}

// writeError reports a queued flush failure surfaced by a later write.
func writeError(op, path string, we filestate.WriteError) *Error {
	return newError(op, path, we.Code, we)
}
