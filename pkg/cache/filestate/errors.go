package filestate

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/pkg/backing"
)

// WriteError is one asynchronous flush failure.
type WriteError struct {
	Code   unix.Errno
	Offset int64
	Err    error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("write at %d: %v", e.Offset, e.Err)
}

func (e WriteError) Unwrap() error { return e.Err }

// DrainError carries every failure collected by WaitForDrain. The first
// entry decides the errno reported to the caller.
type DrainError struct {
	Path   string
	Errors []WriteError
}

func (e *DrainError) Error() string {
	first := e.Errors[0]
	if len(e.Errors) == 1 {
		return fmt.Sprintf("%s: %v", e.Path, first)
	}
	return fmt.Sprintf("%s: %d writes failed, first: %v", e.Path, len(e.Errors), first)
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *DrainError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, we := range e.Errors {
		out[i] = we
	}
	return out
}

// Code returns the errno of the first failure.
func (e *DrainError) Code() unix.Errno { return e.Errors[0].Code }

// Errno maps an error to the code returned to file-system callers. Flush
// failures without a more specific cause become EIO.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, backing.ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, backing.ErrReadOnly):
		return unix.EROFS
	case errors.Is(err, backing.ErrClosed):
		return unix.EBADF
	case errors.Is(err, backing.ErrInvalidOffset):
		return unix.EINVAL
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return unix.EINTR
	default:
		return unix.EIO
	}
}
