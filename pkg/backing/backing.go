// Package backing defines the remote file handle the write-back cache
// flushes into, and the backends that open such handles.
package backing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when opening a missing path without Create.
	ErrNotFound = errors.New("file not found")

	// ErrClosed is returned by operations on a closed handle or backend.
	ErrClosed = errors.New("handle is closed")

	// ErrReadOnly is returned by mutating calls on a handle opened read-only.
	ErrReadOnly = errors.New("handle is read-only")

	// ErrInvalidOffset is returned for negative offsets or sizes.
	ErrInvalidOffset = errors.New("invalid offset")
)

// Flags select how a path is opened.
type Flags uint8

const (
	ReadOnly Flags = 0
	ReadWrite Flags = 1 << iota
	Create
	Truncate
)

// Writable reports whether f permits writes.
func (f Flags) Writable() bool { return f&ReadWrite != 0 }

// Attr is the subset of file attributes the cache needs.
type Attr struct {
	Size       int64
	ModTime    time.Time
	AccessTime time.Time
}

// Handle is positioned I/O against one remote file. Implementations must be
// safe for concurrent use; WriteAt calls for disjoint ranges may overlap.
type Handle interface {
	// WriteAt writes len(p) bytes at off. A short count without an error
	// is treated by callers as io.ErrShortWrite.
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadAt reads up to len(p) bytes at off. Reading at or past the end
	// returns io.EOF.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	Truncate(ctx context.Context, size int64) error
	Sync(ctx context.Context) error
	Stat(ctx context.Context) (Attr, error)
	Close(ctx context.Context) error
}

// TimeSetter is implemented by handles that can apply modification and
// access times. Times are applied when the last writer closes the file.
type TimeSetter interface {
	SetTimes(ctx context.Context, atime, mtime time.Time) error
}

// Backend opens handles on a storage system.
type Backend interface {
	// Name identifies the backend type, e.g. "fs" or "s3".
	Name() string

	Open(ctx context.Context, path string, flags Flags) (Handle, error)
	Remove(ctx context.Context, path string) error
	HealthCheck(ctx context.Context) error
	Close() error
}
