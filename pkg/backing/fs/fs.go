// Package fs is a backend on a local directory tree, for running the cache
// against a mounted network filesystem or a plain disk.
package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/marmos91/wbcache/pkg/backing"
)

// Backend resolves paths below Root.
type Backend struct {
	root string
}

// New returns a Backend rooted at root, creating the directory if needed.
func New(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root %q: %w", abs, err)
	}
	return &Backend{root: abs}, nil
}

func (b *Backend) Name() string { return "fs" }

// Root returns the absolute directory the backend serves.
func (b *Backend) Root() string { return b.root }

// resolve confines p to the root; ".." cannot escape it.
func (b *Backend) resolve(p string) string {
	return filepath.Join(b.root, filepath.Clean("/"+p))
}

func (b *Backend) Open(ctx context.Context, p string, flags backing.Flags) (backing.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := os.O_RDONLY
	if flags.Writable() {
		mode = os.O_RDWR
	}
	if flags&backing.Create != 0 {
		mode |= os.O_CREATE
	}
	if flags&backing.Truncate != 0 && flags.Writable() {
		mode |= os.O_TRUNC
	}

	full := b.resolve(p)
	if flags&backing.Create != 0 {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("create parent of %s: %w", p, err)
		}
	}

	f, err := os.OpenFile(full, mode, 0o644)
	if err != nil {
		return nil, mapErr(p, err)
	}
	return &File{f: f, path: p, flags: flags}, nil
}

func (b *Backend) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(p, os.Remove(b.resolve(p)))
}

func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("fs health check failed: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("fs health check failed: %s is not a directory", b.root)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

// File wraps an *os.File. Context cancellation is checked before each call;
// local I/O itself is not interruptible.
type File struct {
	f     *os.File
	path  string
	flags backing.Flags
}

func (h *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !h.flags.Writable() {
		return 0, backing.ErrReadOnly
	}
	if off < 0 {
		return 0, backing.ErrInvalidOffset
	}
	n, err := h.f.WriteAt(p, off)
	return n, mapErr(h.path, err)
}

func (h *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, backing.ErrInvalidOffset
	}
	n, err := h.f.ReadAt(p, off)
	return n, mapErr(h.path, err)
}

func (h *File) Truncate(ctx context.Context, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.flags.Writable() {
		return backing.ErrReadOnly
	}
	if size < 0 {
		return backing.ErrInvalidOffset
	}
	return mapErr(h.path, h.f.Truncate(size))
}

func (h *File) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(h.path, h.f.Sync())
}

func (h *File) Stat(ctx context.Context) (backing.Attr, error) {
	if err := ctx.Err(); err != nil {
		return backing.Attr{}, err
	}
	st, err := h.f.Stat()
	if err != nil {
		return backing.Attr{}, mapErr(h.path, err)
	}
	return backing.Attr{Size: st.Size(), ModTime: st.ModTime(), AccessTime: st.ModTime()}, nil
}

func (h *File) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(h.path, os.Chtimes(h.f.Name(), atime, mtime))
}

func (h *File) Close(context.Context) error {
	return mapErr(h.path, h.f.Close())
}

// mapErr translates os errors into backing sentinels, keeping the cause.
func mapErr(p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, iofs.ErrNotExist):
		return fmt.Errorf("%w: %s", backing.ErrNotFound, p)
	case errors.Is(err, iofs.ErrClosed):
		return backing.ErrClosed
	default:
		return err
	}
}

var (
	_ backing.Backend    = (*Backend)(nil)
	_ backing.Handle     = (*File)(nil)
	_ backing.TimeSetter = (*File)(nil)
)
