// Package fileops is the file-operation layer in front of the write-back
// cache. A Table maps descriptors to open files; every descriptor open on
// the same path shares one FileState and one backing handle, so writes from
// any of them are merged into the same blocks.
package fileops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/cache"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

// Options tune a Table.
type Options struct {
	// DrainTimeout bounds how long an operation waits for pending flushes.
	// Zero means no bound beyond the caller's context.
	DrainTimeout time.Duration

	// Now is the clock used for deferred timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Table is the descriptor table. It is safe for concurrent use.
type Table struct {
	cache   *cache.Cache
	backend backing.Backend
	opts    Options

	mu    sync.Mutex
	files map[string]*entry
	fds   map[uuid.UUID]*File
}

type entry struct {
	state    *filestate.FileState
	writable bool
}

// New returns an empty table that writes through c into b.
func New(c *cache.Cache, b backing.Backend, opts Options) *Table {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Table{
		cache:   c,
		backend: b,
		opts:    opts,
		files:   make(map[string]*entry),
		fds:     make(map[uuid.UUID]*File),
	}
}

// Open returns a new descriptor for path. Opening a path that is already
// open reuses its state; a read-write open of a path held only read-only
// upgrades the shared handle.
func (t *Table) Open(ctx context.Context, path string, flags backing.Flags) (*File, error) {
	mode := filestate.RO
	if flags.Writable() {
		mode = filestate.RW
	}

	t.mu.Lock()
	e, existed := t.files[path]
	switch {
	case !existed:
		h, err := t.backend.Open(ctx, path, flags)
		if err != nil {
			t.mu.Unlock()
			return nil, newError("open", path, filestate.Errno(err), err)
		}
		e = &entry{state: filestate.New(path, h), writable: mode == filestate.RW}
		t.files[path] = e

	case mode == filestate.RW && !e.writable:
		h, err := t.backend.Open(ctx, path, flags)
		if err != nil {
			t.mu.Unlock()
			return nil, newError("open", path, filestate.Errno(err), err)
		}
		if old := e.state.SwapHandle(h); old != h {
			if err := old.Close(ctx); err != nil {
				logger.Warn("Failed to close read-only handle", logger.KeyPath, path, logger.KeyError, err)
			}
		}
		e.writable = true
	}

	e.state.IncOpen(mode)
	f := &File{id: uuid.New(), table: t, state: e.state, mode: mode}
	t.fds[f.id] = f
	t.mu.Unlock()

	logger.Debug("File opened",
		logger.KeyPath, path,
		logger.KeyFileID, f.id.String(),
		logger.KeyState, mode.String())

	// A fresh handle was truncated by the backend; a shared one still has
	// the other descriptors' data and pending writes.
	if existed && mode == filestate.RW && flags&backing.Truncate != 0 {
		if err := f.Truncate(ctx, 0); err != nil {
			_ = f.Close(ctx)
			return nil, err
		}
	}

	return f, nil
}

// Lookup returns the open descriptor with id.
func (t *Table) Lookup(id uuid.UUID) (*File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[id]
	return f, ok
}

// Len returns the number of open descriptors.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fds)
}

// Files returns the number of distinct open paths.
func (t *Table) Files() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// Close closes every open descriptor, flushing their pending writes.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	open := make([]*File, 0, len(t.fds))
	for _, f := range t.fds {
		open = append(open, f)
	}
	t.mu.Unlock()

	var errs []error
	for _, f := range open {
		if err := f.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// release drops f from the table and closes the shared handle once nothing
// references the file anymore.
func (t *Table) release(ctx context.Context, f *File) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f.state.DecOpen(f.mode)
	delete(t.fds, f.id)

	if !f.state.CanRelease() {
		logger.Debug("File still in use",
			logger.KeyPath, f.state.Path(),
			logger.KeyOutstanding, f.state.Outstanding())
		return nil
	}

	if e, ok := t.files[f.state.Path()]; ok && e.state == f.state {
		delete(t.files, f.state.Path())
	}
	if err := f.state.Handle().Close(ctx); err != nil {
		return newError("close", f.state.Path(), unix.EIO, err)
	}
	return nil
}

// drain forces every pending write of state and waits for it, bounded by
// the table's drain timeout.
func (t *Table) drain(ctx context.Context, state *filestate.FileState) error {
	if t.opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DrainTimeout)
		defer cancel()
	}
	return t.cache.ForceAllWrites(ctx, state)
}
