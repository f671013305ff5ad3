package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/marmos91/wbcache/pkg/backing"
)

// File is a backing.Handle on a chunked file. Operations on the same path
// are serialized by the shared object lock.
type File struct {
	b      *Backend
	obj    *object
	flags  backing.Flags
	closed atomic.Bool
}

func (f *File) load(ctx context.Context) error {
	obj := f.obj
	obj.mu.Lock()
	defer obj.mu.Unlock()

	if !obj.loaded {
		m, err := f.b.loadMeta(ctx, obj.key)
		switch {
		case err == nil:
			obj.meta = m
		case errors.Is(err, ErrChunkNotFound):
			if f.flags&backing.Create == 0 {
				return backing.ErrNotFound
			}
			now := f.b.now()
			obj.meta = fileMeta{MTime: now, ATime: now}
			if err := f.b.saveMeta(ctx, obj); err != nil {
				return err
			}
		default:
			return err
		}
		obj.loaded = true
	}

	if f.flags&backing.Truncate != 0 && f.flags.Writable() {
		return f.truncateLocked(ctx, 0)
	}
	return nil
}

func (f *File) check(write bool) error {
	if f.closed.Load() {
		return backing.ErrClosed
	}
	if write && !f.flags.Writable() {
		return backing.ErrReadOnly
	}
	return nil
}

// WriteAt implements backing.Handle with a read-modify-write per chunk.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := f.check(true); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, backing.ErrInvalidOffset
	}

	obj := f.obj
	obj.mu.Lock()
	defer obj.mu.Unlock()

	cs := f.b.chunkSize
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		idx, within := pos/cs, pos%cs
		take := int(min(cs-within, int64(len(p)-n)))

		chunk, err := f.b.store.ReadChunk(ctx, chunkKey(obj.key, idx))
		if err != nil && !errors.Is(err, ErrChunkNotFound) {
			return n, fmt.Errorf("read chunk %d of %s: %w", idx, obj.key, err)
		}
		if need := int(within) + take; len(chunk) < need {
			grown := make([]byte, need)
			copy(grown, chunk)
			chunk = grown
		}
		copy(chunk[within:], p[n:n+take])

		if err := f.b.store.WriteChunk(ctx, chunkKey(obj.key, idx), chunk); err != nil {
			return n, fmt.Errorf("write chunk %d of %s: %w", idx, obj.key, err)
		}
		n += take
	}

	obj.meta.MTime = f.b.now()
	obj.dirty = true
	if end := off + int64(n); end > obj.meta.Size {
		obj.meta.Size = end
		if err := f.b.saveMeta(ctx, obj); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadAt implements backing.Handle. Holes read as zeros.
func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := f.check(false); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, backing.ErrInvalidOffset
	}

	obj := f.obj
	obj.mu.Lock()
	defer obj.mu.Unlock()

	size := obj.meta.Size
	if off >= size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), size)

	cs := f.b.chunkSize
	n := 0
	for pos := off; pos < end; {
		idx, within := pos/cs, pos%cs
		take := min(cs-within, end-pos)
		dst := p[n : n+int(take)]

		chunk, err := f.b.store.ReadChunk(ctx, chunkKey(obj.key, idx))
		if err != nil && !errors.Is(err, ErrChunkNotFound) {
			return n, fmt.Errorf("read chunk %d of %s: %w", idx, obj.key, err)
		}
		clear(dst)
		if within < int64(len(chunk)) {
			copy(dst, chunk[within:])
		}
		n += int(take)
		pos += take
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Truncate implements backing.Handle.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if err := f.check(true); err != nil {
		return err
	}
	if size < 0 {
		return backing.ErrInvalidOffset
	}

	f.obj.mu.Lock()
	defer f.obj.mu.Unlock()
	return f.truncateLocked(ctx, size)
}

func (f *File) truncateLocked(ctx context.Context, size int64) error {
	obj := f.obj
	cs := f.b.chunkSize

	if size < obj.meta.Size {
		idxs, err := f.b.chunkIndexes(ctx, obj.key)
		if err != nil {
			return fmt.Errorf("list chunks of %s: %w", obj.key, err)
		}
		for _, idx := range idxs {
			start := idx * cs
			switch {
			case start >= size:
				if err := f.b.store.DeleteChunk(ctx, chunkKey(obj.key, idx)); err != nil {
					return fmt.Errorf("delete chunk %d of %s: %w", idx, obj.key, err)
				}
			case start+cs > size:
				if err := f.trimChunk(ctx, idx, size-start); err != nil {
					return err
				}
			}
		}
	}

	obj.meta.Size = size
	obj.meta.MTime = f.b.now()
	return f.b.saveMeta(ctx, obj)
}

func (f *File) trimChunk(ctx context.Context, idx, keep int64) error {
	key := chunkKey(f.obj.key, idx)
	chunk, err := f.b.store.ReadChunk(ctx, key)
	if errors.Is(err, ErrChunkNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chunk %d of %s: %w", idx, f.obj.key, err)
	}
	if int64(len(chunk)) <= keep {
		return nil
	}
	if err := f.b.store.WriteChunk(ctx, key, chunk[:keep]); err != nil {
		return fmt.Errorf("trim chunk %d of %s: %w", idx, f.obj.key, err)
	}
	return nil
}

// Sync persists pending metadata. Chunk data is written through.
func (f *File) Sync(ctx context.Context) error {
	if err := f.check(false); err != nil {
		return err
	}
	f.obj.mu.Lock()
	defer f.obj.mu.Unlock()
	if !f.obj.dirty {
		return nil
	}
	return f.b.saveMeta(ctx, f.obj)
}

// Stat implements backing.Handle.
func (f *File) Stat(ctx context.Context) (backing.Attr, error) {
	if err := f.check(false); err != nil {
		return backing.Attr{}, err
	}
	f.obj.mu.Lock()
	defer f.obj.mu.Unlock()
	return backing.Attr{
		Size:       f.obj.meta.Size,
		ModTime:    f.obj.meta.MTime,
		AccessTime: f.obj.meta.ATime,
	}, nil
}

// SetTimes implements backing.TimeSetter.
func (f *File) SetTimes(ctx context.Context, atime, mtime time.Time) error {
	if err := f.check(true); err != nil {
		return err
	}
	f.obj.mu.Lock()
	defer f.obj.mu.Unlock()
	f.obj.meta.ATime, f.obj.meta.MTime = atime, mtime
	return f.b.saveMeta(ctx, f.obj)
}

// Close flushes pending metadata and releases the handle.
func (f *File) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return backing.ErrClosed
	}
	defer f.b.release(f.obj)

	if !f.flags.Writable() {
		return nil
	}
	f.obj.mu.Lock()
	defer f.obj.mu.Unlock()
	if !f.obj.dirty {
		return nil
	}
	return f.b.saveMeta(ctx, f.obj)
}

var (
	_ backing.Handle     = (*File)(nil)
	_ backing.TimeSetter = (*File)(nil)
)
