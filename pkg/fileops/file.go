package fileops

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/internal/telemetry"
	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

// File is one open descriptor. Operations on a closed File fail with EBADF.
type File struct {
	id     uuid.UUID
	table  *Table
	state  *filestate.FileState
	mode   filestate.Mode
	closed atomic.Bool
}

func (f *File) ID() uuid.UUID               { return f.id }
func (f *File) Path() string                { return f.state.Path() }
func (f *File) Mode() filestate.Mode        { return f.mode }
func (f *File) State() *filestate.FileState { return f.state }

// begin takes an operation reference on the shared state. The returned
// function drops it.
func (f *File) begin(op string) (func(), error) {
	if f.closed.Load() {
		return nil, newError(op, f.state.Path(), unix.EBADF, backing.ErrClosed)
	}
	f.state.IncRef(f.mode)
	return func() { f.state.DecRef(f.mode) }, nil
}

func (f *File) touch() {
	now := f.table.opts.Now()
	f.state.SetUtimesPending(filestate.Times{Atime: now, Mtime: now})
}

// Write submits p at off to the write-back cache and returns len(p). A
// failure from an earlier asynchronous flush of this file is reported
// instead, once.
func (f *File) Write(ctx context.Context, p []byte, off int64) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileWrite,
		telemetry.Path(f.state.Path()), telemetry.FileID(f.id.String()),
		telemetry.Offset(off), telemetry.Length(len(p)))
	defer span.End()

	done, err := f.begin("write")
	if err != nil {
		return 0, err
	}
	defer done()

	if f.mode != filestate.RW {
		return 0, newError("write", f.state.Path(), unix.EPERM, backing.ErrReadOnly)
	}
	if off < 0 {
		return 0, newError("write", f.state.Path(), unix.EINVAL, backing.ErrInvalidOffset)
	}
	if off > math.MaxInt64-int64(len(p)) {
		return 0, newError("write", f.state.Path(), unix.EFBIG, backing.ErrInvalidOffset)
	}

	if err := f.table.cache.Submit(ctx, f.state, p, off); err != nil {
		telemetry.RecordError(ctx, err)
		return 0, newError("write", f.state.Path(), filestate.Errno(err), err)
	}
	f.state.TestMaxWriteOffset(off + int64(len(p)))
	f.touch()

	if we, ok := f.state.PollError(); ok {
		logger.WarnCtx(ctx, "Reporting earlier flush failure",
			logger.KeyPath, f.state.Path(),
			logger.KeyOffset, we.Offset,
			logger.KeyErrno, we.Code.Error(),
			logger.KeyError, we.Err)
		return 0, writeError("write", f.state.Path(), we)
	}
	return len(p), nil
}

// Read reads up to len(p) bytes at off through the backing handle. Pending
// writes of a file open for writing are flushed first, so the read sees
// them. Like io.ReaderAt, a short read returns io.EOF.
func (f *File) Read(ctx context.Context, p []byte, off int64) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileRead,
		telemetry.Path(f.state.Path()), telemetry.FileID(f.id.String()),
		telemetry.Offset(off), telemetry.Length(len(p)))
	defer span.End()

	done, err := f.begin("read")
	if err != nil {
		return 0, err
	}
	defer done()

	if off < 0 {
		return 0, newError("read", f.state.Path(), unix.EINVAL, backing.ErrInvalidOffset)
	}

	if f.state.Opens(filestate.RW) > 0 {
		if err := f.table.drain(ctx, f.state); err != nil {
			telemetry.RecordError(ctx, err)
			return 0, drainError("read", f.state.Path(), err)
		}
	}

	n, err := f.state.Handle().ReadAt(ctx, p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		telemetry.RecordError(ctx, err)
		return n, newError("read", f.state.Path(), unix.EIO, err)
	}
	return n, err
}

// Flush is called when a descriptor is closed by one of possibly several
// holders. Small files are queued without waiting; files larger than the
// cache are flushed synchronously. One queued failure is reported.
func (f *File) Flush(ctx context.Context) error {
	done, err := f.begin("flush")
	if err != nil {
		return err
	}
	defer done()

	if f.mode != filestate.RW {
		return nil
	}

	if f.state.MaxWriteOffset() > f.table.cache.Capacity() {
		if err := f.table.drain(ctx, f.state); err != nil {
			return drainError("flush", f.state.Path(), err)
		}
		return nil
	}

	f.table.cache.FlushAsync(f.state)
	if we, ok := f.state.PollError(); ok {
		return writeError("flush", f.state.Path(), we)
	}
	return nil
}

// Fsync waits for every pending write and syncs the backing handle.
func (f *File) Fsync(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileFsync,
		telemetry.Path(f.state.Path()), telemetry.FileID(f.id.String()))
	defer span.End()

	done, err := f.begin("fsync")
	if err != nil {
		return err
	}
	defer done()

	if f.mode != filestate.RW {
		return nil
	}

	if err := f.table.drain(ctx, f.state); err != nil {
		telemetry.RecordError(ctx, err)
		return drainError("fsync", f.state.Path(), err)
	}
	if err := f.state.Handle().Sync(ctx); err != nil {
		telemetry.RecordError(ctx, err)
		return newError("fsync", f.state.Path(), unix.EIO, err)
	}
	return nil
}

// Truncate flushes pending writes, then resizes the file to size.
func (f *File) Truncate(ctx context.Context, size int64) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileTruncate,
		telemetry.Path(f.state.Path()), telemetry.FileID(f.id.String()),
		telemetry.Offset(size))
	defer span.End()

	done, err := f.begin("truncate")
	if err != nil {
		return err
	}
	defer done()

	if f.mode != filestate.RW {
		return newError("truncate", f.state.Path(), unix.EPERM, backing.ErrReadOnly)
	}
	if size < 0 {
		return newError("truncate", f.state.Path(), unix.EINVAL, backing.ErrInvalidOffset)
	}

	f.touch()
	if err := f.table.drain(ctx, f.state); err != nil {
		telemetry.RecordError(ctx, err)
		return drainError("truncate", f.state.Path(), err)
	}
	if err := f.state.Handle().Truncate(ctx, size); err != nil {
		telemetry.RecordError(ctx, err)
		return newError("truncate", f.state.Path(), unix.EIO, err)
	}
	f.state.SetMaxWriteOffset(size)
	return nil
}

// SetTimes records timestamps to apply when the last writer closes.
func (f *File) SetTimes(atime, mtime time.Time) error {
	done, err := f.begin("utimes")
	if err != nil {
		return err
	}
	defer done()

	f.state.SetUtimesPending(filestate.Times{Atime: atime, Mtime: mtime})
	return nil
}

// Stat returns the backing attributes, with Size raised to cover writes
// still held by the cache.
func (f *File) Stat(ctx context.Context) (backing.Attr, error) {
	done, err := f.begin("stat")
	if err != nil {
		return backing.Attr{}, err
	}
	defer done()

	attr, err := f.state.Handle().Stat(ctx)
	if err != nil {
		return backing.Attr{}, newError("stat", f.state.Path(), filestate.Errno(err), err)
	}
	attr.Size = max(attr.Size, f.state.MaxWriteOffset())
	return attr, nil
}

// Close flushes pending writes, applies deferred timestamps once no other
// writer remains, and releases the descriptor. The shared handle is closed
// with the last descriptor. A flush failure is returned, but the
// descriptor is released regardless.
func (f *File) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return newError("close", f.state.Path(), unix.EBADF, backing.ErrClosed)
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanFileClose,
		telemetry.Path(f.state.Path()), telemetry.FileID(f.id.String()))
	defer span.End()
	ctx = logger.WithOperation(ctx, "close", f.state.Path())

	f.state.IncRef(f.mode)

	var errs []error
	if f.mode == filestate.RW {
		if err := f.table.drain(ctx, f.state); err != nil {
			telemetry.RecordError(ctx, err)
			logger.WarnCtx(ctx, "Pending writes failed on close", logger.KeyError, err)
			errs = append(errs, drainError("close", f.state.Path(), err))
		}
	}

	if f.lastWriter() {
		f.applyTimes(ctx)
	}

	f.state.DecRef(f.mode)
	if err := f.table.release(ctx, f); err != nil {
		errs = append(errs, err)
	}

	logger.DebugCtx(ctx, "File closed", logger.KeyFileID, f.id.String())
	return errors.Join(errs...)
}

// lastWriter reports whether no other descriptor can still write the file.
func (f *File) lastWriter() bool {
	if f.mode == filestate.RW {
		return !f.state.IsInUseRW()
	}
	return f.state.Opens(filestate.RW) == 0
}

func (f *File) applyTimes(ctx context.Context) {
	times, ok := f.state.TakeUtimesPending()
	if !ok {
		return
	}
	ts, ok := f.state.Handle().(backing.TimeSetter)
	if !ok {
		return
	}
	if err := ts.SetTimes(ctx, times.Atime, times.Mtime); err != nil {
		logger.WarnCtx(ctx, "Failed to apply timestamps", logger.KeyError, err)
	}
}
