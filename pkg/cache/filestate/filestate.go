// Package filestate tracks the write-back bookkeeping of one open file:
// reference and open counts, bytes submitted but not yet flushed, the
// queue of asynchronous flush failures, and deferred timestamp updates.
package filestate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/wbcache/pkg/backing"
)

// Mode distinguishes read-only from read-write references.
type Mode int

const (
	RO Mode = iota
	RW
)

func (m Mode) String() string {
	if m == RW {
		return "rw"
	}
	return "ro"
}

// Times is a deferred access/modification time update.
type Times struct {
	Atime time.Time
	Mtime time.Time
}

// FileState is shared by every descriptor open on the same file. All
// methods are safe for concurrent use.
type FileState struct {
	id   uuid.UUID
	path string

	mu          sync.Mutex
	handle      backing.Handle
	refs        [2]int
	opens       [2]int
	outstanding int64
	drained     chan struct{} // closed while outstanding == 0
	maxWrite    int64
	times       *Times
	errs        []WriteError
}

// New returns the state for path, flushing into h.
func New(path string, h backing.Handle) *FileState {
	drained := make(chan struct{})
	close(drained)
	return &FileState{
		id:      uuid.New(),
		path:    path,
		handle:  h,
		drained: drained,
	}
}

func (f *FileState) ID() uuid.UUID { return f.id }
func (f *FileState) Path() string  { return f.path }

// Handle implements block.Owner.
func (f *FileState) Handle() backing.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handle
}

// SwapHandle replaces the backing handle and returns the previous one. It
// is used to upgrade a read-only handle when a writer opens the file, and
// panics if bytes are still outstanding against the old handle.
func (f *FileState) SwapHandle(h backing.Handle) backing.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding > 0 {
		panic(fmt.Sprintf("filestate %s: handle swapped with %d bytes outstanding", f.path, f.outstanding))
	}
	old := f.handle
	f.handle = h
	return old
}

func (f *FileState) IncRef(m Mode) {
	f.mu.Lock()
	f.refs[m]++
	f.mu.Unlock()
}

func (f *FileState) DecRef(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[m] == 0 {
		panic(fmt.Sprintf("filestate %s: %s reference count underflow", f.path, m))
	}
	f.refs[m]--
}

func (f *FileState) IncOpen(m Mode) {
	f.mu.Lock()
	f.opens[m]++
	f.mu.Unlock()
}

func (f *FileState) DecOpen(m Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opens[m] == 0 {
		panic(fmt.Sprintf("filestate %s: %s open count underflow", f.path, m))
	}
	f.opens[m]--
}

// Refs returns the reference count for m.
func (f *FileState) Refs(m Mode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[m]
}

// Opens returns the open count for m.
func (f *FileState) Opens(m Mode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[m]
}

// IsInUse reports whether anyone besides the caller still uses the file:
// more than one reference or open in total, or unflushed bytes.
func (f *FileState) IsInUse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[RO]+f.refs[RW] > 1 || f.opens[RO]+f.opens[RW] > 1 || f.outstanding > 0
}

// IsInUseRO is IsInUse restricted to read-only users.
func (f *FileState) IsInUseRO() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[RO] > 1 || f.opens[RO] > 1
}

// IsInUseRW is IsInUse restricted to read-write users.
func (f *FileState) IsInUseRW() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[RW] > 1 || f.opens[RW] > 1 || f.outstanding > 0
}

// CanRelease reports whether every counter is zero, so the state and its
// handle can be dropped.
func (f *FileState) CanRelease() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs == [2]int{} && f.opens == [2]int{} && f.outstanding == 0
}

// AddOutstanding records n more bytes awaiting flush.
func (f *FileState) AddOutstanding(n int64) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding == 0 {
		f.drained = make(chan struct{})
	}
	f.outstanding += n
}

// RemoveOutstanding records n bytes as flushed or failed. Reaching zero
// wakes every WaitForDrain caller.
func (f *FileState) RemoveOutstanding(n int64) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.outstanding {
		panic(fmt.Sprintf("filestate %s: removing %d outstanding bytes, only %d recorded", f.path, n, f.outstanding))
	}
	f.outstanding -= n
	if f.outstanding == 0 {
		close(f.drained)
	}
}

// Outstanding returns the bytes submitted but not yet flushed.
func (f *FileState) Outstanding() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

// WaitForDrain blocks until no bytes are outstanding, then drains the error
// queue. It returns nil when every flush succeeded, a *DrainError holding
// all queued failures otherwise, or ctx.Err() if ctx ends first.
func (f *FileState) WaitForDrain(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.outstanding == 0 {
			errs := f.errs
			f.errs = nil
			f.mu.Unlock()
			if len(errs) == 0 {
				return nil
			}
			return &DrainError{Path: f.path, Errors: errs}
		}
		ch := f.drained
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PushError queues a flush failure at off.
func (f *FileState) PushError(off int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, WriteError{Code: Errno(err), Offset: off, Err: err})
}

// PollError removes and returns the oldest queued failure.
func (f *FileState) PollError() (WriteError, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return WriteError{}, false
	}
	e := f.errs[0]
	f.errs = f.errs[1:]
	return e, true
}

// TakeErrors removes and returns every queued failure.
func (f *FileState) TakeErrors() []WriteError {
	f.mu.Lock()
	defer f.mu.Unlock()
	errs := f.errs
	f.errs = nil
	return errs
}

// SetUtimesPending records t to be applied when the file is closed. A later
// call replaces an earlier one.
func (f *FileState) SetUtimesPending(t Times) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = &t
}

// TakeUtimesPending returns and clears the pending update.
func (f *FileState) TakeUtimesPending() (Times, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.times == nil {
		return Times{}, false
	}
	t := *f.times
	f.times = nil
	return t, true
}

// TestMaxWriteOffset raises the high-water mark to end if it is larger.
func (f *FileState) TestMaxWriteOffset(end int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if end > f.maxWrite {
		f.maxWrite = end
	}
}

// SetMaxWriteOffset sets the high-water mark unconditionally; truncate is
// the only caller allowed to lower it.
func (f *FileState) SetMaxWriteOffset(off int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxWrite = off
}

// MaxWriteOffset returns the end of the furthest write seen.
func (f *FileState) MaxWriteOffset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxWrite
}
