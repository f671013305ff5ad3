// Package backingtest provides an in-memory backing.Handle with fault
// injection and a write log, for testing code that flushes into handles.
package backingtest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/marmos91/wbcache/pkg/backing"
)

// Write records one WriteAt call.
type Write struct {
	Off int64
	Len int
}

// Handle is a sparse in-memory file. It is safe for concurrent use.
type Handle struct {
	mu     sync.Mutex
	data   []byte
	writes []Write
	fail   map[int64]error
	short  map[int64]int
	gate   chan struct{}
	syncs  int
	atime  time.Time
	mtime  time.Time
	timed  bool
	closed bool
}

// New returns an empty Handle.
func New() *Handle {
	return &Handle{fail: make(map[int64]error), short: make(map[int64]int)}
}

// FailAt makes every WriteAt starting at off return err.
func (h *Handle) FailAt(off int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[off] = err
}

// ShortAt makes WriteAt starting at off persist only n bytes, without error.
func (h *Handle) ShortAt(off int64, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.short[off] = n
}

// Hold blocks WriteAt calls until the returned function is called.
func (h *Handle) Hold() (release func()) {
	gate := make(chan struct{})
	h.mu.Lock()
	h.gate = gate
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.gate == gate {
				h.gate = nil
			}
			h.mu.Unlock()
			close(gate)
		})
	}
}

func (h *Handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, backing.ErrClosed
	}
	h.writes = append(h.writes, Write{Off: off, Len: len(p)})
	if err, ok := h.fail[off]; ok {
		return 0, err
	}
	n := len(p)
	if s, ok := h.short[off]; ok && s < n {
		n = s
	}
	if end := off + int64(n); end > int64(len(h.data)) {
		h.data = append(h.data, make([]byte, end-int64(len(h.data)))...)
	}
	copy(h.data[off:], p[:n])
	return n, nil
}

func (h *Handle) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, backing.ErrClosed
	}
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *Handle) Truncate(_ context.Context, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size < 0 {
		return backing.ErrInvalidOffset
	}
	if size <= int64(len(h.data)) {
		h.data = h.data[:size]
	} else {
		h.data = append(h.data, make([]byte, size-int64(len(h.data)))...)
	}
	return nil
}

func (h *Handle) Sync(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs++
	return nil
}

func (h *Handle) Stat(context.Context) (backing.Attr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return backing.Attr{Size: int64(len(h.data)), ModTime: h.mtime, AccessTime: h.atime}, nil
}

func (h *Handle) SetTimes(_ context.Context, atime, mtime time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.atime, h.mtime, h.timed = atime, mtime, true
	return nil
}

func (h *Handle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return backing.ErrClosed
	}
	h.closed = true
	return nil
}

// Bytes returns a copy of the file contents.
func (h *Handle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.data...)
}

// Writes returns the WriteAt calls seen so far, in order.
func (h *Handle) Writes() []Write {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Write(nil), h.writes...)
}

// Syncs returns how many times Sync was called.
func (h *Handle) Syncs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncs
}

// Times returns the last SetTimes arguments and whether it was called.
func (h *Handle) Times() (atime, mtime time.Time, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.atime, h.mtime, h.timed
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

var (
	_ backing.Handle     = (*Handle)(nil)
	_ backing.TimeSetter = (*Handle)(nil)
)
