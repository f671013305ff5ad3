package backingtest

import (
	"context"
	"sync"

	"github.com/marmos91/wbcache/pkg/backing"
)

// Backend hands out one Handle per path. Reopening a closed path returns
// the same Handle, reopened, so tests can inspect it across opens.
type Backend struct {
	mu    sync.Mutex
	files map[string]*Handle
	opens map[string]int
}

// NewBackend returns an empty Backend.
func NewBackend() *Backend {
	return &Backend{files: make(map[string]*Handle), opens: make(map[string]int)}
}

func (b *Backend) Name() string { return "test" }

func (b *Backend) Open(_ context.Context, p string, flags backing.Flags) (backing.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.files[p]
	if !ok {
		if flags&backing.Create == 0 {
			return nil, backing.ErrNotFound
		}
		h = New()
		b.files[p] = h
	}

	h.mu.Lock()
	h.closed = false
	if flags&backing.Truncate != 0 && flags.Writable() {
		h.data = h.data[:0]
	}
	h.mu.Unlock()

	b.opens[p]++
	return h, nil
}

func (b *Backend) Remove(_ context.Context, p string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[p]; !ok {
		return backing.ErrNotFound
	}
	delete(b.files, p)
	return nil
}

func (b *Backend) HealthCheck(context.Context) error { return nil }

func (b *Backend) Close() error { return nil }

// File returns the Handle for p, creating it if needed.
func (b *Backend) File(p string) *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.files[p]
	if !ok {
		h = New()
		b.files[p] = h
	}
	return h
}

// Opens returns how many times p was opened.
func (b *Backend) Opens(p string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[p]
}

var _ backing.Backend = (*Backend)(nil)
