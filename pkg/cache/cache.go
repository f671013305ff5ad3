// Package cache implements the process-wide write-back cache.
//
// Writes are split at block boundaries and merged into fixed-size blocks,
// one per (file, aligned offset). A block that becomes full, or that is
// evicted to make room, moves to a FIFO flush queue drained by a single
// worker goroutine. The worker writes the block into the owner's backing
// handle, reports failures on the owner's error queue, and returns the
// block to a bounded pool for reuse.
//
// Memory is bounded by Config.MaxResident: at most MaxResident/BlockSize
// blocks are ever allocated. When every block is in use, Submit evicts the
// oldest in-progress block and waits for the worker to recycle one.
//
// Lock ordering: the cache lock may be held while taking a FileState lock,
// never the reverse. No lock is held while waiting for the pool or for a
// file to drain.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/marmos91/wbcache/internal/bytesize"
	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/pkg/cache/block"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

const (
	// DefaultBlockSize is the block size used when Config.BlockSize is zero.
	DefaultBlockSize = 4 * bytesize.MiB

	// DefaultMaxResident is the memory bound used when Config.MaxResident is zero.
	DefaultMaxResident = 256 * bytesize.MiB
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("cache is closed")

	// ErrInvalidOffset is returned for writes at a negative offset or whose
	// end does not fit in an int64.
	ErrInvalidOffset = errors.New("invalid offset")
)

// Config sizes the cache.
type Config struct {
	// BlockSize is the capacity of every block and the alignment of block
	// base offsets.
	BlockSize bytesize.ByteSize

	// MaxResident bounds the bytes allocated to blocks. It must be at
	// least BlockSize.
	MaxResident bytesize.ByteSize
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.MaxResident == 0 {
		c.MaxResident = DefaultMaxResident
	}
	return c
}

// Option configures optional collaborators.
type Option func(*Cache)

// WithMetrics installs a metrics sink. A nil Metrics disables collection.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

type key struct {
	file *filestate.FileState
	base int64
}

// Cache is safe for concurrent use.
type Cache struct {
	blockSize   int64
	maxResident int64
	metrics     Metrics

	mu         sync.RWMutex
	inProgress *orderedmap.OrderedMap[key, *block.Block]
	allocated  int64
	closed     bool

	// pool holds free blocks. Its capacity equals the block limit, so
	// returning a block never blocks.
	pool chan *block.Block

	// queue is the flush queue. It holds at most every block plus the nil
	// sentinel that stops the worker.
	queue chan *block.Block

	done chan struct{}

	submitted atomic.Int64
	flushed   atomic.Int64
	failed    atomic.Int64
	waits     atomic.Int64
}

// New creates a cache and starts its flush worker.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg = cfg.withDefaults()
	if cfg.MaxResident < cfg.BlockSize {
		return nil, fmt.Errorf("max resident %s is smaller than block size %s", cfg.MaxResident, cfg.BlockSize)
	}

	maxBlocks := int(cfg.MaxResident / cfg.BlockSize)
	c := &Cache{
		blockSize:   cfg.BlockSize.Int64(),
		maxResident: int64(maxBlocks) * cfg.BlockSize.Int64(),
		inProgress:  orderedmap.New[key, *block.Block](),
		pool:        make(chan *block.Block, maxBlocks),
		queue:       make(chan *block.Block, maxBlocks+1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.run()

	logger.Debug("Write-back cache started",
		"block_size", cfg.BlockSize.String(),
		logger.KeyCapacity, maxBlocks)
	return c, nil
}

// BlockSize returns the capacity of one block.
func (c *Cache) BlockSize() int64 { return c.blockSize }

// Capacity returns the maximum number of bytes the cache allocates.
func (c *Cache) Capacity() int64 { return c.maxResident }

// Stats is a point-in-time view of the cache.
type Stats struct {
	BlockSize  int64
	Capacity   int64
	Allocated  int64
	Pooled     int
	InProgress int
	Queued     int

	SubmittedBytes    int64
	FlushedBlocks     int64
	FailedBlocks      int64
	BackpressureWaits int64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		BlockSize:         c.blockSize,
		Capacity:          c.maxResident,
		Allocated:         c.allocated,
		Pooled:            len(c.pool),
		InProgress:        c.inProgress.Len(),
		Queued:            len(c.queue),
		SubmittedBytes:    c.submitted.Load(),
		FlushedBlocks:     c.flushed.Load(),
		FailedBlocks:      c.failed.Load(),
		BackpressureWaits: c.waits.Load(),
	}
}

// Close queues every in-progress block, stops the worker once the queue is
// empty, and waits for it. Files keep their outstanding counts until the
// worker has flushed their blocks, so WaitForDrain still works after Close.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	n := c.inProgress.Len()
	for pair := c.inProgress.Oldest(); pair != nil; pair = pair.Next() {
		c.enqueueLocked(pair.Value)
	}
	c.inProgress = orderedmap.New[key, *block.Block]()
	c.queue <- nil
	c.mu.Unlock()

	logger.Debug("Write-back cache closing", logger.KeyQueued, n)

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) enqueueLocked(b *block.Block) {
	b.MarkQueued()
	c.queue <- b
	if c.metrics != nil {
		c.metrics.RecordQueueDepth(len(c.queue))
	}
}
