package cache

import (
	"context"
	"math"
	"time"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/internal/telemetry"
	"github.com/marmos91/wbcache/pkg/cache/block"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

const acquireRetryInterval = 50 * time.Millisecond

// Submit buffers data for f at off. The bytes are copied; data may be reused
// as soon as Submit returns. Submit blocks only when every block is in use,
// and fails only on a closed cache or a cancelled context.
func (c *Cache) Submit(ctx context.Context, f *filestate.FileState, data []byte, off int64) error {
	if off < 0 || off > math.MaxInt64-int64(len(data)) {
		return ErrInvalidOffset
	}
	if len(data) == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSubmit,
		telemetry.Path(f.Path()), telemetry.Offset(off), telemetry.Length(len(data)))
	defer span.End()

	start := time.Now()
	total := int64(len(data))
	for len(data) > 0 {
		n := min(int64(len(data)), c.blockSize-off%c.blockSize)
		if err := c.mergeOrCreate(ctx, f, data[:n], off); err != nil {
			telemetry.RecordError(ctx, err)
			return err
		}
		data = data[n:]
		off += n
	}

	c.submitted.Add(total)
	if c.metrics != nil {
		c.metrics.ObserveSubmit(total, time.Since(start))
	}
	return nil
}

// mergeOrCreate places one sub-write that lies inside a single aligned
// region. It merges into the in-progress block for that region if there is
// one, otherwise acquires a block for it.
func (c *Cache) mergeOrCreate(ctx context.Context, f *filestate.FileState, data []byte, off int64) error {
	k := key{file: f, base: off - off%c.blockSize}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if b, ok := c.inProgress.Get(k); ok {
		c.mergeLocked(k, b, data, off)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	b, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.pool <- b
		return ErrClosed
	}

	// The lock was released while acquiring; another writer may have
	// created the block for this region in the meantime.
	if existing, ok := c.inProgress.Get(k); ok {
		c.pool <- b
		c.mergeLocked(k, existing, data, off)
		return nil
	}

	if b.Allocated() {
		b.Recycle(f, data, off)
	} else {
		b.Initialize(f, data, off)
	}
	f.AddOutstanding(int64(len(data)))
	if c.metrics != nil {
		c.metrics.ObserveMerge(int64(len(data)), false)
	}

	if b.IsFull() {
		c.enqueueLocked(b)
		return nil
	}
	c.inProgress.Set(k, b)
	return nil
}

func (c *Cache) mergeLocked(k key, b *block.Block, data []byte, off int64) {
	added := b.AddPiece(data, off)
	k.file.AddOutstanding(added)
	if c.metrics != nil {
		c.metrics.ObserveMerge(added, true)
	}
	if b.IsFull() {
		c.inProgress.Delete(k)
		c.enqueueLocked(b)
	}
}

// acquire returns a free block: from the pool, freshly allocated while under
// the memory bound, or, under backpressure, the next block the worker
// recycles after the oldest in-progress block has been forced out.
func (c *Cache) acquire(ctx context.Context) (*block.Block, error) {
	select {
	case b := <-c.pool:
		return b, nil
	default:
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.allocated+c.blockSize <= c.maxResident {
		c.allocated += c.blockSize
		allocated := c.allocated
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordAllocated(allocated)
		}
		return block.New(c.blockSize), nil
	}
	c.forceOneWriteLocked()
	c.mu.Unlock()

	c.waits.Add(1)
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAcquireWait)
	defer span.End()
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveBackpressure(time.Since(start))
		}
	}()

	logger.DebugCtx(ctx, "Waiting for a free block", logger.KeyAllocated, c.maxResident)

	// A block acquired by another writer may reach the in-progress map
	// after the eviction above found it empty; evict again on every tick.
	ticker := time.NewTicker(acquireRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.pool:
			return b, nil
		case <-c.done:
			return nil, ErrClosed
		case <-ctx.Done():
			telemetry.RecordError(ctx, ctx.Err())
			return nil, ctx.Err()
		case <-ticker.C:
			if len(c.pool) == 0 && len(c.queue) == 0 {
				c.ForceOneWrite()
			}
		}
	}
}

// ForceOneWrite moves the oldest in-progress block to the flush queue. It
// reports false when nothing was in progress.
func (c *Cache) ForceOneWrite() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forceOneWriteLocked()
}

func (c *Cache) forceOneWriteLocked() bool {
	oldest := c.inProgress.Oldest()
	if oldest == nil {
		return false
	}
	c.inProgress.Delete(oldest.Key)
	c.enqueueLocked(oldest.Value)
	return true
}

// ForceAllWrites queues every in-progress block of f and waits until all of
// f's submitted bytes are flushed. It returns nil, a *filestate.DrainError
// with the failures collected since the last drain, or ctx.Err().
//
// Blocks of f created by a concurrent Submit after the queueing step are not
// queued by this call; the wait then lasts until backpressure evicts them or
// ctx expires. Callers serialize writers with drains, or bound ctx.
func (c *Cache) ForceAllWrites(ctx context.Context, f *filestate.FileState) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanForceAllWrites,
		telemetry.Path(f.Path()), telemetry.Outstanding(f.Outstanding()))
	defer span.End()

	start := time.Now()
	n := c.FlushAsync(f)

	err := f.WaitForDrain(ctx)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.WarnCtx(ctx, "Write-back flush reported errors",
			logger.KeyPath, f.Path(), logger.KeyError, err)
	}
	logger.DebugCtx(ctx, "Forced all writes",
		logger.KeyPath, f.Path(), logger.KeyQueued, n, logger.DurationMs(start))
	return err
}

// FlushAsync queues every in-progress block of f without waiting and
// returns how many were queued.
func (c *Cache) FlushAsync(f *filestate.FileState) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for pair := c.inProgress.Oldest(); pair != nil; {
		next := pair.Next()
		if pair.Key.file == f {
			c.inProgress.Delete(pair.Key)
			c.enqueueLocked(pair.Value)
			n++
		}
		pair = next
	}
	return n
}
