package cache

import (
	"context"
	"errors"
	"time"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/internal/telemetry"
	"github.com/marmos91/wbcache/pkg/cache/block"
	"github.com/marmos91/wbcache/pkg/cache/filestate"
)

// run is the flush worker. It exits on the nil sentinel queued by Close.
func (c *Cache) run() {
	defer close(c.done)
	for b := <-c.queue; b != nil; b = <-c.queue {
		c.flush(b)
	}
	logger.Debug("Write-back worker stopped")
}

// flush writes one block, reports a failure on its owner, returns the block
// to the pool and only then releases the owner's outstanding bytes, so a
// drained file already sees its errors.
func (c *Cache) flush(b *block.Block) {
	f := b.Owner().(*filestate.FileState)
	b.MarkFlushing()

	// Flushes are never cancelled; the worker is the only caller.
	ctx, span := telemetry.StartSpan(context.Background(), telemetry.SpanBlockFlush,
		telemetry.Path(f.Path()),
		telemetry.BlockBase(b.Base()),
		telemetry.BlockPieces(len(b.Pieces())),
		telemetry.BlockBytes(b.Tracked()))
	defer span.End()
	ctx = logger.WithOperation(ctx, "flush", f.Path())

	start := time.Now()
	err := b.Flush(ctx)
	elapsed := time.Since(start)

	tracked := b.Tracked()
	if err != nil {
		c.failed.Add(1)
		telemetry.RecordError(ctx, err)

		off := b.Base()
		var fe *block.FlushError
		if errors.As(err, &fe) {
			off = fe.Offset
			err = fe.Err
		}
		f.PushError(off, err)
		logger.ErrorCtx(ctx, "Block flush failed",
			logger.KeyBlockBase, b.Base(), logger.KeyOffset, off,
			logger.KeyErrno, filestate.Errno(err).Error(), logger.KeyError, err)
	} else {
		c.flushed.Add(1)
		logger.DebugCtx(ctx, "Block flushed",
			logger.KeyBlockBase, b.Base(), logger.KeyBytes, tracked,
			logger.KeyDurationMs, elapsed.Milliseconds())
	}
	if c.metrics != nil {
		c.metrics.ObserveFlush(tracked, elapsed, err)
	}

	b.Release()
	c.pool <- b
	f.RemoveOutstanding(tracked)
}
