package cache

import "time"

// Metrics receives cache observations. Implementations must be safe for
// concurrent use; the flush worker and submitters report in parallel.
//
// A nil Metrics passed to WithMetrics disables collection entirely.
type Metrics interface {
	// ObserveSubmit records one Submit call of n bytes.
	ObserveSubmit(bytes int64, duration time.Duration)

	// ObserveMerge records bytes newly tracked by a sub-write; merged is
	// false when the sub-write started a new block.
	ObserveMerge(added int64, merged bool)

	// ObserveFlush records one block flush. err is nil on success.
	ObserveFlush(bytes int64, duration time.Duration, err error)

	// ObserveBackpressure records time spent waiting for a free block.
	ObserveBackpressure(duration time.Duration)

	// RecordAllocated records the bytes allocated to blocks.
	RecordAllocated(bytes int64)

	// RecordQueueDepth records the flush queue length.
	RecordQueueDepth(depth int)
}
