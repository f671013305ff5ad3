package block

// State is the lifecycle position of a block:
//
//	Free -> Filling -> Queued -> Flushing -> Free
type State int

const (
	// StateFree blocks sit in the pool with no owner.
	StateFree State = iota

	// StateFilling blocks are in the in-progress map accepting merges.
	StateFilling

	// StateQueued blocks wait in the flush queue.
	StateQueued

	// StateFlushing blocks are being written by the worker.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateFilling:
		return "Filling"
	case StateQueued:
		return "Queued"
	case StateFlushing:
		return "Flushing"
	default:
		return "Unknown"
	}
}
