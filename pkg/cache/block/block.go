// Package block implements the unit of write-back buffering: a fixed-size
// buffer covering one aligned region of one file, plus the sorted set of
// byte ranges inside it that hold valid data.
package block

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/pkg/backing"
)

// Owner is the file a block buffers data for.
type Owner interface {
	// Handle returns the backing handle flushes are written to.
	Handle() backing.Handle
}

// Piece is a valid byte range. Offsets returned by Pieces are absolute file
// offsets; internally they are relative to the block base.
type Piece struct {
	Off int64
	Len int64
}

// End returns the exclusive end offset.
func (p Piece) End() int64 { return p.Off + p.Len }

// Block is not safe for concurrent use. The cache serializes access: a block
// is owned by exactly one of the in-progress map, the flush queue, the worker
// or the free pool at any time.
type Block struct {
	size    int64
	owner   Owner
	base    int64
	buf     []byte
	pieces  []Piece // relative to base, sorted, disjoint, never touching
	tracked int64
	state   State
}

// New returns a free block of the given capacity. The buffer is allocated
// by Initialize.
func New(size int64) *Block {
	if size <= 0 {
		panic(fmt.Sprintf("block: invalid size %d", size))
	}
	return &Block{size: size}
}

// Initialize allocates the buffer and installs data as the only piece.
// It panics if data does not fit inside the aligned region containing off.
func (b *Block) Initialize(owner Owner, data []byte, off int64) {
	b.buf = make([]byte, b.size)
	b.reset(owner, data, off)
}

// Recycle is Initialize for a block coming back from the pool: the buffer
// is reused and the previous pieces are discarded.
func (b *Block) Recycle(owner Owner, data []byte, off int64) {
	if b.buf == nil {
		b.buf = make([]byte, b.size)
	}
	b.reset(owner, data, off)
}

func (b *Block) reset(owner Owner, data []byte, off int64) {
	b.transition(StateFree, StateFilling)
	b.checkRange(data, off)

	b.owner = owner
	b.base = b.AlignDown(off)
	b.pieces = b.pieces[:0]
	b.tracked = 0
	b.AddPiece(data, off)
}

// AddPiece copies data into the buffer at off and merges the range into the
// piece set, coalescing with every piece it overlaps or touches. Later bytes
// overwrite earlier ones. It returns the number of bytes that were not
// tracked before the call.
func (b *Block) AddPiece(data []byte, off int64) int64 {
	if b.state != StateFilling {
		panic(fmt.Sprintf("block: AddPiece in state %s", b.state))
	}
	if off < b.base || off+int64(len(data)) > b.base+b.size {
		panic(fmt.Sprintf("block: range [%d,%d) outside block [%d,%d)",
			off, off+int64(len(data)), b.base, b.base+b.size))
	}
	if len(data) == 0 {
		return 0
	}

	start := off - b.base
	end := start + int64(len(data))
	copy(b.buf[start:end], data)

	// i is the first piece starting at or after the new range.
	i := sort.Search(len(b.pieces), func(i int) bool { return b.pieces[i].Off >= start })

	lo := i
	if i > 0 && b.pieces[i-1].End() >= start {
		lo = i - 1
		start = b.pieces[lo].Off
		end = max(end, b.pieces[lo].End())
	}

	hi := i
	for hi < len(b.pieces) && b.pieces[hi].Off <= end {
		end = max(end, b.pieces[hi].End())
		hi++
	}

	var removed int64
	for _, p := range b.pieces[lo:hi] {
		removed += p.Len
	}
	b.pieces = slices.Replace(b.pieces, lo, hi, Piece{Off: start, Len: end - start})

	added := (end - start) - removed
	b.tracked += added
	return added
}

// IsFull reports whether every byte of the block is tracked.
func (b *Block) IsFull() bool { return b.tracked == b.size }

// Flush writes every piece to the owner's handle in ascending order. All
// pieces are attempted; the first failure is returned as a *FlushError and
// later ones are logged.
func (b *Block) Flush(ctx context.Context) error {
	if b.state != StateFlushing {
		panic(fmt.Sprintf("block: Flush in state %s", b.state))
	}
	h := b.owner.Handle()

	var first *FlushError
	for _, p := range b.pieces {
		off := b.base + p.Off
		n, err := h.WriteAt(ctx, b.buf[p.Off:p.End()], off)
		if err == nil && int64(n) < p.Len {
			err = io.ErrShortWrite
		}
		if err == nil {
			continue
		}
		if first == nil {
			first = &FlushError{Offset: off, Length: p.Len, Err: err}
			continue
		}
		logger.WarnCtx(ctx, "additional piece failed to flush",
			logger.KeyBlockBase, b.base, logger.KeyOffset, off, logger.KeyLength, p.Len, logger.KeyError, err)
	}

	if first != nil {
		return first
	}
	return nil
}

// MarkQueued moves a filling block to the flush queue state.
func (b *Block) MarkQueued() { b.transition(StateFilling, StateQueued) }

// MarkFlushing is called by the worker when it takes a queued block.
func (b *Block) MarkFlushing() { b.transition(StateQueued, StateFlushing) }

// Release returns a flushed block to the free state and drops its owner.
func (b *Block) Release() {
	b.transition(StateFlushing, StateFree)
	b.owner = nil
	b.pieces = b.pieces[:0]
	b.tracked = 0
}

// AlignDown returns the start of the aligned region containing off.
func (b *Block) AlignDown(off int64) int64 { return off - off%b.size }

func (b *Block) Owner() Owner    { return b.owner }
func (b *Block) Base() int64     { return b.base }
func (b *Block) Size() int64     { return b.size }
func (b *Block) Tracked() int64  { return b.tracked }
func (b *Block) State() State    { return b.state }
func (b *Block) Allocated() bool { return b.buf != nil }

// Pieces returns the valid ranges with absolute offsets.
func (b *Block) Pieces() []Piece {
	out := make([]Piece, len(b.pieces))
	for i, p := range b.pieces {
		out[i] = Piece{Off: b.base + p.Off, Len: p.Len}
	}
	return out
}

func (b *Block) checkRange(data []byte, off int64) {
	if int64(len(data)) > b.size {
		panic(fmt.Sprintf("block: write of %d bytes exceeds block size %d", len(data), b.size))
	}
	if off < 0 {
		panic(fmt.Sprintf("block: negative offset %d", off))
	}
	if off%b.size+int64(len(data)) > b.size {
		panic(fmt.Sprintf("block: write [%d,%d) crosses a block boundary", off, off+int64(len(data))))
	}
}

func (b *Block) transition(from, to State) {
	if b.state != from {
		panic(fmt.Sprintf("block: invalid transition %s -> %s (expected from %s)", b.state, to, from))
	}
	b.state = to
}
