// Package chunked exposes files with positioned I/O on top of a key-value
// object store. Each file is a metadata record plus fixed-size chunk objects:
//
//	{path}/meta           JSON {size, mtime, atime}
//	{path}/chunk-00000000 bytes [0, ChunkSize)
//	{path}/chunk-00000001 bytes [ChunkSize, 2*ChunkSize)
//
// Chunks that were never written read back as zeros.
package chunked

import (
	"context"
	"errors"
)

// DefaultChunkSize is used when Options.ChunkSize is zero.
const DefaultChunkSize = 4 * 1024 * 1024

var (
	// ErrChunkNotFound is returned by Store.ReadChunk for a missing key.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrStoreClosed is returned by operations on a closed Store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the object store files are laid out on. Implementations exist
// for memory, S3 and Badger.
type Store interface {
	// WriteChunk stores data under key, replacing any previous value.
	WriteChunk(ctx context.Context, key string, data []byte) error

	// ReadChunk returns the value stored under key or ErrChunkNotFound.
	ReadChunk(ctx context.Context, key string) ([]byte, error)

	// DeleteChunk removes key. Missing keys are not an error.
	DeleteChunk(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// ListByPrefix returns the keys starting with prefix in lexical order.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
