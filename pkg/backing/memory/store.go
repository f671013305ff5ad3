// Package memory provides an in-process chunk store, used by tests and the
// "memory" backend.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/wbcache/pkg/backing/chunked"
)

// Store is a map-backed chunked.Store. Values are copied on the way in and
// out, so callers may reuse their buffers.
type Store struct {
	mu     sync.RWMutex
	chunks map[string][]byte
	writes int
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{chunks: make(map[string][]byte)}
}

// NewBackend returns a backing.Backend over a fresh Store.
func NewBackend(chunkSize int64) (*chunked.Backend, *Store) {
	s := New()
	return chunked.New(s, chunked.Options{Name: "memory", ChunkSize: chunkSize}), s
}

func (s *Store) WriteChunk(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chunked.ErrStoreClosed
	}
	s.chunks[key] = append([]byte(nil), data...)
	s.writes++
	return nil
}

func (s *Store) ReadChunk(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chunked.ErrStoreClosed
	}
	data, ok := s.chunks[key]
	if !ok {
		return nil, chunked.ErrChunkNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *Store) DeleteChunk(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chunked.ErrStoreClosed
	}
	delete(s.chunks, key)
	return nil
}

func (s *Store) DeleteByPrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chunked.ErrStoreClosed
	}
	for k := range s.chunks {
		if strings.HasPrefix(k, prefix) {
			delete(s.chunks, k)
		}
	}
	return nil
}

func (s *Store) ListByPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chunked.ErrStoreClosed
	}
	var keys []string
	for k := range s.chunks {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chunked.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chunks = nil
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Writes returns the number of WriteChunk calls served.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

var _ chunked.Store = (*Store)(nil)
