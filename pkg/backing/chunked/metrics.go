package chunked

import (
	"context"
	"errors"
	"time"
)

// Metrics observes Store traffic. Implementations must be safe for
// concurrent use.
type Metrics interface {
	// ObserveOperation records one store call. op is one of "write",
	// "read", "delete", "delete_prefix", "list".
	ObserveOperation(backend, op string, duration time.Duration, err error)

	// RecordBytes records payload bytes moved in direction "in" or "out".
	RecordBytes(backend, direction string, bytes int64)
}

// instrumented wraps a Store and reports every call to Metrics.
type instrumented struct {
	Store
	name string
	m    Metrics
}

func instrument(s Store, name string, m Metrics) Store {
	return &instrumented{Store: s, name: name, m: m}
}

func (s *instrumented) WriteChunk(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.Store.WriteChunk(ctx, key, data)
	s.m.ObserveOperation(s.name, "write", time.Since(start), err)
	if err == nil {
		s.m.RecordBytes(s.name, "out", int64(len(data)))
	}
	return err
}

func (s *instrumented) ReadChunk(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.Store.ReadChunk(ctx, key)
	// A missing chunk is a hole, not a failure.
	reported := err
	if errors.Is(err, ErrChunkNotFound) {
		reported = nil
	}
	s.m.ObserveOperation(s.name, "read", time.Since(start), reported)
	if err == nil {
		s.m.RecordBytes(s.name, "in", int64(len(data)))
	}
	return data, err
}

func (s *instrumented) DeleteChunk(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.DeleteChunk(ctx, key)
	s.m.ObserveOperation(s.name, "delete", time.Since(start), err)
	return err
}

func (s *instrumented) DeleteByPrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := s.Store.DeleteByPrefix(ctx, prefix)
	s.m.ObserveOperation(s.name, "delete_prefix", time.Since(start), err)
	return err
}

func (s *instrumented) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Store.ListByPrefix(ctx, prefix)
	s.m.ObserveOperation(s.name, "list", time.Since(start), err)
	return keys, err
}
