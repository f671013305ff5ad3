// Package badger stores chunked files in an embedded BadgerDB, giving a
// durable single-node backend without external services.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/pkg/backing/chunked"
)

// Config selects where the database lives.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
}

// Store is a chunked.Store on BadgerDB.
type Store struct {
	db *badgerdb.DB
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(badgerLogger{})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}
	return &Store{db: db}, nil
}

// NewBackend opens a chunked backend over a Badger database.
func NewBackend(cfg Config, chunkSize int64) (*chunked.Backend, error) {
	st, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return chunked.New(st, chunked.Options{Name: "badger", ChunkSize: chunkSize}), nil
}

func (s *Store) WriteChunk(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), append([]byte(nil), data...))
	})
	return mapErr(err)
}

func (s *Store) ReadChunk(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, chunked.ErrChunkNotFound
	}
	return out, mapErr(err)
}

func (s *Store) DeleteChunk(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	}))
}

// DeleteByPrefix batches deletes so large files do not exceed the
// transaction size limit.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListByPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return mapErr(err)
		}
	}
	return mapErr(wb.Flush())
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, mapErr(err)
}

// HealthCheck starts a read transaction, which fails once the DB is closed.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return chunked.ErrStoreClosed
	}
	if err := s.db.View(func(*badgerdb.Txn) error { return nil }); err != nil {
		return fmt.Errorf("badger health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func mapErr(err error) error {
	if errors.Is(err, badgerdb.ErrDBClosed) {
		return chunked.ErrStoreClosed
	}
	return err
}

// badgerLogger routes Badger's internal logging through the process logger.
// Info output is demoted to debug; Badger is chatty on open and compaction.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...any) { logger.Error(msg(f, args), logger.KeyBackend, "badger") }
func (badgerLogger) Warningf(f string, args ...any) {
	logger.Warn(msg(f, args), logger.KeyBackend, "badger")
}
func (badgerLogger) Infof(f string, args ...any)  { logger.Debug(msg(f, args), logger.KeyBackend, "badger") }
func (badgerLogger) Debugf(f string, args ...any) { logger.Debug(msg(f, args), logger.KeyBackend, "badger") }

func msg(f string, args []any) string {
	return strings.TrimSpace(fmt.Sprintf(f, args...))
}

var _ chunked.Store = (*Store)(nil)
