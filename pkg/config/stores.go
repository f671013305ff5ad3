package config

import (
	"context"
	"fmt"

	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/backing/badger"
	"github.com/marmos91/wbcache/pkg/backing/chunked"
	"github.com/marmos91/wbcache/pkg/backing/fs"
	"github.com/marmos91/wbcache/pkg/backing/memory"
	"github.com/marmos91/wbcache/pkg/backing/s3"
	"github.com/marmos91/wbcache/pkg/cache"
	"github.com/marmos91/wbcache/pkg/metrics"
)

// CreateCache creates the write-back cache from configuration. Metrics are
// attached when the registry is initialized.
func CreateCache(cfg CacheConfig) (*cache.Cache, error) {
	var opts []cache.Option
	if m := metrics.NewCacheMetrics(); m != nil {
		opts = append(opts, cache.WithMetrics(m))
	}
	return cache.New(cache.Config{BlockSize: cfg.BlockSize, MaxResident: cfg.MaxResident}, opts...)
}

// CreateBackend opens the storage backend selected by cfg.Type.
func CreateBackend(ctx context.Context, cfg BackendConfig) (backing.Backend, error) {
	opts := chunked.Options{
		Name:      cfg.Type,
		ChunkSize: cfg.ChunkSize.Int64(),
		Metrics:   metrics.NewStoreMetrics(),
	}

	switch cfg.Type {
	case "memory":
		return chunked.New(memory.New(), opts), nil

	case "fs":
		b, err := fs.New(cfg.FS.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to create fs backend: %w", err)
		}
		return b, nil

	case "s3":
		store, err := s3.NewFromConfig(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			KeyPrefix:       cfg.S3.KeyPrefix,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			MaxRetries:      cfg.S3.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		return chunked.New(store, opts), nil

	case "badger":
		store, err := badger.Open(badger.Config{
			Dir:        cfg.Badger.Dir,
			InMemory:   cfg.Badger.InMemory,
			SyncWrites: cfg.Badger.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create badger store: %w", err)
		}
		return chunked.New(store, opts), nil

	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
}
