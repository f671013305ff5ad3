package chunked

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/pkg/backing"
)

// Options configures a Backend.
type Options struct {
	// Name is reported by Backend.Name, e.g. "s3" or "badger".
	Name string

	// ChunkSize is the size of each chunk object. Zero means DefaultChunkSize.
	ChunkSize int64

	// Now is the clock used for modification times. Defaults to time.Now.
	Now func() time.Time

	// Metrics, when set, observes every store call.
	Metrics Metrics
}

// Backend implements backing.Backend on a Store. Handles opened on the
// same path share one in-memory view of the file's metadata.
type Backend struct {
	store     Store
	name      string
	chunkSize int64
	now       func() time.Time

	mu      sync.Mutex
	objects map[string]*object
	closed  bool
}

// object is the shared state of one open path.
type object struct {
	key  string
	refs int

	mu     sync.Mutex
	meta   fileMeta
	loaded bool
	dirty  bool
}

type fileMeta struct {
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
	ATime time.Time `json:"atime"`
}

// New returns a Backend that lays files out on store.
func New(store Store, opts Options) *Backend {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = "chunked"
	}
	if opts.Metrics != nil {
		store = instrument(store, opts.Name, opts.Metrics)
	}
	return &Backend{
		store:     store,
		name:      opts.Name,
		chunkSize: opts.ChunkSize,
		now:       opts.Now,
		objects:   make(map[string]*object),
	}
}

// Name implements backing.Backend.
func (b *Backend) Name() string { return b.name }

// ChunkSize returns the size of each chunk object.
func (b *Backend) ChunkSize() int64 { return b.chunkSize }

// Open implements backing.Backend.
func (b *Backend) Open(ctx context.Context, p string, flags backing.Flags) (backing.Handle, error) {
	key, err := normalize(p)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, backing.ErrClosed
	}
	obj, ok := b.objects[key]
	if !ok {
		obj = &object{key: key}
		b.objects[key] = obj
	}
	obj.refs++
	b.mu.Unlock()

	f := &File{b: b, obj: obj, flags: flags}
	if err := f.load(ctx); err != nil {
		b.release(obj)
		return nil, err
	}
	return f, nil
}

// Remove implements backing.Backend.
func (b *Backend) Remove(ctx context.Context, p string) error {
	key, err := normalize(p)
	if err != nil {
		return err
	}

	if _, err := b.store.ReadChunk(ctx, metaKey(key)); err != nil {
		if errors.Is(err, ErrChunkNotFound) {
			return backing.ErrNotFound
		}
		return fmt.Errorf("read metadata of %s: %w", key, err)
	}
	if err := b.store.DeleteByPrefix(ctx, key+"/"); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}

	b.mu.Lock()
	obj := b.objects[key]
	b.mu.Unlock()
	if obj != nil {
		obj.mu.Lock()
		obj.meta, obj.loaded, obj.dirty = fileMeta{}, false, false
		obj.mu.Unlock()
	}
	return nil
}

// HealthCheck implements backing.Backend.
func (b *Backend) HealthCheck(ctx context.Context) error {
	return b.store.HealthCheck(ctx)
}

// Close closes the underlying store. Open handles fail afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.store.Close()
}

func (b *Backend) release(obj *object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj.refs--
	if obj.refs == 0 {
		delete(b.objects, obj.key)
	}
}

func (b *Backend) loadMeta(ctx context.Context, key string) (fileMeta, error) {
	var m fileMeta
	data, err := b.store.ReadChunk(ctx, metaKey(key))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode metadata of %s: %w", key, err)
	}
	return m, nil
}

func (b *Backend) saveMeta(ctx context.Context, obj *object) error {
	data, err := json.Marshal(obj.meta)
	if err != nil {
		return err
	}
	if err := b.store.WriteChunk(ctx, metaKey(obj.key), data); err != nil {
		return fmt.Errorf("write metadata of %s: %w", obj.key, err)
	}
	obj.dirty = false
	return nil
}

// chunkIndexes returns the indexes of the chunks stored for key.
func (b *Backend) chunkIndexes(ctx context.Context, key string) ([]int64, error) {
	prefix := key + "/chunk-"
	keys, err := b.store.ListByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(keys))
	for _, k := range keys {
		idx, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			logger.Warn("ignoring malformed chunk key", logger.KeyKey, k)
			continue
		}
		out = append(out, idx)
	}
	return out, nil
}

func normalize(p string) (string, error) {
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if key == "" {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return key, nil
}

func metaKey(key string) string { return key + "/meta" }

func chunkKey(key string, idx int64) string { return fmt.Sprintf("%s/chunk-%08d", key, idx) }

var _ backing.Backend = (*Backend)(nil)
