package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/wbcache/internal/bytesize"
	"github.com/marmos91/wbcache/pkg/backing"
)

func TestCreateCache(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Cache.BlockSize = 64 * bytesize.KiB
	cfg.Cache.MaxResident = 256 * bytesize.KiB

	c, err := CreateCache(cfg.Cache)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	if c.BlockSize() != 64*1024 {
		t.Errorf("Expected block size 65536, got %d", c.BlockSize())
	}
	if c.Capacity() != 256*1024 {
		t.Errorf("Expected capacity 262144, got %d", c.Capacity())
	}
}

func TestCreateBackend(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*BackendConfig)
	}{
		{name: "memory", mutate: func(b *BackendConfig) { b.Type = "memory" }},
		{name: "fs", mutate: func(b *BackendConfig) { b.Type = "fs"; b.FS.Root = t.TempDir() }},
		{name: "badger", mutate: func(b *BackendConfig) { b.Type = "badger"; b.Badger.InMemory = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg.Backend)

			b, err := CreateBackend(ctx, cfg.Backend)
			if err != nil {
				t.Fatalf("Failed to create backend: %v", err)
			}
			defer func() { _ = b.Close() }()

			if b.Name() != tt.name {
				t.Errorf("Expected name %q, got %q", tt.name, b.Name())
			}

			h, err := b.Open(ctx, "/probe", backing.ReadWrite|backing.Create)
			if err != nil {
				t.Fatalf("Failed to open file: %v", err)
			}
			if _, err := h.WriteAt(ctx, []byte("probe"), 0); err != nil {
				t.Fatalf("Failed to write: %v", err)
			}
			if err := h.Close(ctx); err != nil {
				t.Fatalf("Failed to close: %v", err)
			}
		})
	}
}

func TestCreateBackend_Unknown(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backend.Type = "tape"

	if _, err := CreateBackend(context.Background(), cfg.Backend); err == nil {
		t.Fatal("Expected error for unknown backend type")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: INFO\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { reloaded <- cfg })
	}()

	// The watcher may not be registered yet, so keep rewriting until a
	// reload arrives.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case cfg := <-reloaded:
			// A truncate may be observed before the new content lands.
			if cfg.Logging.Level != "DEBUG" {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch returned error: %v", err)
			}
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte("logging:\n  level: DEBUG\n"), 0644); err != nil {
				t.Fatalf("Failed to rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for config reload")
		}
	}
}
