package config

import (
	"strings"
	"testing"

	"github.com/marmos91/wbcache/internal/bytesize"
)

func TestValidate_Defaults(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "TRACE"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' in error, got: %v", err)
	}
}

func TestValidate_InvalidMetricsPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port > 65535")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' in error, got: %v", err)
	}
}

func TestValidate_MaxResidentBelowBlockSize(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Cache.BlockSize = 8 * bytesize.MiB
	cfg.Cache.MaxResident = 4 * bytesize.MiB

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for max_resident < block_size")
	}
	if !strings.Contains(err.Error(), "gtefield") {
		t.Errorf("Expected 'gtefield' in error, got: %v", err)
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Backend.Type = "nfs"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown backend type")
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BackendConfig)
		wantErr string
	}{
		{
			name:    "fs without root",
			mutate:  func(b *BackendConfig) { b.Type = "fs" },
			wantErr: "required_for_fs",
		},
		{
			name:   "fs with root",
			mutate: func(b *BackendConfig) { b.Type = "fs"; b.FS.Root = "/var/lib/wbcache" },
		},
		{
			name:    "s3 without bucket",
			mutate:  func(b *BackendConfig) { b.Type = "s3" },
			wantErr: "required_for_s3",
		},
		{
			name:   "s3 with bucket",
			mutate: func(b *BackendConfig) { b.Type = "s3"; b.S3.Bucket = "blocks" },
		},
		{
			name:    "s3 with bad endpoint",
			mutate:  func(b *BackendConfig) { b.Type = "s3"; b.S3.Bucket = "blocks"; b.S3.Endpoint = "not a url" },
			wantErr: "url",
		},
		{
			name:    "badger without dir",
			mutate:  func(b *BackendConfig) { b.Type = "badger" },
			wantErr: "required_for_badger",
		},
		{
			name:   "badger in memory",
			mutate: func(b *BackendConfig) { b.Type = "badger"; b.Badger.InMemory = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg.Backend)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected %q in error, got: %v", tt.wantErr, err)
			}
		})
	}
}
