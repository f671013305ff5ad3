package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/wbcache/internal/bytesize"
)

// Config represents the wbcache configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (WBCACHE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Cache sizes the write-back cache
	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`

	// Backend selects the storage the cache flushes into
	Backend BackendConfig `mapstructure:"backend" yaml:"backend" json:"backend"`

	// ShutdownTimeout is the maximum time to wait for pending flushes on exit
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout" json:"shutdown_timeout" jsonschema:"type=string,example=30s"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level" json:"level" jsonschema:"enum=DEBUG,enum=INFO,enum=WARN,enum=ERROR"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format" json:"format" jsonschema:"enum=text,enum=json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output" json:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	Insecure bool `mapstructure:"insecure" yaml:"insecure" json:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate" json:"sample_rate" jsonschema:"minimum=0,maximum=1"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling" json:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types" json:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port" json:"port"`
}

// CacheConfig sizes the write-back cache.
type CacheConfig struct {
	// BlockSize is the capacity of one cache block and the alignment of
	// block offsets. Supports human-readable formats: "4MiB", "1Mi", "65536"
	// Default: 4MiB
	BlockSize bytesize.ByteSize `mapstructure:"block_size" validate:"required" yaml:"block_size" json:"block_size" jsonschema:"type=string,example=4MiB"`

	// MaxResident bounds the memory allocated to blocks. Must be at least
	// BlockSize.
	// Default: 256MiB
	MaxResident bytesize.ByteSize `mapstructure:"max_resident" validate:"required,gtefield=BlockSize" yaml:"max_resident" json:"max_resident" jsonschema:"type=string,example=256MiB"`

	// DrainTimeout bounds how long close and fsync wait for pending flushes.
	// Default: 5m
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"required,gt=0" yaml:"drain_timeout" json:"drain_timeout" jsonschema:"type=string,example=5m"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Type is one of memory, fs, s3, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory fs s3 badger" yaml:"type" json:"type" jsonschema:"enum=memory,enum=fs,enum=s3,enum=badger"`

	// ChunkSize is the object size used by the s3, badger and memory
	// backends. Default: 4MiB
	ChunkSize bytesize.ByteSize `mapstructure:"chunk_size" yaml:"chunk_size,omitempty" json:"chunk_size,omitempty" jsonschema:"type=string,example=4MiB"`

	FS     FSConfig     `mapstructure:"fs" yaml:"fs,omitempty" json:"fs,omitempty"`
	S3     S3Config     `mapstructure:"s3" yaml:"s3,omitempty" json:"s3,omitempty"`
	Badger BadgerConfig `mapstructure:"badger" yaml:"badger,omitempty" json:"badger,omitempty"`
}

// FSConfig configures the local filesystem backend.
type FSConfig struct {
	// Root is the directory files are created under
	Root string `mapstructure:"root" yaml:"root,omitempty" json:"root,omitempty"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" validate:"omitempty,url" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`

	// ForcePathStyle is required by Localstack and MinIO
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`

	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`

	MaxRetries int `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	// Dir is the database directory
	Dir string `mapstructure:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`

	// InMemory keeps the database in RAM
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory,omitempty" json:"in_memory,omitempty"`

	// SyncWrites makes every commit durable before it returns
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes,omitempty" json:"sync_writes,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WBCACHE_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)
	bindDefaults(v)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry S3 credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: WBCACHE_CACHE_BLOCK_SIZE=1MiB
	v.SetEnvPrefix("WBCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindDefaults registers every key with its default so AutomaticEnv can
// resolve it during Unmarshal even when the file does not mention it.
func bindDefaults(v *viper.Viper) {
	def := GetDefaultConfig()
	var m map[string]any
	if err := mapstructure.Decode(def, &m); err != nil {
		return
	}
	for key, val := range flatten("", m) {
		v.SetDefault(key, val)
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can use sizes like "4MiB", "256Mi" or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns $XDG_CONFIG_HOME/wbcache, ~/.config/wbcache, or "."
// when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wbcache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "wbcache")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
