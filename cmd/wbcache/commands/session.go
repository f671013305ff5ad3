package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/marmos91/wbcache/internal/logger"
	"github.com/marmos91/wbcache/internal/telemetry"
	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/cache"
	"github.com/marmos91/wbcache/pkg/config"
	"github.com/marmos91/wbcache/pkg/fileops"
	"github.com/marmos91/wbcache/pkg/metrics"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/wbcache/pkg/metrics/prometheus"
)

// session wires the cache, the backend and the descriptor table from
// configuration, together with logging, tracing, profiling and metrics.
type session struct {
	cfg     *config.Config
	cache   *cache.Cache
	backend backing.Backend
	files   *fileops.Table

	cancel   context.CancelFunc
	cleanups []func(context.Context) error
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func openSession(ctx context.Context) (s *session, err error) {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := InitLogger(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s = &session{cfg: cfg, cancel: cancel}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "wbcache",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.onClose(telemetryShutdown)

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "wbcache",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profiling: %w", err)
	}
	s.onClose(func(context.Context) error { return profilingShutdown() })

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	s.backend, err = config.CreateBackend(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) error { return s.backend.Close() })

	healthCtx, healthCancel := context.WithTimeout(ctx, metrics.HealthCheckTimeout)
	err = s.backend.HealthCheck(healthCtx)
	healthCancel()
	if err != nil {
		return nil, fmt.Errorf("backend %s is not healthy: %w", s.backend.Name(), err)
	}

	s.cache, err = config.CreateCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	s.onClose(s.cache.Close)

	s.files = fileops.New(s.cache, s.backend, fileops.Options{DrainTimeout: cfg.Cache.DrainTimeout})
	s.onClose(s.files.Close)

	if cfg.Metrics.Enabled {
		srv, err := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port),
			func() any { return s.cache.Stats() }, s.backend.HealthCheck)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Metrics server error", logger.KeyError, err)
			}
		}()
		s.onClose(srv.Stop)
	}

	if path := configPath(); path != "" {
		go func() {
			err := config.Watch(ctx, path, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
			})
			if err != nil {
				logger.Warn("Config watcher stopped", logger.KeyError, err)
			}
		}()
	}

	logger.Info("wbcache ready",
		logger.KeyBackend, s.backend.Name(),
		"block_size", cfg.Cache.BlockSize.String(),
		logger.KeyCapacity, cfg.Cache.MaxResident.String(),
		"telemetry", telemetry.IsEnabled(),
		"metrics", cfg.Metrics.Enabled)

	return s, nil
}

// onClose registers fn to run on Close, in reverse registration order.
func (s *session) onClose(fn func(context.Context) error) {
	s.cleanups = append(s.cleanups, fn)
}

// Close releases everything in reverse order, bounded by the configured
// shutdown timeout.
func (s *session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		if err := s.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cleanups = nil
	s.cancel()
	return errors.Join(errs...)
}

// configPath returns the file the configuration was read from, if any.
func configPath() string {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			return cfgFile
		}
		return ""
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}
