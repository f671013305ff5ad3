package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/wbcache/internal/logger"
)

// HealthCheckTimeout bounds one backend health check.
const HealthCheckTimeout = 5 * time.Second

// StatsFunc returns a JSON-encodable snapshot served at /stats.
type StatsFunc func() any

// HealthFunc probes the storage backend for /health.
type HealthFunc func(ctx context.Context) error

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Latency   string    `json:"latency,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Server exposes the Prometheus registry over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus exposition
//   - GET /health: Backend health (503 when the backend check fails)
//   - GET /stats: Cache statistics as JSON (when a StatsFunc is set)
type Server struct {
	server       *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// NewRouter builds the metrics HTTP routes. A nil health reports the
// process as healthy without probing anything.
func NewRouter(stats StatsFunc, health HealthFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", healthHandler(health))
	r.Method(http.MethodGet, "/metrics", Handler())

	if stats != nil {
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(stats()); err != nil {
				logger.Warn("Failed to encode stats", logger.KeyError, err)
			}
		})
	}

	return r
}

// NewServer listens on addr (e.g. ":9090"). Use port 0 to pick a free
// port; Addr reports the bound address.
func NewServer(addr string, stats StatsFunc, health HealthFunc) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		server: &http.Server{
			Handler:           NewRouter(stats, health),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
	}, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "addr", s.Addr())
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// The cancelled ctx would abort the shutdown immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			return
		}
		logger.Debug("Metrics server stopped")
	})
	return shutdownErr
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
		status := http.StatusOK

		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
			defer cancel()

			start := time.Now()
			err := health(ctx)
			resp.Latency = time.Since(start).String()
			if err != nil {
				logger.Warn("Backend health check failed", logger.KeyError, err)
				resp.Status = "unhealthy"
				resp.Error = err.Error()
				status = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("Failed to encode health response", logger.KeyError, err)
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("Metrics request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.DurationMs(start))
	})
}
