// Package collector implements the reference collection service: it accepts
// event batches from the SDK and serves per-client remote configuration.
// It backs development setups and end-to-end tests.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/ratelimit"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// DefaultMaxRequestBodyBytes bounds a decoded batch.
const DefaultMaxRequestBodyBytes = 1 << 20

// ServerConfig holds dependencies and settings for a Server. Limiter is
// optional.
type ServerConfig struct {
	Sink    Sink
	Configs ConfigSource
	Limiter ratelimit.Limiter
	Logger  *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// Server is the collector HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	sink    Sink
	configs ConfigSource
	version string
	maxBody int64

	batches  metric.Int64Counter
	events   metric.Int64Counter
	replayed metric.Int64Counter
}

// New creates a server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if cfg.Configs == nil {
		cfg.Configs = NewStaticConfigs(nil)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}

	meter := telemetry.Meter("kansoku/collector")
	batches, _ := meter.Int64Counter("kansoku.collector.batches",
		metric.WithDescription("Batches accepted"))
	events, _ := meter.Int64Counter("kansoku.collector.events",
		metric.WithDescription("Events accepted"))
	replayed, _ := meter.Int64Counter("kansoku.collector.replayed_batches",
		metric.WithDescription("Batches discarded as replays of an accepted batch"))

	s := &Server{
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		configs:  cfg.Configs,
		version:  cfg.Version,
		maxBody:  cfg.MaxRequestBodyBytes,
		batches:  batches,
		events:   events,
		replayed: replayed,
	}

	limitByKey := ratelimit.Middleware(cfg.Limiter, clientKeyFromPath, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("POST /collect/{clientKey}", limitByKey(http.HandlerFunc(s.handleCollect)))
	mux.HandleFunc("GET /config/{clientKey}", s.handleConfig)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s
}

// clientKeyFromPath keys rate limiting on the client key segment.
func clientKeyFromPath(r *http.Request) string {
	return r.PathValue("clientKey")
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("collector: http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("collector: http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
