package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/psaab/meshdp/pkg/blocklist"
	"github.com/psaab/meshdp/pkg/conntrack"
	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/metrics"
	"github.com/psaab/meshdp/pkg/resolver"
)

// DefaultAddr is the metrics and API listen address.
const DefaultAddr = ":9090"

// Config configures the API server. Every data source is optional; the
// matching endpoints answer 503 when it is nil.
type Config struct {
	Addr      string
	Auth      *AuthConfig // nil = no authentication
	Metrics   *metrics.Metrics
	Cache     *resolver.Cache
	Conntrack *conntrack.Table
	Events    *events.Aggregator
	Blocklist *blocklist.Set
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	metrics   *metrics.Metrics
	cache     *resolver.Cache
	conntrack *conntrack.Table
	events    *events.Aggregator
	blocklist *blocklist.Set
	startTime time.Time

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		metrics:   cfg.Metrics,
		cache:     cfg.Cache,
		conntrack: cfg.Conntrack,
		events:    cfg.Events,
		blocklist: cfg.Blocklist,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/cache", s.cacheHandler)
	mux.HandleFunc("POST /api/v1/cache/invalidate", s.invalidateHandler)
	mux.HandleFunc("GET /api/v1/conntrack", s.conntrackHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)
	mux.HandleFunc("GET /api/v1/blocklist", s.blocklistHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including authentication.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once Run is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run starts the HTTP server and blocks until ctx is cancelled. A bind
// failure is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	// Request contexts derive from ctx so event streams end on shutdown.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", ln.Addr())
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
	}
	slog.Info("HTTP API server stopped")
	return nil
}
