// ABOUTME: HTTP server wiring - routes, middleware, lifecycle
// ABOUTME: Single mux serving the chat API, auth endpoints, health and metrics

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clyre/clyre/internal/auth"
	"github.com/clyre/clyre/internal/chat"
	"github.com/clyre/clyre/internal/config"
	"github.com/clyre/clyre/internal/llama"
	"github.com/clyre/clyre/internal/store"
)

// providerGateway adapts the llama provider to the chat gateway seam
type providerGateway struct {
	provider *llama.Provider
}

func (g *providerGateway) Acquire(model string) chat.Completer {
	return g.provider.Get(model)
}

// Server hosts the HTTP API
type Server struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	chat       *chat.Service
	auth       *auth.Service
	verifier   auth.TokenVerifier
	provider   *llama.Provider
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	version    string
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates the server and wires every component
func New(cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	return newServer(cfg, version, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newServer(cfg *config.Config, version string, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Server, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	provider := llama.NewProvider(cfg.Llama.BaseURL, cfg.Llama.Model)
	opts := llama.Options{MaxTokens: cfg.Llama.MaxTokens, Temperature: cfg.Llama.Temperature}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	s := &Server{
		cfg:      cfg,
		store:    sqlStore,
		chat:     chat.New(sqlStore, &providerGateway{provider: provider}, opts, logger),
		auth:     auth.NewService(sqlStore, verifier, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, logger),
		verifier: verifier,
		provider: provider,
		metrics:  NewMetrics(reg),
		gatherer: gatherer,
		version:  version,
		logger:   logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// routes builds the mux. Chat and thread endpoints sit behind the bearer
// middleware; auth, health, version and metrics do not.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)

	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	authed := auth.Middleware(s.verifier)
	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat/response", s.handleChatResponse)
	api.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	api.HandleFunc("GET /api/thread/all", s.handleListThreads)
	api.HandleFunc("GET /api/thread/{id}/messages", s.handleThreadMessages)
	api.HandleFunc("POST /api/thread/{id}/rename", s.handleRenameThread)
	api.HandleFunc("POST /api/thread/{id}/star", s.handleStarThread)
	api.HandleFunc("DELETE /api/thread/{id}", s.handleDeleteThread)
	mux.Handle("/api/chat/", authed(api))
	mux.Handle("/api/thread/", authed(api))

	return s.metrics.InstrumentHandler(mux)
}

// WaitForBackend blocks until the inference backend reports healthy or ctx
// is cancelled. Called before Run so the API never accepts traffic it can
// only fail.
func (s *Server) WaitForBackend(ctx context.Context) error {
	return s.provider.Current().WaitForStartup(ctx)
}

// Run starts the server and blocks until the context is canceled or the
// listener fails. Shutdown is graceful with a fresh timeout context.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses context.Background() intentionally since the run
// context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
