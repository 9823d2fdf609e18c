package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratagem-ai/stratagem/internal/automation"
	"github.com/stratagem-ai/stratagem/internal/cache"
	"github.com/stratagem-ai/stratagem/internal/config"
	"github.com/stratagem-ai/stratagem/internal/generation"
	"github.com/stratagem-ai/stratagem/internal/observability"
	"github.com/stratagem-ai/stratagem/internal/pipeline"
	"github.com/stratagem-ai/stratagem/internal/ratelimit"
)

// Options holds the collaborators the HTTP surface exposes.
type Options struct {
	Config       *config.Config
	Registry     *generation.Registry
	Orchestrator *pipeline.Orchestrator
	Limiter      *ratelimit.Limiter
	Cache        *cache.ResultCache
	Scheduler    *automation.Scheduler
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Server serves the generation, analysis and automation endpoints.
type Server struct {
	config       *config.Config
	registry     *generation.Registry
	orchestrator *pipeline.Orchestrator
	limiter      *ratelimit.Limiter
	cache        *cache.ResultCache
	scheduler    *automation.Scheduler
	metrics      *observability.Metrics
	verifier     *JWTVerifier
	logger       *slog.Logger

	httpServer *http.Server
}

// New builds a server from its collaborators. Config is required.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	return &Server{
		config:       opts.Config,
		registry:     opts.Registry,
		orchestrator: opts.Orchestrator,
		limiter:      opts.Limiter,
		cache:        opts.Cache,
		scheduler:    opts.Scheduler,
		metrics:      opts.Metrics,
		verifier:     NewJWTVerifier(opts.Config.Auth.JWTSecret),
		logger:       logger,
	}, nil
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ai/generate", s.handleGenerate)
	mux.HandleFunc("/api/ai/transcript", s.handleTranscript)
	mux.HandleFunc("/api/ai/analyze-url", s.handleAnalyzeURL)
	mux.HandleFunc("/api/ai/sessions", s.handleSessions)
	mux.HandleFunc("/api/ai/sessions/cancel", s.handleSessionCancel)
	mux.HandleFunc("/api/ai/panel-position", s.handlePanelPosition)
	mux.HandleFunc("/api/automation/run", s.handleAutomationRun)

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
