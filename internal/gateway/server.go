// Package gateway is the HTTP facade: chat CRUD, NDJSON streaming of
// assistant turns, tool and model listings, health, and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/chats"
	"github.com/loomhq/loom/internal/media"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// ErrValidation marks bad client input; it maps to HTTP 400.
var ErrValidation = errors.New("validation failed")

// Agent runs assistant turns.
type Agent interface {
	StreamAssistantTurn(ctx context.Context, chatID string, userMsg models.ChatMessage, model string, sel models.ToolSelection) <-chan agent.Chunk
}

// ToolCatalog exposes the registry to the facade.
type ToolCatalog interface {
	Current() *tools.Snapshot
	Refresh(ctx context.Context) error
}

// ModelLister lists the models the LLM endpoint serves.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// Options carries the facade configuration.
type Options struct {
	Host         string
	Port         int
	CORSOrigins  []string
	Version      string
	DefaultModel string
}

// Server is the HTTP facade.
type Server struct {
	opts    Options
	store   chats.Store
	agent   Agent
	catalog ToolCatalog
	llm     ModelLister
	media   *media.Validator
	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer wires the facade. metrics may be nil in tests.
func NewServer(opts Options, store chats.Store, ag Agent, catalog ToolCatalog, llm ModelLister, validator *media.Validator, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = media.NewValidator(0, 0)
	}
	return &Server{
		opts:    opts,
		store:   store,
		agent:   ag,
		catalog: catalog,
		llm:     llm,
		media:   validator,
		metrics: metrics,
		logger:  logger.With("component", "gateway"),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /.well-known/agent-card.json", s.handleAgentCard)

	mux.HandleFunc("POST /v1/chats", s.handleCreateChat)
	mux.HandleFunc("GET /v1/chats", s.handleListChats)
	mux.HandleFunc("GET /v1/chats/{id}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /v1/chats/{id}/messages", s.handlePostMessage)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("POST /v1/tools/refresh", s.handleRefreshTools)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.metricsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
