// Package gateway serves the orchestrator HTTP surface: message ingestion
// from chat adapters, workflow continuation from the scheduler, tool catalog
// refresh, embeddings, health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opalhq/opal/pkg/models"
)

// Agent is the gateway's view of the agent loop.
type Agent interface {
	Process(ctx context.Context, in models.IncomingMessage) *models.AgentResponse
	Continue(ctx context.Context, req models.ContinueRequest) *models.AgentResponse
}

// ToolCatalog is the gateway's view of the tool registry.
type ToolCatalog interface {
	DiscoverAll(ctx context.Context) []string
	Modules() []string
}

// Embedder is the gateway's view of the router's embedding channel.
type Embedder interface {
	Embed(ctx context.Context, text string, dimensions int) ([]float32, error)
}

// Config configures the server.
type Config struct {
	Host string
	Port int
	// ServiceToken authenticates adapter and scheduler calls. Empty disables
	// the check.
	ServiceToken string
	// PortalJWTSecret verifies portal admin tokens.
	PortalJWTSecret string
}

// Server is the orchestrator HTTP server.
type Server struct {
	agent        Agent
	catalog      ToolCatalog
	embedder     Embedder
	serviceToken string
	jwt          *JWTService

	httpServer *http.Server
	logger     *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the orchestrator server.
func NewServer(cfg Config, agent Agent, catalog ToolCatalog, embedder Embedder, opts ...Option) *Server {
	s := &Server{
		agent:        agent,
		catalog:      catalog,
		embedder:     embedder,
		serviceToken: cfg.ServiceToken,
		jwt:          NewJWTService(cfg.PortalJWTSecret, 24*time.Hour),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.requireService(s.handleMessage))
	mux.HandleFunc("POST /continue", s.requireService(s.handleContinue))
	mux.HandleFunc("POST /refresh-tools", s.requireService(s.handleRefreshTools))
	mux.HandleFunc("POST /embed", s.requireService(s.handleEmbed))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /admin/modules", s.requirePortal(s.handleAdminModules))
	return mux
}

// Start serves until the context is cancelled, then drains with a deadline.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("orchestrator http server started", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("orchestrator http server stopped")
	return nil
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in models.IncomingMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}
	if in.Platform == "" || in.PlatformUserID == "" || in.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "platform, platform_user_id, and platform_channel_id are required",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Process(r.Context(), in))
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req models.ContinueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid continue body"})
		return
	}
	if req.Platform == "" || req.UserID == "" || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "platform, user_id, and platform_channel_id are required",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Continue(r.Context(), req))
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	discovered := s.catalog.DiscoverAll(r.Context())
	s.logger.Info("tool refresh requested", "modules", len(discovered))
	writeJSON(w, http.StatusOK, map[string]any{"modules": discovered})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	vec, err := s.embedder.Embed(r.Context(), req.Text, 0)
	if err != nil {
		s.logger.Error("embedding failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "embedding failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedding": vec})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminModules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"modules": s.catalog.Modules()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
