// Package api implements the orchestrator's HTTP surface: message
// intake, conversation resumption, health, usage stats, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollisb/conductor/internal/agent"
	"github.com/hollisb/conductor/internal/buildinfo"
	"github.com/hollisb/conductor/internal/store"
)

// Runner is the agent loop surface the server consumes.
type Runner interface {
	Run(ctx context.Context, in *agent.Incoming) *agent.Response
}

// ConversationStore is the persistence surface the server consumes.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	Usage(ctx context.Context, since, until time.Time) (*store.UsageSummary, error)
}

// Server is the orchestrator HTTP server.
type Server struct {
	addr   string
	loop   Runner
	store  ConversationStore
	logger *slog.Logger
	server *http.Server
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(addr string, loop Runner, st ConversationStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		loop:   loop,
		store:  st,
		logger: logger.With("component", "api"),
	}
}

// Routes builds the chi router. Split out so tests can drive handlers
// without binding a port.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.withLogging)

	r.Post("/message", s.handleMessage)
	r.Post("/continue", s.handleContinue)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		// Long write timeout: a message can span several model calls
		// and slow-module tool executions.
		WriteTimeout: 15 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in agent.Incoming
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if in.Platform == "" || in.PlatformUserID == "" || in.ChannelID == "" {
		s.errorResponse(w, http.StatusBadRequest, "platform, platform_user_id, and channel_id are required")
		return
	}

	resp := s.loop.Run(r.Context(), &in)
	s.writeJSON(w, http.StatusOK, resp)
}

// continueRequest resumes an existing conversation with new content.
// Used by out-of-band callers such as fired scheduler jobs.
type continueRequest struct {
	ConversationID string `json:"conversation_id"`
	PlatformUserID string `json:"platform_user_id"`
	Content        string `json:"content"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}

	conv, err := s.store.GetConversation(r.Context(), req.ConversationID)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown conversation %q", req.ConversationID))
		return
	}

	userID := req.PlatformUserID
	if userID == "" {
		userID = "scheduler"
	}
	in := &agent.Incoming{
		Platform:       conv.Platform,
		PlatformUserID: userID,
		ServerID:       conv.ServerID,
		ChannelID:      conv.ChannelID,
		ThreadID:       conv.ThreadID,
		Content:        req.Content,
	}

	resp := s.loop.Run(r.Context(), in)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
	})
}

// handleStats reports aggregate token usage and estimated cost over a
// window: ?since=RFC3339&until=RFC3339, defaulting to the last 30 days.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	until := time.Now()
	since := until.AddDate(0, 0, -30)

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid until: %v", err))
			return
		}
		until = t
	}

	summary, err := s.store.Usage(r.Context(), since, until)
	if err != nil {
		s.logger.Error("usage query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"since":               since.UTC().Format(time.RFC3339),
		"until":               until.UTC().Format(time.RFC3339),
		"total_requests":      summary.TotalRecords,
		"total_input_tokens":  summary.TotalInputTokens,
		"total_output_tokens": summary.TotalOutputTokens,
		"estimated_cost_usd":  summary.TotalCostUSD,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Typically a client disconnect; not actionable.
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}
