// Package api implements the HTTP API: health, a direct message
// endpoint, session inspection and manual cron triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/yak/internal/agent"
	"github.com/nugget/yak/internal/buildinfo"
	"github.com/nugget/yak/internal/cron"
	"github.com/nugget/yak/internal/health"
	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/memory"
	"github.com/nugget/yak/internal/usage"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Messenger runs one message through the agent.
type Messenger interface {
	ProcessDirectResult(ctx context.Context, content, sessionKey, channel, chatID string) (*agent.Result, error)
}

// Sessions exposes stored conversations.
type Sessions interface {
	Sessions(ctx context.Context) ([]memory.Session, error)
	History(ctx context.Context, key string, limit int) ([]llm.Message, error)
	ToolCalls(ctx context.Context, key string, limit int) ([]memory.ToolCall, error)
	Clear(ctx context.Context, key string) error
	Stats(ctx context.Context) map[string]any
}

// ServiceStatus reports upstream service health.
type ServiceStatus interface {
	Status() map[string]health.Status
}

// ChannelStatus reports which channels are running.
type ChannelStatus interface {
	Status() map[string]bool
}

// Scheduler lists and triggers cron jobs.
type Scheduler interface {
	Entries() []cron.Entry
	Fire(ctx context.Context, name string) error
}

// UsageLedger aggregates recorded token usage.
type UsageLedger interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Deps are the server's collaborators. Only Messenger is required;
// endpoints backed by a missing collaborator answer 404.
type Deps struct {
	Messenger Messenger
	Sessions  Sessions
	Services  ServiceStatus
	Channels  ChannelStatus
	Cron      Scheduler
	Usage     UsageLedger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Post("/message", s.handleMessage)

		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{key}/history", s.handleSessionHistory)
		r.Get("/sessions/{key}/tool_calls", s.handleSessionToolCalls)
		r.Delete("/sessions/{key}", s.handleSessionClear)

		r.Get("/cron", s.handleCronList)
		r.Post("/cron/{name}/run", s.handleCronRun)

		r.Get("/usage", s.handleUsage)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 15 * time.Minute, // a turn may wait on video generation
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
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
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "yak",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Uptime   string                   `json:"uptime"`
	Services map[string]health.Status `json:"services,omitempty"`
	Channels map[string]bool          `json:"channels,omitempty"`
	Memory   map[string]any           `json:"memory,omitempty"`
}

// handleHealth reports "healthy" when every watched service is ready
// and "degraded" otherwise. Degraded still answers 200; the process is
// up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: buildinfo.Version,
		Uptime:  buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.deps.Services != nil {
		resp.Services = s.deps.Services.Status()
		for _, st := range resp.Services {
			if !st.Ready {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Channels != nil {
		resp.Channels = s.deps.Channels.Status()
	}
	if s.deps.Sessions != nil {
		resp.Memory = s.deps.Sessions.Stats(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// MessageRequest is the body of POST /v1/message.
type MessageRequest struct {
	Message    string `json:"message"`
	SessionKey string `json:"session_key,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
}

// MessageResponse is the reply to POST /v1/message.
type MessageResponse struct {
	Response     string `json:"response"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Iterations   int    `json:"iterations"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Delivered    bool   `json:"delivered,omitempty"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.deps.Messenger.ProcessDirectResult(r.Context(), req.Message, req.SessionKey, req.Channel, req.ChatID)
	if err != nil {
		s.logger.Error("direct message failed", "session", req.SessionKey, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := MessageResponse{}
	if res != nil {
		resp = MessageResponse{
			Response:     res.Content,
			Model:        res.Model,
			FinishReason: res.FinishReason,
			Iterations:   res.Iterations,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			Delivered:    res.Delivered,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusNotFound, "session store not configured")
		return
	}
	sessions, err := s.deps.Sessions.Sessions(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []memory.Session{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": sessions, "count": len(sessions)}, s.logger)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusNotFound, "session store not configured")
		return
	}
	key := chi.URLParam(r, "key")
	limit := parseIntParam(r, "limit", 0)

	msgs, err := s.deps.Sessions.History(r.Context(), key, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []llm.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session_key": key, "messages": msgs}, s.logger)
}

func (s *Server) handleSessionToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusNotFound, "session store not configured")
		return
	}
	key := chi.URLParam(r, "key")
	limit := parseIntParam(r, "limit", 50)

	calls, err := s.deps.Sessions.ToolCalls(r.Context(), key, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if calls == nil {
		calls = []memory.ToolCall{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session_key": key, "tool_calls": calls}, s.logger)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.errorResponse(w, http.StatusNotFound, "session store not configured")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.Sessions.Clear(r.Context(), key); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("session cleared", "session", key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		s.errorResponse(w, http.StatusNotFound, "cron not configured")
		return
	}
	entries := s.deps.Cron.Entries()
	if entries == nil {
		entries = []cron.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"jobs": entries}, s.logger)
}

func (s *Server) handleCronRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cron == nil {
		s.errorResponse(w, http.StatusNotFound, "cron not configured")
		return
	}
	name := chi.URLParam(r, "name")
	err := s.deps.Cron.Fire(r.Context(), name)
	switch {
	case errors.Is(err, cron.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued", "job": name}, s.logger)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Hours     int                       `json:"hours"`
	Total     *usage.Summary            `json:"total"`
	ByModel   map[string]*usage.Summary `json:"by_model"`
	ByChannel map[string]*usage.Summary `json:"by_channel"`
}

// handleUsage reports token usage over the trailing ?hours= window
// (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage ledger not configured")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	resp := UsageResponse{Hours: hours}
	var err error
	if resp.Total, err = s.deps.Usage.Summary(ctx, start, end); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp.ByModel, err = s.deps.Usage.SummaryByModel(ctx, start, end); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if resp.ByChannel, err = s.deps.Usage.SummaryByChannel(ctx, start, end); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
		},
	}, s.logger)
}

// parseIntParam extracts a non-negative integer query parameter,
// returning defaultVal when it is missing or invalid.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
