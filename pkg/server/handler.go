// Package server exposes the chat memory service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/IMBotPlatform/ChatMemory/pkg/ai"
	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/IMBotPlatform/ChatMemory/pkg/retrieval"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// ChatService is the subset of ai.Service the handlers need.
type ChatService interface {
	Chat(ctx context.Context, sessionID, prompt string, opts ...ai.ChatOption) (string, error)
	History(ctx context.Context, sessionID string) ([]memory.Message, error)
	Summary(ctx context.Context, sessionID string) (string, error)
	Reset(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// Searcher runs similarity search over ingested documents.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Hit, error)
}

// Handler serves the session and search routes.
type Handler struct {
	chat   ChatService
	search Searcher
	logger *slog.Logger
}

// NewHandler creates a Handler. search may be nil, in which case /v1/search is not registered.
func NewHandler(chat ChatService, search Searcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, search: search, logger: logger.With(slog.String("component", "server"))}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// NewRouter builds the chi router with global middleware.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the v1 routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/messages", h.PostMessage)
			r.Get("/messages", h.GetMessages)
			r.Delete("/", h.DeleteSession)
		})
		if h.search != nil {
			r.Post("/search", h.Search)
		}
	})
}

type postMessageRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
}

type postMessageResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	Warning   string `json:"warning,omitempty"`
}

// PostMessage runs one chat turn.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req postMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	var opts []ai.ChatOption
	if req.Model != "" {
		opts = append(opts, ai.WithModel(req.Model))
	}
	reply, err := h.chat.Chat(r.Context(), sessionID, req.Message, opts...)
	if err != nil && !memory.IsCommitted(err) {
		h.writeError(w, r, err)
		return
	}

	resp := postMessageResponse{SessionID: sessionID, Reply: reply}
	if err != nil {
		// The turn is stored; only compaction was skipped.
		resp.Warning = err.Error()
	}
	JSON(w, http.StatusOK, resp)
}

type messageView struct {
	Role    memory.Role `json:"role"`
	Content string      `json:"content"`
	Summary bool        `json:"summary,omitempty"`
}

// GetMessages returns the session log and its current summary.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	msgs, err := h.chat.History(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.chat.Summary(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		v := messageView{Role: m.Role, Content: m.Content}
		if m.IsSummary() {
			v.Content = m.SummaryText()
			v.Summary = true
		}
		views = append(views, v)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"summary":    summary,
		"messages":   views,
	})
}

// DeleteSession drops a session and its persisted records.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns every known session id.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.chat.Sessions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// Search runs a similarity search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hits, err := h.search.Search(r.Context(), req.Query, req.K)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"hits": hits})
}

// writeError maps domain errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	Error(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrConfiguration), errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, memory.ErrService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chiMiddleware.GetReqID(r.Context())),
			)
		})
	}
}
