// Package api provides HTTP handlers for the Giknew API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/giknew/giknew/internal/ask"
	"github.com/giknew/giknew/internal/domain"
	"github.com/giknew/giknew/internal/store"
)

// defaultAskBudget bounds one request end to end. The pipeline is left
// to finish past the budget; only its result is discarded.
const defaultAskBudget = 25 * time.Second

// Asker runs one question through the answer pipeline.
// Satisfied by ask.Orchestrator.
type Asker interface {
	RunAsk(ctx context.Context, req ask.Request) string
}

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	admission *ask.Admission
	asker     Asker
	budget    time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, admission *ask.Admission, asker Asker, budget time.Duration) *Handler {
	if budget <= 0 {
		budget = defaultAskBudget
	}
	return &Handler{
		repo:      repo,
		admission: admission,
		asker:     asker,
		budget:    budget,
	}
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

// RegisterRoutes registers ask routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/ask", h.Ask)
	r.Post("/mode", h.SetMode)
}

type askRequest struct {
	ChatID       string `json:"chat_id"`
	Question     string `json:"question"`
	Mode         string `json:"mode,omitempty"`
	ThreadRootID int64  `json:"thread_root_id,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

// Ask admits, budgets and runs one question. The response body always
// carries user-facing text; pipeline errors never surface raw.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.ChatID == "" || req.Question == "" {
		Error(w, http.StatusBadRequest, "chat_id and question are required")
		return
	}

	user, err := h.repo.GetOrCreateUser(r.Context(), req.ChatID)
	if err != nil {
		slog.Error("get or create user failed", "chat_id", req.ChatID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	ticket, err := h.admission.Acquire(user.ID)
	if err != nil {
		switch {
		case errors.Is(err, ask.ErrUserLimit):
			Error(w, http.StatusTooManyRequests, ask.MsgUserBusy)
		case errors.Is(err, ask.ErrGlobalLimit):
			Error(w, http.StatusTooManyRequests, ask.MsgGlobalBusy)
		default:
			Error(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// The pipeline runs detached from the request context so a client
	// disconnect or budget expiry does not abort GitHub fetches or the
	// completion mid-flight. The slot is held until it finishes.
	pipelineCtx := context.WithoutCancel(r.Context())
	result := make(chan string, 1)
	go func() {
		defer ticket.Release()
		result <- h.asker.RunAsk(pipelineCtx, ask.Request{
			User:         user,
			Question:     req.Question,
			Mode:         req.Mode,
			Stream:       req.Stream,
			ThreadRootID: req.ThreadRootID,
		})
	}()

	timer := time.NewTimer(h.budget)
	defer timer.Stop()
	select {
	case answer := <-result:
		JSON(w, http.StatusOK, map[string]string{"answer": answer})
	case <-timer.C:
		slog.Warn("ask budget exceeded", "user_id", user.ID, "budget", h.budget)
		JSON(w, http.StatusOK, map[string]string{"answer": ask.MsgBudget})
	}
}

type modeRequest struct {
	ChatID string `json:"chat_id"`
	Mode   string `json:"mode"`
}

// SetMode switches the user's model mode. Last write wins.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidMode(req.Mode) {
		Error(w, http.StatusBadRequest, "mode must be fast or thinking")
		return
	}

	user, err := h.repo.GetOrCreateUser(r.Context(), req.ChatID)
	if err != nil {
		slog.Error("get or create user failed", "chat_id", req.ChatID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.repo.UpdateUserMode(r.Context(), user.ID, req.Mode); err != nil {
		slog.Error("update mode failed", "user_id", user.ID, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
}

// Health reports service and database health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
