// Package webhook receives GitHub App event deliveries.
package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v68/github"
)

// InstallationStore is the persistence surface webhook processing
// needs. Satisfied by store.Repository.
type InstallationStore interface {
	RemoveInstallation(ctx context.Context, installationID int64) error
}

// Handler verifies and processes GitHub webhook deliveries.
type Handler struct {
	secret []byte
	repo   InstallationStore
}

// NewHandler creates a webhook handler verifying deliveries against
// secret.
func NewHandler(secret string, repo InstallationStore) *Handler {
	return &Handler{secret: []byte(secret), repo: repo}
}

// ServeHTTP validates the delivery signature and dispatches by event
// type. Deliveries that fail signature validation are rejected before
// any parsing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		slog.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	eventType := github.WebHookType(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		slog.Warn("webhook parse failed", "event", eventType, "error", err)
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *github.InstallationEvent:
		h.handleInstallation(r, e)
	default:
		slog.Debug("webhook ignored", "event", eventType)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInstallation(r *http.Request, e *github.InstallationEvent) {
	action := e.GetAction()
	installationID := e.GetInstallation().GetID()

	switch action {
	case "deleted":
		if err := h.repo.RemoveInstallation(r.Context(), installationID); err != nil {
			slog.Error("remove installation failed", "installation_id", installationID, "error", err)
			return
		}
		slog.Info("installation removed", "installation_id", installationID)
	default:
		// Creation is linked through the explicit link flow, not the
		// webhook, so the app cannot be attached to the wrong user.
		slog.Info("installation event", "action", action, "installation_id", installationID)
	}
}
