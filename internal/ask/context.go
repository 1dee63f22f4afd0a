package ask

import (
	"context"
	"log/slog"

	"github.com/giknew/giknew/internal/domain"
	"github.com/giknew/giknew/internal/security"
)

const (
	// retentionLimit is the maximum number of turns kept per thread.
	retentionLimit = 12
	// defaultMaxTurns bounds the prior user/assistant pairs loaded
	// into a prompt.
	defaultMaxTurns = 6
)

// ContextRepository is the persistence surface the context service
// needs. Satisfied by store.Repository.
type ContextRepository interface {
	AppendContextTurn(ctx context.Context, turn *domain.ContextTurn) error
	RecentContextTurns(ctx context.Context, userID string, threadRootID int64, limit int) ([]domain.ContextTurn, error)
	PruneContextTurns(ctx context.Context, userID string, threadRootID int64, keep int) (int64, error)
}

// Contexts persists and restores encrypted conversation turns. Every
// operation is keyed by user id, so cross-user reads are structurally
// impossible.
type Contexts struct {
	repo ContextRepository
	box  *security.Box
}

// NewContexts wires the context service.
func NewContexts(repo ContextRepository, box *security.Box) *Contexts {
	return &Contexts{repo: repo, box: box}
}

// StoreTurn encrypts and appends one turn, then prunes the thread to
// the retention window. Failures are logged and swallowed: a failed
// store must never abort an answer already produced.
func (c *Contexts) StoreTurn(ctx context.Context, userID string, threadRootID int64, role, content string) {
	sealed, err := c.box.Seal(content)
	if err != nil {
		slog.Error("store turn failed", "user_id", userID, "thread_root_id", threadRootID, "error", err)
		return
	}
	turn := &domain.ContextTurn{
		UserID:       userID,
		ThreadRootID: threadRootID,
		Role:         role,
		Content:      sealed,
	}
	if err := c.repo.AppendContextTurn(ctx, turn); err != nil {
		slog.Error("store turn failed", "user_id", userID, "thread_root_id", threadRootID, "error", err)
		return
	}
	if _, err := c.repo.PruneContextTurns(ctx, userID, threadRootID, retentionLimit); err != nil {
		slog.Error("prune turns failed", "user_id", userID, "thread_root_id", threadRootID, "error", err)
	}
}

// LoadContextMessages restores up to 2*maxTurns prior turns in
// chronological order. A record that fails to decrypt is dropped with a
// warning rather than failing the load.
func (c *Contexts) LoadContextMessages(ctx context.Context, userID string, threadRootID int64, maxTurns int) []domain.Turn {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	limit := 2 * maxTurns
	if limit > retentionLimit {
		limit = retentionLimit
	}

	rows, err := c.repo.RecentContextTurns(ctx, userID, threadRootID, limit)
	if err != nil {
		slog.Warn("load context failed", "user_id", userID, "thread_root_id", threadRootID, "error", err)
		return nil
	}

	// Rows arrive newest first; restore chronological order.
	turns := make([]domain.Turn, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		content, err := c.box.Open(row.Content)
		if err != nil {
			slog.Warn("dropping undecryptable turn",
				"user_id", userID, "thread_root_id", threadRootID, "turn_id", row.ID, "error", err)
			continue
		}
		turns = append(turns, domain.Turn{Role: row.Role, Content: content})
	}
	return turns
}
