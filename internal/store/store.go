// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/giknew/giknew/internal/domain"
)

// Repository defines the interface for persisting users, installations
// and conversation context.
type Repository interface {
	// GetUserByChatID retrieves a user by their chat-platform id.
	// Returns (nil, nil) when no such user exists.
	GetUserByChatID(ctx context.Context, chatID string) (*domain.User, error)

	// GetOrCreateUser returns the user for chatID, creating it with
	// default mode when absent.
	GetOrCreateUser(ctx context.Context, chatID string) (*domain.User, error)

	// UpdateUserMode sets the model mode. Last write wins.
	UpdateUserMode(ctx context.Context, userID, mode string) error

	// SetUserLinked flips the GitHub link flag.
	SetUserLinked(ctx context.Context, userID string, linked bool) error

	// InstallationsForUser lists installations owned by userID in
	// linkage order.
	InstallationsForUser(ctx context.Context, userID string) ([]domain.Installation, error)

	// AddInstallation links an installation to a user. Re-adding an
	// existing installation reassigns its owner.
	AddInstallation(ctx context.Context, userID string, installationID int64) error

	// RemoveInstallation unlinks an installation by its GitHub id.
	RemoveInstallation(ctx context.Context, installationID int64) error

	// AppendContextTurn stores one encrypted turn.
	AppendContextTurn(ctx context.Context, turn *domain.ContextTurn) error

	// RecentContextTurns returns up to limit most recent turns for the
	// thread, newest first.
	RecentContextTurns(ctx context.Context, userID string, threadRootID int64, limit int) ([]domain.ContextTurn, error)

	// PruneContextTurns deletes all but the keep most recent turns of
	// the thread and reports how many were removed.
	PruneContextTurns(ctx context.Context, userID string, threadRootID int64, keep int) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
