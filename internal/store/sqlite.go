package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/giknew/giknew/internal/domain"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		chat_id TEXT UNIQUE NOT NULL,
		mode TEXT NOT NULL DEFAULT 'fast',
		linked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS installations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		installation_id INTEGER UNIQUE NOT NULL,
		user_id TEXT NOT NULL REFERENCES users(id),
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_installations_user ON installations(user_id);

	CREATE TABLE IF NOT EXISTS context_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		thread_root_id INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content_enc TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_context_thread ON context_turns(user_id, thread_root_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetUserByChatID retrieves a user by their chat-platform id.
func (s *SQLiteStore) GetUserByChatID(ctx context.Context, chatID string) (*domain.User, error) {
	query := `
		SELECT id, chat_id, mode, linked, created_at, updated_at
		FROM users WHERE chat_id = ?`

	row := s.db.QueryRowContext(ctx, query, chatID)

	var user domain.User
	var linked int
	var createdAt, updatedAt int64

	err := row.Scan(&user.ID, &user.ChatID, &user.Mode, &linked, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Linked = linked != 0
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// GetOrCreateUser returns the user for chatID, creating it when absent.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, chatID string) (*domain.User, error) {
	user, err := s.GetUserByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	now := time.Now()
	created := &domain.User{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Mode:      domain.ModeFast,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO users (id, chat_id, mode, linked, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING`
	if _, err := s.execRetry(ctx, query,
		created.ID, created.ChatID, created.Mode, now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	// Re-read so a concurrent insert for the same chat id resolves to
	// one canonical row.
	user, err = s.GetUserByChatID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s missing after insert", chatID)
	}
	return user, nil
}

// UpdateUserMode sets the model mode. Last write wins.
func (s *SQLiteStore) UpdateUserMode(ctx context.Context, userID, mode string) error {
	if !domain.ValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	query := `UPDATE users SET mode = ?, updated_at = ? WHERE id = ?`
	result, err := s.execRetry(ctx, query, mode, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update user mode: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// SetUserLinked flips the GitHub link flag.
func (s *SQLiteStore) SetUserLinked(ctx context.Context, userID string, linked bool) error {
	linkedInt := 0
	if linked {
		linkedInt = 1
	}
	query := `UPDATE users SET linked = ?, updated_at = ? WHERE id = ?`
	if _, err := s.execRetry(ctx, query, linkedInt, time.Now().Unix(), userID); err != nil {
		return fmt.Errorf("update user linked: %w", err)
	}
	return nil
}

// InstallationsForUser lists installations owned by userID in linkage order.
func (s *SQLiteStore) InstallationsForUser(ctx context.Context, userID string) ([]domain.Installation, error) {
	query := `
		SELECT id, installation_id, user_id, created_at
		FROM installations WHERE user_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query installations: %w", err)
	}
	defer rows.Close()

	var installations []domain.Installation
	for rows.Next() {
		var inst domain.Installation
		var createdAt int64
		if err := rows.Scan(&inst.ID, &inst.InstallationID, &inst.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan installation row: %w", err)
		}
		inst.CreatedAt = time.Unix(createdAt, 0)
		installations = append(installations, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate installation rows: %w", err)
	}
	return installations, nil
}

// AddInstallation links an installation to a user, reassigning the owner
// when the installation already exists.
func (s *SQLiteStore) AddInstallation(ctx context.Context, userID string, installationID int64) error {
	query := `
		INSERT INTO installations (installation_id, user_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(installation_id) DO UPDATE SET user_id = excluded.user_id`
	if _, err := s.execRetry(ctx, query, installationID, userID, time.Now().Unix()); err != nil {
		return fmt.Errorf("insert installation: %w", err)
	}
	return nil
}

// RemoveInstallation unlinks an installation by its GitHub id.
func (s *SQLiteStore) RemoveInstallation(ctx context.Context, installationID int64) error {
	if _, err := s.execRetry(ctx,
		`DELETE FROM installations WHERE installation_id = ?`, installationID); err != nil {
		return fmt.Errorf("delete installation: %w", err)
	}
	return nil
}

// AppendContextTurn stores one encrypted turn.
func (s *SQLiteStore) AppendContextTurn(ctx context.Context, turn *domain.ContextTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO context_turns (user_id, thread_root_id, role, content_enc, created_at)
		VALUES (?, ?, ?, ?, ?)`
	result, err := s.execRetry(ctx, query,
		turn.UserID, turn.ThreadRootID, turn.Role, turn.Content, turn.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert context turn: %w", err)
	}
	turn.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read turn id: %w", err)
	}
	return nil
}

// RecentContextTurns returns up to limit most recent turns, newest first.
// The autoincrement id gives a stable order even for turns appended
// within the same second.
func (s *SQLiteStore) RecentContextTurns(ctx context.Context, userID string, threadRootID int64, limit int) ([]domain.ContextTurn, error) {
	query := `
		SELECT id, user_id, thread_root_id, role, content_enc, created_at
		FROM context_turns
		WHERE user_id = ? AND thread_root_id = ?
		ORDER BY id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, threadRootID, limit)
	if err != nil {
		return nil, fmt.Errorf("query context turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.ContextTurn
	for rows.Next() {
		var turn domain.ContextTurn
		var createdAt int64
		if err := rows.Scan(&turn.ID, &turn.UserID, &turn.ThreadRootID,
			&turn.Role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan context turn row: %w", err)
		}
		turn.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context turn rows: %w", err)
	}
	return turns, nil
}

// PruneContextTurns deletes all but the keep most recent turns of the
// thread.
func (s *SQLiteStore) PruneContextTurns(ctx context.Context, userID string, threadRootID int64, keep int) (int64, error) {
	query := `
		DELETE FROM context_turns
		WHERE user_id = ? AND thread_root_id = ?
		AND id NOT IN (
			SELECT id FROM context_turns
			WHERE user_id = ? AND thread_root_id = ?
			ORDER BY id DESC
			LIMIT ?
		)`
	result, err := s.execRetry(ctx, query, userID, threadRootID, userID, threadRootID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune context turns: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check pruned rows: %w", err)
	}
	return deleted, nil
}
