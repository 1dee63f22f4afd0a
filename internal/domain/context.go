package domain

import "time"

// Context turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextTurn is one encrypted prior turn of a reply thread.
// Content holds the packed ciphertext, never plaintext.
type ContextTurn struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	ThreadRootID int64     `json:"thread_root_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// Turn is a decrypted turn ready for prompt assembly.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
