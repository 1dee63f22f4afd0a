// Package domain contains core domain types for the Giknew application.
package domain

import (
	"time"
)

// Model modes selectable per user.
const (
	ModeFast     = "fast"
	ModeThinking = "thinking"
)

// ValidMode reports whether mode is one of the supported model modes.
func ValidMode(mode string) bool {
	return mode == ModeFast || mode == ModeThinking
}

// User represents a chat-platform user and their GitHub link state.
type User struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Mode      string    `json:"mode"`
	Linked    bool      `json:"linked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveMode returns the requested mode if valid, otherwise the
// user's stored mode, falling back to fast.
func (u *User) EffectiveMode(requested string) string {
	if ValidMode(requested) {
		return requested
	}
	if ValidMode(u.Mode) {
		return u.Mode
	}
	return ModeFast
}
