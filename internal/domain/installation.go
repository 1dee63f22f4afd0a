package domain

import "time"

// Installation associates a user with a GitHub App installation.
// Every installation row is owned by exactly one user; queries are
// always keyed by the owning user id.
type Installation struct {
	ID             int64     `json:"id"`
	InstallationID int64     `json:"installation_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
}
