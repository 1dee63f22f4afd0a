package domain

// FailingCheck records a pull request with at least one non-passing
// check run conclusion.
type FailingCheck struct {
	Repo  string `json:"repo"`
	PR    int    `json:"pr"`
	Count int    `json:"count"`
}

// Slice is the ephemeral, bounded summary of a user's GitHub state
// computed fresh per question. Never persisted.
type Slice struct {
	Summary     string         `json:"summary"`
	Checks      []FailingCheck `json:"checks"`
	RateLimited bool           `json:"rate_limited"`
}

// RepoMeta is the metadata block for a repository resolved by name.
type RepoMeta struct {
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	Language    string `json:"language"`
}
