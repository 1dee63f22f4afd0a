package githubapp

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/giknew/giknew/internal/domain"
)

// repoListPage bounds repository listings used for name resolution.
const repoListPage = 100

// nameCacheTTL is the short best-effort window for the per-user
// accessible-repo-name cache.
const nameCacheTTL = 5 * time.Minute

type nameCacheEntry struct {
	names     []string
	expiresAt time.Time
}

// FindRepoByName looks for a repository with the given name across all
// of the user's installations and returns its metadata, or nil when no
// installation exposes it. Per-installation failures are skipped.
func (a *Aggregator) FindRepoByName(ctx context.Context, user *domain.User, name string) (*domain.RepoMeta, error) {
	installations, err := a.repo.InstallationsForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	for _, inst := range installations {
		if inst.UserID != user.ID {
			return nil, ErrIsolation
		}
		token, err := a.tokens.InstallationToken(ctx, inst.InstallationID)
		if err != nil {
			slog.Warn("repo lookup token fetch failed",
				"installation_id", inst.InstallationID, "error", err)
			continue
		}
		repos, _, err := a.clients(token.Value).ListAccessibleRepos(ctx, repoListPage)
		if err != nil {
			slog.Warn("repo lookup listing failed",
				"installation_id", inst.InstallationID, "error", err)
			continue
		}
		for _, repo := range repos {
			if strings.EqualFold(repo.GetName(), name) {
				return &domain.RepoMeta{
					FullName:    repo.GetFullName(),
					Description: repo.GetDescription(),
					CreatedAt:   repo.GetCreatedAt().Format(time.RFC3339),
					Language:    repo.GetLanguage(),
				}, nil
			}
		}
	}
	return nil, nil
}

// RepoNameCache keeps a short-TTL per-user snapshot of accessible
// repository names so question-token resolution does not re-run the
// installation fan-out within a burst of related lookups.
type RepoNameCache struct {
	agg *Aggregator
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]nameCacheEntry
}

// NewRepoNameCache builds a cache over the aggregator's installations.
func NewRepoNameCache(agg *Aggregator) *RepoNameCache {
	return &RepoNameCache{
		agg:     agg,
		ttl:     nameCacheTTL,
		entries: make(map[string]nameCacheEntry),
	}
}

// AccessibleRepoNames returns lowercase repository names visible to the
// user, from cache when fresh. Failures degrade to an empty list.
func (c *RepoNameCache) AccessibleRepoNames(ctx context.Context, user *domain.User) []string {
	c.mu.Lock()
	entry, ok := c.entries[user.ID]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.names
	}

	names := c.fetchNames(ctx, user)
	c.mu.Lock()
	c.entries[user.ID] = nameCacheEntry{names: names, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return names
}

func (c *RepoNameCache) fetchNames(ctx context.Context, user *domain.User) []string {
	installations, err := c.agg.repo.InstallationsForUser(ctx, user.ID)
	if err != nil {
		slog.Warn("repo name cache load failed", "user_id", user.ID, "error", err)
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, inst := range installations {
		if inst.UserID != user.ID {
			return nil
		}
		token, err := c.agg.tokens.InstallationToken(ctx, inst.InstallationID)
		if err != nil {
			continue
		}
		repos, _, err := c.agg.clients(token.Value).ListAccessibleRepos(ctx, repoListPage)
		if err != nil {
			continue
		}
		for _, repo := range repos {
			name := strings.ToLower(repo.GetName())
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
