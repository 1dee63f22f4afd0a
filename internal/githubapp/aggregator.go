package githubapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/giknew/giknew/internal/domain"
)

// InstallationSource lists the installations linked to a user. Satisfied
// by store.Repository.
type InstallationSource interface {
	InstallationsForUser(ctx context.Context, userID string) ([]domain.Installation, error)
}

// ErrIsolation marks an installation row whose owner does not match the
// requesting user. Aggregation aborts with no partial data.
var ErrIsolation = errors.New("installation ownership mismatch")

const (
	// searchThreshold switches an installation from per-repo pull
	// listing to one search query per repository owner.
	searchThreshold = 20
	// fanOutLimit bounds concurrent per-repo pull listings.
	fanOutLimit = 4
	// titleLimit truncates PR titles in summary lines.
	titleLimit = 70
	// checkRunsPage bounds the check-run listing per head commit.
	checkRunsPage = 20
)

// Summary placeholder lines.
const (
	lineIsolation   = "Isolation guard triggered; aborting data fetch."
	lineNoInstalls  = "No linked installations."
	lineNoData      = "(no open PR data)"
	lineRateLimited = "(rate limited; partial results)"
)

// failingConclusions are the check-run conclusions counted as failing.
var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
}

// Options are the aggregation tunables.
type Options struct {
	MaxInstallations     int
	ReposPerInstallation int
	PRsPerRepo           int
	TotalLineCap         int
	IncludeChecks        bool
}

// DefaultOptions returns the per-request aggregation budget.
func DefaultOptions() Options {
	return Options{
		MaxInstallations:     5,
		ReposPerInstallation: 2,
		PRsPerRepo:           5,
		TotalLineCap:         12,
		IncludeChecks:        true,
	}
}

// InstallClient is the slice of the GitHub REST surface the aggregator
// consumes with one installation token.
type InstallClient interface {
	// ListAccessibleRepos lists repositories the installation can see,
	// bounded by perPage, and reports the installation's total count.
	ListAccessibleRepos(ctx context.Context, perPage int) ([]*github.Repository, int, error)

	// ListOpenPulls lists open pull requests for one repository.
	ListOpenPulls(ctx context.Context, owner, repo string, perPage int) ([]*github.PullRequest, error)

	// CountFailingChecks counts non-passing check-run conclusions for
	// a head commit.
	CountFailingChecks(ctx context.Context, owner, repo, ref string) (int, error)

	// SearchOpenPulls runs the cross-repository open-PR search for one
	// owner.
	SearchOpenPulls(ctx context.Context, owner string, perPage int) ([]*github.Issue, error)
}

// ClientFactory builds an InstallClient from an installation token.
type ClientFactory func(token string) InstallClient

// Aggregator builds a bounded, best-effort summary of open pull
// requests and failing checks across a user's installations.
type Aggregator struct {
	repo    InstallationSource
	tokens  TokenSource
	clients ClientFactory
}

// NewAggregator wires the aggregator to its collaborators.
func NewAggregator(repo InstallationSource, tokens TokenSource, clients ClientFactory) *Aggregator {
	if clients == nil {
		clients = NewInstallClient
	}
	return &Aggregator{repo: repo, tokens: tokens, clients: clients}
}

// aggState is the shared accumulator for one aggregation run. The line
// cap is checked before the rate-limit flag, so a capped summary keeps
// whichever lines landed first.
type aggState struct {
	mu          sync.Mutex
	lineCap     int
	lines       []string
	checks      []domain.FailingCheck
	rateLimited bool
}

func (st *aggState) addLine(line string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.lines) < st.lineCap {
		st.lines = append(st.lines, line)
	}
}

func (st *aggState) addCheck(check domain.FailingCheck) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.checks = append(st.checks, check)
}

func (st *aggState) markRateLimited() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rateLimited = true
}

// stopped reports whether further GitHub calls should be skipped: the
// line cap first, then the rate-limit flag.
func (st *aggState) stopped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.lines) >= st.lineCap || st.rateLimited
}

// FetchSlice aggregates a fresh GitHub slice for the user. Per-item
// failures degrade to placeholder lines; only an ownership violation
// aborts with the isolation sentinel.
func (a *Aggregator) FetchSlice(ctx context.Context, user *domain.User, opts Options) (*domain.Slice, error) {
	installations, err := a.repo.InstallationsForUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load installations: %w", err)
	}

	for _, inst := range installations {
		if inst.UserID != user.ID {
			slog.Error("installation isolation violation",
				"installation_id", inst.InstallationID,
				"found_user_id", inst.UserID,
				"expected_user_id", user.ID,
				"error", ErrIsolation)
			return &domain.Slice{Summary: lineIsolation}, nil
		}
	}
	if len(installations) == 0 {
		return &domain.Slice{Summary: lineNoInstalls}, nil
	}

	st := &aggState{lineCap: opts.TotalLineCap}

	if opts.MaxInstallations < len(installations) {
		installations = installations[:opts.MaxInstallations]
	}
	for _, inst := range installations {
		if st.stopped() {
			break
		}
		a.aggregateInstallation(ctx, st, inst, opts)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.rateLimited {
		st.lines = append(st.lines, lineRateLimited)
	}
	if len(st.lines) == 0 {
		st.lines = append(st.lines, lineNoData)
	}
	sortSummaryLines(st.lines)

	return &domain.Slice{
		Summary:     strings.Join(st.lines, "\n"),
		Checks:      st.checks,
		RateLimited: st.rateLimited,
	}, nil
}

func (a *Aggregator) aggregateInstallation(ctx context.Context, st *aggState, inst domain.Installation, opts Options) {
	token, err := a.tokens.InstallationToken(ctx, inst.InstallationID)
	if err != nil {
		slog.Error("installation token fetch failed",
			"installation_id", inst.InstallationID, "error", err)
		st.addLine(fmt.Sprintf("(installation %d token error)", inst.InstallationID))
		return
	}
	client := a.clients(token.Value)

	repos, total, err := client.ListAccessibleRepos(ctx, opts.ReposPerInstallation)
	if err != nil {
		if isRateLimited(err) {
			st.markRateLimited()
			return
		}
		slog.Warn("installation repo listing failed",
			"installation_id", inst.InstallationID, "error", err)
		st.addLine(fmt.Sprintf("(installation %d repo list error)", inst.InstallationID))
		return
	}

	owners := distinctOwners(repos)
	if total > searchThreshold && len(owners) > 0 {
		a.aggregateBySearch(ctx, st, client, inst, owners, opts)
		return
	}
	a.aggregateByRepo(ctx, st, client, inst, repos, opts)
}

// aggregateBySearch issues one provider-wide open-PR search per distinct
// repository owner instead of walking repositories one by one. Head
// commits are not part of search results, so check-run fetches are
// skipped on this path.
func (a *Aggregator) aggregateBySearch(ctx context.Context, st *aggState, client InstallClient, inst domain.Installation, owners []string, opts Options) {
	for _, owner := range owners {
		if st.stopped() {
			return
		}
		issues, err := client.SearchOpenPulls(ctx, owner, opts.PRsPerRepo)
		if err != nil {
			if isRateLimited(err) {
				st.markRateLimited()
				return
			}
			slog.Warn("owner PR search failed",
				"installation_id", inst.InstallationID, "owner", owner, "error", err)
			st.addLine(fmt.Sprintf("(installation %d aggregation error)", inst.InstallationID))
			continue
		}
		for _, issue := range issues {
			if st.stopped() {
				return
			}
			repoName := repoNameFromURL(issue.GetRepositoryURL())
			st.addLine(summaryLine(0, issue.GetNumber(), issue.GetTitle(), repoName))
		}
	}
}

// aggregateByRepo fans out per-repository pull listings with bounded
// concurrency. Line ordering is restored deterministically by the final
// sort, so repos may complete in any order.
func (a *Aggregator) aggregateByRepo(ctx context.Context, st *aggState, client InstallClient, inst domain.Installation, repos []*github.Repository, opts Options) {
	if len(repos) > opts.ReposPerInstallation {
		repos = repos[:opts.ReposPerInstallation]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if st.stopped() {
				return nil
			}
			a.aggregateRepo(gctx, st, client, repo, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("installation aggregation failed",
			"installation_id", inst.InstallationID, "error", err)
		st.addLine(fmt.Sprintf("(installation %d aggregation error)", inst.InstallationID))
	}
}

func (a *Aggregator) aggregateRepo(ctx context.Context, st *aggState, client InstallClient, repo *github.Repository, opts Options) {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()

	prs, err := client.ListOpenPulls(ctx, owner, name, opts.PRsPerRepo)
	if err != nil {
		if isRateLimited(err) {
			st.markRateLimited()
		}
		return
	}

	for i, pr := range prs {
		if i >= opts.PRsPerRepo || st.stopped() {
			return
		}
		failing := 0
		if opts.IncludeChecks {
			failing, err = client.CountFailingChecks(ctx, owner, name, pr.GetHead().GetSHA())
			if err != nil {
				if isRateLimited(err) {
					st.markRateLimited()
					return
				}
				slog.Debug("check-run fetch failed",
					"repo", repo.GetFullName(), "pr", pr.GetNumber(), "error", err)
				failing = 0
			}
			if failing > 0 {
				st.addCheck(domain.FailingCheck{
					Repo:  repo.GetFullName(),
					PR:    pr.GetNumber(),
					Count: failing,
				})
			}
		}
		st.addLine(summaryLine(failing, pr.GetNumber(), pr.GetTitle(), name))
	}
}

// summaryLine renders one PR as a badge, number, truncated title and
// repository name.
func summaryLine(failing, number int, title, repoName string) string {
	badge := "✅"
	if failing > 0 {
		badge = fmt.Sprintf("❌%d", failing)
	}
	runes := []rune(title)
	if len(runes) > titleLimit {
		title = string(runes[:titleLimit])
	}
	return fmt.Sprintf("%s #%d %s (%s)", badge, number, title, repoName)
}

// sortSummaryLines orders failing-check lines before passing lines, ties
// broken lexicographically.
func sortSummaryLines(lines []string) {
	sort.SliceStable(lines, func(i, j int) bool {
		iFail := strings.HasPrefix(lines[i], "❌")
		jFail := strings.HasPrefix(lines[j], "❌")
		if iFail != jFail {
			return iFail
		}
		return lines[i] < lines[j]
	})
}

func distinctOwners(repos []*github.Repository) []string {
	seen := make(map[string]bool)
	var owners []string
	for _, repo := range repos {
		login := repo.GetOwner().GetLogin()
		if login != "" && !seen[login] {
			seen[login] = true
			owners = append(owners, login)
		}
	}
	return owners
}

func repoNameFromURL(repositoryURL string) string {
	if i := strings.LastIndex(repositoryURL, "/"); i >= 0 {
		return repositoryURL[i+1:]
	}
	return repositoryURL
}

// isRateLimited reports whether a GitHub call failed on quota: either a
// typed rate-limit error or a bare HTTP 403.
func isRateLimited(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		return respErr.Response != nil && respErr.Response.StatusCode == 403
	}
	return false
}

// githubInstallClient is the production InstallClient on go-github.
type githubInstallClient struct {
	client *github.Client
}

// NewInstallClient builds an InstallClient authenticated with an
// installation token.
func NewInstallClient(token string) InstallClient {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)
	return &githubInstallClient{client: github.NewClient(httpClient)}
}

func (c *githubInstallClient) ListAccessibleRepos(ctx context.Context, perPage int) ([]*github.Repository, int, error) {
	listed, _, err := c.client.Apps.ListRepos(ctx, &github.ListOptions{PerPage: perPage})
	if err != nil {
		return nil, 0, err
	}
	return listed.Repositories, listed.GetTotalCount(), nil
}

func (c *githubInstallClient) ListOpenPulls(ctx context.Context, owner, repo string, perPage int) ([]*github.PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	return prs, err
}

func (c *githubInstallClient) CountFailingChecks(ctx context.Context, owner, repo, ref string) (int, error) {
	results, _, err := c.client.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: checkRunsPage},
	})
	if err != nil {
		return 0, err
	}
	failing := 0
	for _, run := range results.CheckRuns {
		if failingConclusions[run.GetConclusion()] {
			failing++
		}
	}
	return failing, nil
}

func (c *githubInstallClient) SearchOpenPulls(ctx context.Context, owner string, perPage int) ([]*github.Issue, error) {
	query := fmt.Sprintf("is:pr is:open owner:%s", owner)
	result, _, err := c.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, err
	}
	return result.Issues, nil
}
