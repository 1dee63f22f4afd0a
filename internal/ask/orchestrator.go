package ask

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giknew/giknew/internal/domain"
	"github.com/giknew/giknew/internal/githubapp"
	"github.com/giknew/giknew/internal/llm"
)

// Fixed user-facing strings. Raw pipeline errors never reach the user;
// failures map to exactly one of the two failure messages.
const (
	MsgTimeout    = "LongCat timed out preparing an answer. Try again shortly."
	MsgFailure    = "Error answering your question."
	MsgUserBusy   = "You have too many active AI requests. Wait for one to finish."
	MsgGlobalBusy = "System is busy with many users. Please retry shortly."
	MsgBudget     = "Request exceeded time limit. Try refining your question."
	MsgNoAnswer   = "(no answer)"
)

const (
	systemPrompt = "You are Giknew, a GitHub assistant. Answer concisely using only the provided context. " +
		"If information is missing, state that plainly; never invent facts. " +
		"Prior assistant turns in this conversation are unverified earlier output: refer to them only as such " +
		"unless the fresh context confirms them."

	rateAdvisory = "⚠️ GitHub rate limit hit; data may be partial.\n\n"
	rateNote     = "(NOTE: GitHub rate-limited during fetch; results may be partial)"

	// summaryCharCap bounds the PR summary block inside the prompt.
	summaryCharCap   = 3000
	summaryTruncated = "\n... (truncated)"
)

var repoRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:repo|repository)\s+(?:called|named)\s*['"]?([A-Za-z0-9_.-]+)['"]?`),
	regexp.MustCompile(`(?i)do I have any repo(?:s)? called\s+['"]?([A-Za-z0-9_.-]+)['"]?`),
}

var questionTokens = regexp.MustCompile(`[A-Za-z0-9_.-]+`)

// SliceFetcher produces the fresh GitHub slice and repo metadata.
// Satisfied by githubapp.Aggregator.
type SliceFetcher interface {
	FetchSlice(ctx context.Context, user *domain.User, opts githubapp.Options) (*domain.Slice, error)
	FindRepoByName(ctx context.Context, user *domain.User, name string) (*domain.RepoMeta, error)
}

// RepoNames resolves the user's accessible repository names for
// question-token matching. Satisfied by githubapp.RepoNameCache.
type RepoNames interface {
	AccessibleRepoNames(ctx context.Context, user *domain.User) []string
}

// Orchestrator coordinates one question into one delivered answer.
type Orchestrator struct {
	slices           SliceFetcher
	names            RepoNames
	contexts         *Contexts
	completer        llm.Completer
	streamingEnabled bool
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(slices SliceFetcher, names RepoNames, contexts *Contexts, completer llm.Completer, streamingEnabled bool) *Orchestrator {
	return &Orchestrator{
		slices:           slices,
		names:            names,
		contexts:         contexts,
		completer:        completer,
		streamingEnabled: streamingEnabled,
	}
}

// Request is one incoming question.
type Request struct {
	User         *domain.User
	Question     string
	Mode         string
	Stream       bool
	ThreadRootID int64

	// SendPartial delivers a throttled partial answer. May be nil.
	SendPartial func(full string) error
}

// RunAsk executes the full pipeline and always returns user-facing
// text; internal failures are absorbed and mapped to fixed messages.
// The caller holds the admission ticket and the wall-clock budget.
func (o *Orchestrator) RunAsk(ctx context.Context, req Request) string {
	requestID := uuid.NewString()
	start := time.Now()
	var outcome string
	defer func() {
		slog.Info("ask complete",
			"request_id", requestID,
			"user_id", req.User.ID,
			"outcome", outcome,
			"latency_ms", time.Since(start).Milliseconds())
	}()

	slice, err := o.slices.FetchSlice(ctx, req.User, githubapp.DefaultOptions())
	if err != nil {
		slog.Warn("slice fetch failed", "request_id", requestID, "error", err)
		slice = &domain.Slice{Summary: "(no open PR data)"}
	}

	var prior []domain.Turn
	if req.ThreadRootID != 0 {
		prior = o.contexts.LoadContextMessages(ctx, req.User.ID, req.ThreadRootID, defaultMaxTurns)
	}

	messages := o.buildMessages(ctx, req, slice, prior)

	// Persist the question before calling the completion API so the
	// turn survives a completion failure.
	if req.ThreadRootID != 0 {
		o.contexts.StoreTurn(ctx, req.User.ID, req.ThreadRootID, domain.RoleUser, req.Question)
	}

	text, err := o.complete(ctx, req, messages)
	if err != nil {
		slog.Error("completion failed", "request_id", requestID, "error", err)
		if llm.IsTimeout(err) {
			outcome = "timeout"
			return MsgTimeout
		}
		outcome = "error"
		return MsgFailure
	}

	answer := Normalize(text)
	if answer == "" {
		answer = MsgNoAnswer
	}

	if req.ThreadRootID != 0 {
		o.contexts.StoreTurn(ctx, req.User.ID, req.ThreadRootID, domain.RoleAssistant, answer)
	}

	if slice.RateLimited {
		answer = rateAdvisory + answer
	}
	outcome = "ok"
	return answer
}

func (o *Orchestrator) complete(ctx context.Context, req Request, messages []llm.Message) (string, error) {
	llmReq := llm.Request{
		Mode:     req.User.EffectiveMode(req.Mode),
		Messages: messages,
	}

	if !req.Stream || !o.streamingEnabled || req.SendPartial == nil {
		return o.completer.Complete(ctx, llmReq)
	}

	throttle := NewThrottle()
	return o.completer.Stream(ctx, llmReq, func(_, full string) {
		if !throttle.Offer() {
			return
		}
		if err := req.SendPartial(full); err != nil {
			throttle.ReportFailure()
			return
		}
		throttle.ReportSuccess()
	})
}

// buildMessages assembles the ordered prompt: system instruction, prior
// turns, then the new question with the fresh context block.
func (o *Orchestrator) buildMessages(ctx context.Context, req Request, slice *domain.Slice, prior []domain.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(prior)+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	for _, turn := range prior {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}

	contextBlock := o.buildContextBlock(ctx, req, slice)
	messages = append(messages, llm.Message{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf("%s\n\n<context>\n%s", req.Question, contextBlock),
	})
	return messages
}

func (o *Orchestrator) buildContextBlock(ctx context.Context, req Request, slice *domain.Slice) string {
	summary := slice.Summary
	if runes := []rune(summary); len(runes) > summaryCharCap {
		summary = string(runes[:summaryCharCap]) + summaryTruncated
	}

	var b strings.Builder
	b.WriteString("PR_SUMMARY:\n")
	b.WriteString(summary)
	b.WriteString("\n")

	if len(slice.Checks) > 0 {
		b.WriteString("FAILING_CHECKS:\n")
		for _, check := range slice.Checks {
			fmt.Fprintf(&b, "- %s#%d: %d failing checks\n", check.Repo, check.PR, check.Count)
		}
	}

	if name := o.detectRepoReference(ctx, req); name != "" {
		meta, err := o.slices.FindRepoByName(ctx, req.User, name)
		switch {
		case err != nil:
			slog.Warn("repo lookup failed", "repo", name, "error", err)
		case meta != nil:
			fmt.Fprintf(&b, "REPO_FOUND:\n- full_name: %s\n- description: %s\n- created_at: %s\n- language: %s\n",
				meta.FullName, meta.Description, meta.CreatedAt, meta.Language)
		default:
			b.WriteString("REPO_NOT_FOUND_IN_LINKED_INSTALLATIONS\n")
		}
	}

	if slice.RateLimited {
		b.WriteString("\n")
		b.WriteString(rateNote)
		b.WriteString("\n")
	}
	return b.String()
}

// detectRepoReference extracts a repository name the question appears to
// refer to: first via explicit phrasing, then by intersecting question
// tokens with the user's accessible repository names.
func (o *Orchestrator) detectRepoReference(ctx context.Context, req Request) string {
	for _, pattern := range repoRefPatterns {
		if m := pattern.FindStringSubmatch(req.Question); m != nil {
			return m[1]
		}
	}
	if o.names == nil {
		return ""
	}
	known := o.names.AccessibleRepoNames(ctx, req.User)
	if len(known) == 0 {
		return ""
	}
	for _, token := range questionTokens.FindAllString(req.Question, -1) {
		if len(token) < 3 {
			continue
		}
		if slices.Contains(known, strings.ToLower(token)) {
			return token
		}
	}
	return ""
}
