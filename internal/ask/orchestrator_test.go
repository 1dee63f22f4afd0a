package ask

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/giknew/giknew/internal/domain"
	"github.com/giknew/giknew/internal/githubapp"
	"github.com/giknew/giknew/internal/llm"
	"github.com/giknew/giknew/internal/security"
)

type fakeSlices struct {
	slice    *domain.Slice
	sliceErr error
	repos    map[string]*domain.RepoMeta
	findErr  error

	findCalls []string
}

func (f *fakeSlices) FetchSlice(_ context.Context, _ *domain.User, _ githubapp.Options) (*domain.Slice, error) {
	if f.sliceErr != nil {
		return nil, f.sliceErr
	}
	return f.slice, nil
}

func (f *fakeSlices) FindRepoByName(_ context.Context, _ *domain.User, name string) (*domain.RepoMeta, error) {
	f.findCalls = append(f.findCalls, name)
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.repos[strings.ToLower(name)], nil
}

type fakeNames struct {
	names []string
}

func (f *fakeNames) AccessibleRepoNames(_ context.Context, _ *domain.User) []string {
	return f.names
}

type memTurnRepo struct {
	turns  []domain.ContextTurn
	nextID int64
}

func (m *memTurnRepo) AppendContextTurn(_ context.Context, turn *domain.ContextTurn) error {
	m.nextID++
	stored := *turn
	stored.ID = m.nextID
	m.turns = append(m.turns, stored)
	return nil
}

func (m *memTurnRepo) RecentContextTurns(_ context.Context, userID string, threadRootID int64, limit int) ([]domain.ContextTurn, error) {
	var out []domain.ContextTurn
	for i := len(m.turns) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.turns[i]
		if t.UserID == userID && t.ThreadRootID == threadRootID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTurnRepo) PruneContextTurns(_ context.Context, _ string, _ int64, _ int) (int64, error) {
	return 0, nil
}

type fakeCompleter struct {
	answer string
	deltas []string
	err    error

	completeCalls int
	streamCalls   int
	lastReq       llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.completeCalls++
	f.lastReq = req
	return f.answer, f.err
}

func (f *fakeCompleter) Stream(_ context.Context, req llm.Request, onDelta func(delta, full string)) (string, error) {
	f.streamCalls++
	f.lastReq = req
	var full strings.Builder
	for _, d := range f.deltas {
		full.WriteString(d)
		onDelta(d, full.String())
	}
	return full.String(), f.err
}

const testMasterKey = "3031323334353637383930313233343536373839303132333435363738393031"

func newTestOrchestrator(t *testing.T, slices *fakeSlices, names RepoNames, completer llm.Completer, streaming bool) (*Orchestrator, *memTurnRepo) {
	t.Helper()
	box, err := security.NewBox(testMasterKey)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	repo := &memTurnRepo{}
	return NewOrchestrator(slices, names, NewContexts(repo, box), completer, streaming), repo
}

func askUser() *domain.User {
	return &domain.User{ID: "user-1", ChatID: "chat-77", Mode: domain.ModeFast, Linked: true}
}

func TestRunAsk_BatchAnswer(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "✅ #7 Add pagination (api)"}}
	completer := &fakeCompleter{answer: "  One open PR.  "}
	orch, repo := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{
		User:         askUser(),
		Question:     "what is open?",
		ThreadRootID: 5,
	})
	if got != "One open PR." {
		t.Errorf("answer = %q", got)
	}
	if completer.completeCalls != 1 {
		t.Fatalf("completeCalls = %d", completer.completeCalls)
	}

	msgs := completer.lastReq.Messages
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want system + user", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message role = %q", msgs[0].Role)
	}
	last := msgs[len(msgs)-1]
	if !strings.HasPrefix(last.Content, "what is open?\n\n<context>\nPR_SUMMARY:\n") {
		t.Errorf("user message missing context block:\n%s", last.Content)
	}
	if !strings.Contains(last.Content, "✅ #7 Add pagination (api)") {
		t.Error("summary line missing from context block")
	}

	// Question and answer both persisted for the thread.
	if len(repo.turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(repo.turns))
	}
	if repo.turns[0].Role != domain.RoleUser || repo.turns[1].Role != domain.RoleAssistant {
		t.Errorf("turn roles = %q, %q", repo.turns[0].Role, repo.turns[1].Role)
	}
}

func TestRunAsk_NoThreadSkipsPersistence(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "hi"}
	orch, repo := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "hello"})
	if len(repo.turns) != 0 {
		t.Errorf("persisted %d turns for threadless request", len(repo.turns))
	}
}

func TestRunAsk_PriorTurnsInPrompt(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "again"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	user := askUser()
	orch.contexts.StoreTurn(context.Background(), user.ID, 9, domain.RoleUser, "first question")
	orch.contexts.StoreTurn(context.Background(), user.ID, 9, domain.RoleAssistant, "first answer")

	orch.RunAsk(context.Background(), Request{User: user, Question: "and now?", ThreadRootID: 9})

	msgs := completer.lastReq.Messages
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want system + 2 prior + user", len(msgs))
	}
	if msgs[1].Content != "first question" || msgs[2].Content != "first answer" {
		t.Errorf("prior turns out of order: %q, %q", msgs[1].Content, msgs[2].Content)
	}
}

func TestRunAsk_NoInstallationsStillAnswers(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "No linked installations."}}
	completer := &fakeCompleter{answer: "You have no GitHub installations linked yet."}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "anything open?"})
	if got == "" {
		t.Fatal("empty answer for unlinked user")
	}
	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "No linked installations.") {
		t.Error("placeholder missing from context block")
	}
}

func TestRunAsk_SliceFetchFailureDegrades(t *testing.T) {
	slices := &fakeSlices{sliceErr: errors.New("boom")}
	completer := &fakeCompleter{answer: "still answered"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "anything open?"})
	if got != "still answered" {
		t.Errorf("answer = %q", got)
	}
	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "(no open PR data)") {
		t.Error("degraded slice placeholder missing from prompt")
	}
}

func TestRunAsk_RateLimitedAdvisory(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{
		Summary:     "✅ #1 A (web)\n(rate limited; partial results)",
		RateLimited: true,
	}}
	completer := &fakeCompleter{answer: "partial view"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "status?"})
	if !strings.HasPrefix(got, "⚠️ GitHub rate limit hit; data may be partial.\n\n") {
		t.Errorf("advisory banner missing: %q", got)
	}
	if !strings.HasSuffix(got, "partial view") {
		t.Errorf("answer body lost: %q", got)
	}

	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "(NOTE: GitHub rate-limited during fetch; results may be partial)") {
		t.Error("rate note missing from context block")
	}
}

func TestRunAsk_FailingChecksBlock(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{
		Summary: "❌2 #3 Fix build (web)",
		Checks:  []domain.FailingCheck{{Repo: "acme/web", PR: 3, Count: 2}},
	}}
	completer := &fakeCompleter{answer: "two checks failing"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "what fails?"})
	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "FAILING_CHECKS:\n- acme/web#3: 2 failing checks\n") {
		t.Errorf("failing checks block wrong:\n%s", last.Content)
	}
}

func TestRunAsk_TimeoutMessage(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{err: context.DeadlineExceeded}
	orch, repo := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "slow?", ThreadRootID: 3})
	if got != MsgTimeout {
		t.Errorf("answer = %q, want timeout message", got)
	}
	// The question was persisted before the call; no assistant turn.
	if len(repo.turns) != 1 || repo.turns[0].Role != domain.RoleUser {
		t.Errorf("turns after timeout = %+v", repo.turns)
	}
}

func TestRunAsk_GenericFailureMessage(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{err: errors.New("upstream 500")}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "hm"})
	if got != MsgFailure {
		t.Errorf("answer = %q, want generic failure message", got)
	}
}

func TestRunAsk_EmptyAnswerPlaceholder(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "   "}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{User: askUser(), Question: "?"})
	if got != MsgNoAnswer {
		t.Errorf("answer = %q, want %q", got, MsgNoAnswer)
	}
}

func TestRunAsk_RepoReferenceFound(t *testing.T) {
	slices := &fakeSlices{
		slice: &domain.Slice{Summary: "(no open PR data)"},
		repos: map[string]*domain.RepoMeta{
			"giknew": {FullName: "acme/Giknew", Description: "assistant", CreatedAt: "2024-01-02", Language: "Go"},
		},
	}
	completer := &fakeCompleter{answer: "yes you do"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "do I have a repo called Giknew?"})

	if len(slices.findCalls) != 1 || slices.findCalls[0] != "Giknew" {
		t.Fatalf("findCalls = %v", slices.findCalls)
	}
	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "REPO_FOUND:\n- full_name: acme/Giknew\n") {
		t.Errorf("repo metadata block missing:\n%s", last.Content)
	}
	if !strings.Contains(last.Content, "- language: Go\n") {
		t.Error("repo language line missing")
	}
}

func TestRunAsk_RepoReferenceNotFound(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "no such repo"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "do I have any repos called ghost?"})

	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, "REPO_NOT_FOUND_IN_LINKED_INSTALLATIONS") {
		t.Errorf("not-found marker missing:\n%s", last.Content)
	}
}

func TestRunAsk_RepoTokenMatch(t *testing.T) {
	slices := &fakeSlices{
		slice: &domain.Slice{Summary: "(no open PR data)"},
		repos: map[string]*domain.RepoMeta{
			"billing": {FullName: "acme/billing", Language: "Go"},
		},
	}
	names := &fakeNames{names: []string{"billing", "web"}}
	completer := &fakeCompleter{answer: "billing is fine"}
	orch, _ := newTestOrchestrator(t, slices, names, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "is billing healthy?"})
	if len(slices.findCalls) != 1 || slices.findCalls[0] != "billing" {
		t.Errorf("findCalls = %v", slices.findCalls)
	}
}

func TestRunAsk_SummaryCapInPrompt(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: strings.Repeat("s", 4000)}}
	completer := &fakeCompleter{answer: "ok"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "?"})
	last := completer.lastReq.Messages[len(completer.lastReq.Messages)-1]
	if !strings.Contains(last.Content, strings.Repeat("s", summaryCharCap)+"\n... (truncated)") {
		t.Error("summary not capped in prompt")
	}
	if strings.Contains(last.Content, strings.Repeat("s", summaryCharCap+1)) {
		t.Error("summary exceeds cap in prompt")
	}
}

func TestRunAsk_StreamingThrottledPartials(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{deltas: []string{"One ", "open ", "PR."}}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, true)

	var partials []string
	got := orch.RunAsk(context.Background(), Request{
		User:     askUser(),
		Question: "status?",
		Stream:   true,
		SendPartial: func(full string) error {
			partials = append(partials, full)
			return nil
		},
	})

	if completer.streamCalls != 1 || completer.completeCalls != 0 {
		t.Fatalf("streamCalls=%d completeCalls=%d", completer.streamCalls, completer.completeCalls)
	}
	// Deltas arrive back to back, so only the first clears the minimum
	// edit interval.
	if len(partials) != 1 || partials[0] != "One " {
		t.Errorf("partials = %v", partials)
	}
	if got != "One open PR." {
		t.Errorf("final answer = %q", got)
	}
}

func TestRunAsk_StreamingDisabledUsesBatch(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "batched"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	got := orch.RunAsk(context.Background(), Request{
		User:        askUser(),
		Question:    "status?",
		Stream:      true,
		SendPartial: func(string) error { return nil },
	})
	if completer.completeCalls != 1 || completer.streamCalls != 0 {
		t.Errorf("completeCalls=%d streamCalls=%d", completer.completeCalls, completer.streamCalls)
	}
	if got != "batched" {
		t.Errorf("answer = %q", got)
	}
}

func TestRunAsk_ModeSelection(t *testing.T) {
	slices := &fakeSlices{slice: &domain.Slice{Summary: "(no open PR data)"}}
	completer := &fakeCompleter{answer: "deep thought"}
	orch, _ := newTestOrchestrator(t, slices, &fakeNames{}, completer, false)

	orch.RunAsk(context.Background(), Request{User: askUser(), Question: "?", Mode: domain.ModeThinking})
	if completer.lastReq.Mode != domain.ModeThinking {
		t.Errorf("request mode = %q, want thinking override", completer.lastReq.Mode)
	}
}
