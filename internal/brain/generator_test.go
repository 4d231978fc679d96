package brain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/roster"
)

const directiveText = "On it.\n```json\n" +
	`{"action": "commit", "message": "add hello", "files": [{"path": "hello.txt", "content": "Hello World", "operation": "create"}]}` +
	"\n```"

// fakeRepo records commits and can be told to fail.
type fakeRepo struct {
	mu        sync.Mutex
	branchErr error
	commitErr error
	commits   []*directive.Directive
}

func (r *fakeRepo) EnsureBranch(ctx context.Context, agentID string) (string, error) {
	if r.branchErr != nil {
		return "", r.branchErr
	}
	return "chorus/" + agentID, nil
}

func (r *fakeRepo) Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error) {
	if r.commitErr != nil {
		return "", r.commitErr
	}
	r.mu.Lock()
	r.commits = append(r.commits, d)
	r.mu.Unlock()
	return "abc1234", nil
}

func newGenerator(t *testing.T, model Model, repoSvc *fakeRepo) *Generator {
	t.Helper()
	parser, err := directive.NewParser()
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	var svc *fakeRepo
	if repoSvc != nil {
		svc = repoSvc
	}
	cfg := GeneratorConfig{RetryBase: time.Millisecond}
	if svc == nil {
		return NewGenerator(model, parser, nil, nil, cfg)
	}
	return NewGenerator(model, parser, svc, nil, cfg)
}

func testAgent() roster.Agent {
	return roster.Agent{ID: "archie", DisplayName: "Archie", Specialty: "backend"}
}

func TestTurn_PlainResponse(t *testing.T) {
	g := newGenerator(t, fixed("The cache looks fine to me.", nil), nil)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "thoughts?"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Text != "The cache looks fine to me." || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if res.Directive != nil || res.ChangeRef != "" {
		t.Fatalf("plain response should carry no directive, got %+v", res)
	}
}

func TestTurn_DirectiveCommitted(t *testing.T) {
	repo := &fakeRepo{}
	g := newGenerator(t, fixed(directiveText, nil), repo)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "create hello.txt"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.ChangeRef != "abc1234" {
		t.Fatalf("change ref = %q", res.ChangeRef)
	}
	if res.Branch != "chorus/archie" {
		t.Fatalf("branch = %q", res.Branch)
	}
	if len(repo.commits) != 1 || repo.commits[0].Message != "add hello" {
		t.Fatalf("commits = %+v", repo.commits)
	}
	if strings.Contains(res.Text, "```") || strings.Contains(res.Text, `"action"`) {
		t.Fatalf("directive block leaked into spoken text: %q", res.Text)
	}
	if !strings.Contains(res.Text, "abc1234") {
		t.Fatalf("text should reference the change: %q", res.Text)
	}
}

func TestTurn_CommitFailureAppendsNote(t *testing.T) {
	repo := &fakeRepo{commitErr: errors.New("verification failed (exit 1): tests broke")}
	g := newGenerator(t, fixed(directiveText, nil), repo)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "create hello.txt"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.ChangeRef != "" {
		t.Fatalf("failed commit should have no change ref: %+v", res)
	}
	if !strings.Contains(res.Text, "change failed") {
		t.Fatalf("expected failure note in %q", res.Text)
	}
	if strings.Contains(res.Text, "```") {
		t.Fatalf("directive block leaked: %q", res.Text)
	}
}

func TestTurn_NoRepoNoticesOnce(t *testing.T) {
	g := newGenerator(t, fixed(directiveText, nil), nil)
	var notices []string
	g.SetNotice(func(level, text string) { notices = append(notices, text) })

	for i := 0; i < 2; i++ {
		res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "create hello.txt"})
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if !strings.Contains(res.Text, "not applied") {
			t.Fatalf("expected unapplied note, got %q", res.Text)
		}
	}
	if len(notices) != 1 {
		t.Fatalf("notice fired %d times, want 1", len(notices))
	}
}

func TestTurn_RateLimitRetriesThenSucceeds(t *testing.T) {
	model := &scriptedModel{fn: func(call int, req Request) (string, error) {
		if call < 3 {
			return "", errors.New("429 too many requests")
		}
		return "finally", nil
	}}
	g := newGenerator(t, model, nil)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Text != "finally" || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if model.calls != 3 {
		t.Fatalf("calls = %d, want 3", model.calls)
	}
}

func TestTurn_TimeoutGetsOneRetry(t *testing.T) {
	model := fixed("", errors.New("request timed out"))
	g := newGenerator(t, model, nil)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Degraded || res.Text != DefaultFallbackText {
		t.Fatalf("result = %+v", res)
	}
	if model.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", model.calls)
	}
}

func TestTurn_AuthFailsFast(t *testing.T) {
	model := fixed("", errors.New("401 unauthorized"))
	g := newGenerator(t, model, nil)

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if model.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth)", model.calls)
	}
}

func TestTurn_NotConfiguredDegradesWithNotice(t *testing.T) {
	g := newGenerator(t, fixed("", ErrNotConfigured), nil)
	var notices int
	g.SetNotice(func(level, text string) { notices++ })

	for i := 0; i < 3; i++ {
		res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
		if err != nil {
			t.Fatalf("turn: %v", err)
		}
		if !res.Degraded || res.Text != DefaultFallbackText {
			t.Fatalf("result = %+v", res)
		}
	}
	if notices != 1 {
		t.Fatalf("notices = %d, want 1", notices)
	}
}

func TestTurn_FailoverRescuesExhaustedPrimary(t *testing.T) {
	primary := fixed("", errors.New("429 too many requests"))
	g := newGenerator(t, primary, nil)
	g.SetFailover(NewFailover([]NamedModel{
		{Name: "backup", Model: fixed("backup text", nil)},
	}, 5, time.Minute, nil))

	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Text != "backup text" || res.Degraded {
		t.Fatalf("result = %+v", res)
	}
	if primary.calls != 3 {
		t.Fatalf("primary calls = %d, want full retry budget first", primary.calls)
	}
}

func TestTurn_EmptyGenerationDegrades(t *testing.T) {
	g := newGenerator(t, fixed("   ", nil), nil)
	res, err := g.Turn(context.Background(), TurnRequest{Agent: testAgent(), Message: "hi"})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !res.Degraded || res.Text != DefaultFallbackText {
		t.Fatalf("result = %+v", res)
	}
}

func TestTurn_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := newGenerator(t, fixed("", ctx.Err()), nil)
	if _, err := g.Turn(ctx, TurnRequest{Agent: testAgent(), Message: "hi"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTurn_TaskContextShapesPrompt(t *testing.T) {
	var captured Request
	model := &scriptedModel{fn: func(call int, req Request) (string, error) {
		captured = req
		return "done", nil
	}}
	g := newGenerator(t, model, &fakeRepo{})

	_, err := g.Turn(context.Background(), TurnRequest{
		Agent:         testAgent(),
		Message:       "create hello.txt with contents Hello World",
		TaskContext:   "create hello.txt",
		WantDirective: true,
		Participants:  []string{"Archie", "Piper"},
	})
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if !strings.Contains(captured.Prompt, "Task: create hello.txt") {
		t.Fatalf("prompt = %q", captured.Prompt)
	}
	if !strings.Contains(captured.System, "Archie") || !strings.Contains(captured.System, "Piper") {
		t.Fatalf("system prompt should name persona and peers: %q", captured.System)
	}
	if !strings.Contains(captured.System, `"action"`) {
		t.Fatalf("system prompt should carry the directive shape: %q", captured.System)
	}
	if !strings.Contains(captured.System, "work order") {
		t.Fatalf("directive-seeking calls should demand a directive: %q", captured.System)
	}
}
