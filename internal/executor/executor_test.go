package executor_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/chorus/internal/brain"
	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/executor"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/repo"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/voice"
)

const directiveText = "On it.\n```json\n" +
	`{"action": "commit", "message": "add hello", "files": [{"path": "hello.txt", "content": "Hello World", "operation": "create"}]}` +
	"\n```"

type fakeModel struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req brain.Request) (string, error)
}

func (m *fakeModel) Generate(ctx context.Context, req brain.Request) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.fn(call, req)
}

func (m *fakeModel) GenerateStream(ctx context.Context, req brain.Request, onChunk func(string) error) error {
	text, err := m.Generate(ctx, req)
	if err != nil {
		return err
	}
	return onChunk(text)
}

type fakeRepo struct{}

func (fakeRepo) EnsureBranch(ctx context.Context, agentID string) (string, error) {
	return "chorus/" + agentID, nil
}

func (fakeRepo) Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error) {
	return "abc1234", nil
}

type brokenRepo struct{}

func (brokenRepo) EnsureBranch(ctx context.Context, agentID string) (string, error) {
	return "chorus/" + agentID, nil
}

func (brokenRepo) Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error) {
	return "", errors.New("remote rejected the push")
}

type recordingSink struct {
	mu        sync.Mutex
	responses []string
	taskRefs  []string
}

func (s *recordingSink) OnResponse(agentID, text, taskRef, changeRef string) {
	s.mu.Lock()
	s.responses = append(s.responses, text)
	s.taskRefs = append(s.taskRefs, taskRef)
	s.mu.Unlock()
}
func (s *recordingSink) OnInterruption(interruptedAgentID, by string) {}
func (s *recordingSink) OnNotice(level, text string)                 {}

type recordingSynth struct {
	mu     sync.Mutex
	spoken []string
}

func (r *recordingSynth) Speak(ctx context.Context, text, voiceProfile string) error {
	r.mu.Lock()
	r.spoken = append(r.spoken, text)
	r.mu.Unlock()
	return nil
}
func (r *recordingSynth) Stop() {}

type fixture struct {
	exec   *executor.Executor
	store  *ledger.Store
	reg    *roster.Registry
	sink   *recordingSink
	synth  *recordingSynth
	voices *voice.Sequencer
}

func newFixture(t *testing.T, model brain.Model) *fixture {
	return newFixtureRepo(t, model, fakeRepo{})
}

func newFixtureRepo(t *testing.T, model brain.Model, repoSvc repo.Service) *fixture {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "chorus.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	parser, err := directive.NewParser()
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	gen := brain.NewGenerator(model, parser, repoSvc, nil, brain.GeneratorConfig{RetryBase: time.Millisecond})

	reg := roster.New(nil)
	if err := reg.Add(roster.Agent{ID: "archie", DisplayName: "Archie"}); err != nil {
		t.Fatalf("add agent: %v", err)
	}

	synth := &recordingSynth{}
	seq := voice.NewSequencer(voice.Config{Synth: synth})
	snk := &recordingSink{}

	return &fixture{
		exec: executor.New(executor.Config{
			Generator:   gen,
			Store:       store,
			Roster:      reg,
			Voice:       seq,
			Sink:        snk,
			TaskTimeout: 5 * time.Second,
		}),
		store:  store,
		reg:    reg,
		sink:   snk,
		synth:  synth,
		voices: seq,
	}
}

// delegate creates a pending task and deactivates its owner, mirroring what
// dispatch does before handing off.
func delegate(t *testing.T, f *fixture, description string) ledger.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), "archie", description)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.reg.Deactivate("archie", task.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	return task
}

func waitTerminal(t *testing.T, store *ledger.Store, taskID string) ledger.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Terminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached terminal state (status %s)", taskID, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecute_CommitSuccess(t *testing.T) {
	model := &fakeModel{fn: func(int, brain.Request) (string, error) { return directiveText, nil }}
	f := newFixture(t, model)
	task := delegate(t, f, "add a hello file")

	agent, _ := f.reg.Get("archie")
	if !f.exec.Execute(agent, task, "Archie, add a hello file") {
		t.Fatalf("execute refused")
	}

	done := waitTerminal(t, f.store, task.ID)
	if done.Failed {
		t.Fatalf("task marked failed: %s", done.Summary)
	}
	if !strings.Contains(done.Summary, "abc1234") {
		t.Fatalf("summary = %q, want commit ref", done.Summary)
	}
	if done.ChangeRef != "abc1234" {
		t.Fatalf("change ref = %q, want abc1234", done.ChangeRef)
	}

	// Owner returns to the conversation after the terminal write.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if a, _ := f.reg.Get("archie"); a.Active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never reactivated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.voices.Drain(2 * time.Second)
	f.synth.mu.Lock()
	spoken := append([]string(nil), f.synth.spoken...)
	f.synth.mu.Unlock()
	if len(spoken) != 1 || !strings.Contains(spoken[0], "Archie") {
		t.Fatalf("spoken ack = %v", spoken)
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.responses) != 1 || f.sink.taskRefs[0] != task.ID {
		t.Fatalf("sink responses = %v refs = %v", f.sink.responses, f.sink.taskRefs)
	}
}

func TestExecute_ProseOutcomeCompletes(t *testing.T) {
	model := &fakeModel{fn: func(int, brain.Request) (string, error) {
		return "The dependency is already pinned; nothing to change.", nil
	}}
	f := newFixture(t, model)
	task := delegate(t, f, "check the dependency pin")

	agent, _ := f.reg.Get("archie")
	f.exec.Execute(agent, task, "Archie, check the dependency pin")

	done := waitTerminal(t, f.store, task.ID)
	if done.Failed {
		t.Fatalf("prose outcome should not fail, summary = %q", done.Summary)
	}
	if !strings.Contains(done.Summary, "already pinned") {
		t.Fatalf("summary = %q, want the answer", done.Summary)
	}
}

func TestExecute_CommitFailureStillTerminal(t *testing.T) {
	model := &fakeModel{fn: func(int, brain.Request) (string, error) { return directiveText, nil }}
	f := newFixtureRepo(t, model, brokenRepo{})
	task := delegate(t, f, "add a hello file")

	agent, _ := f.reg.Get("archie")
	f.exec.Execute(agent, task, "Archie, add a hello file")

	done := waitTerminal(t, f.store, task.ID)
	if !done.Failed {
		t.Fatalf("expected failed task, summary = %q", done.Summary)
	}
	if done.Summary != "repository change failed" {
		t.Fatalf("summary = %q, want repository change failed", done.Summary)
	}
	if done.ChangeRef != "" {
		t.Fatalf("change ref = %q, want empty after failed commit", done.ChangeRef)
	}
}

func TestExecute_DegradedGenerationFailsTask(t *testing.T) {
	model := &fakeModel{fn: func(int, brain.Request) (string, error) {
		return "", context.DeadlineExceeded
	}}
	f := newFixture(t, model)
	task := delegate(t, f, "doomed work")

	agent, _ := f.reg.Get("archie")
	f.exec.Execute(agent, task, "Archie, do the doomed work")

	done := waitTerminal(t, f.store, task.ID)
	if !done.Failed {
		t.Fatalf("expected failed task, summary = %q", done.Summary)
	}
	if a, _ := f.reg.Get("archie"); !a.Active {
		// Reactivation happens just after the terminal write; give it a tick.
		time.Sleep(50 * time.Millisecond)
		if a, _ := f.reg.Get("archie"); !a.Active {
			t.Fatalf("agent not reactivated after failure")
		}
	}
}

func TestExecute_PanicStillTerminal(t *testing.T) {
	model := &fakeModel{fn: func(int, brain.Request) (string, error) {
		panic("model exploded")
	}}
	f := newFixture(t, model)
	task := delegate(t, f, "panic work")

	agent, _ := f.reg.Get("archie")
	f.exec.Execute(agent, task, "Archie, panic")

	done := waitTerminal(t, f.store, task.ID)
	if !done.Failed || !strings.Contains(done.Summary, "internal error") {
		t.Fatalf("panic outcome = failed %v summary %q", done.Failed, done.Summary)
	}
}

func TestExecute_ReentrancyGuard(t *testing.T) {
	block := make(chan struct{})
	model := &fakeModel{fn: func(int, brain.Request) (string, error) {
		<-block
		return "done", nil
	}}
	f := newFixture(t, model)
	task := delegate(t, f, "slow work")

	agent, _ := f.reg.Get("archie")
	if !f.exec.Execute(agent, task, "go") {
		t.Fatalf("first execute refused")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !f.exec.Running(task.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("worker never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if f.exec.Execute(agent, task, "go again") {
		t.Fatalf("second execute should be refused while first is running")
	}
	close(block)
	waitTerminal(t, f.store, task.ID)
}

func TestDrain_WaitsForWorkers(t *testing.T) {
	release := make(chan struct{})
	model := &fakeModel{fn: func(int, brain.Request) (string, error) {
		<-release
		return "done", nil
	}}
	f := newFixture(t, model)
	task := delegate(t, f, "slow work")
	agent, _ := f.reg.Get("archie")
	f.exec.Execute(agent, task, "go")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	f.exec.Drain(5 * time.Second)
	if f.exec.ActiveCount() != 0 {
		t.Fatalf("active workers after drain = %d", f.exec.ActiveCount())
	}
}
