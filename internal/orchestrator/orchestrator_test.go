package orchestrator_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/chorus/internal/brain"
	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/executor"
	"github.com/crewline/chorus/internal/intent"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/orchestrator"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/voice"
)

const directiveText = "On it.\n```json\n" +
	`{"action": "commit", "message": "add hello", "files": [{"path": "hello.txt", "content": "Hello World", "operation": "create"}]}` +
	"\n```"

// scriptedModel answers per call, optionally distinguishing work-order calls
// (background, directive-seeking) from conversational ones.
type scriptedModel struct {
	mu sync.Mutex
	fn func(req brain.Request) (string, error)
}

func (m *scriptedModel) Generate(ctx context.Context, req brain.Request) (string, error) {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	return fn(req)
}

func (m *scriptedModel) GenerateStream(ctx context.Context, req brain.Request, onChunk func(string) error) error {
	text, err := m.Generate(ctx, req)
	if err != nil {
		return err
	}
	return onChunk(text)
}

// workOrder reports whether the request came from the background executor.
func workOrder(req brain.Request) bool {
	return strings.Contains(req.System, "work order")
}

type fakeRepo struct{}

func (fakeRepo) EnsureBranch(ctx context.Context, agentID string) (string, error) {
	return "chorus/" + agentID, nil
}

func (fakeRepo) Commit(ctx context.Context, branchRef string, d *directive.Directive) (string, error) {
	return "abc1234", nil
}

type recordedResponse struct {
	agentID   string
	text      string
	taskRef   string
	changeRef string
}

type recordingSink struct {
	mu            sync.Mutex
	responses     []recordedResponse
	interruptions []string
}

func (s *recordingSink) OnResponse(agentID, text, taskRef, changeRef string) {
	s.mu.Lock()
	s.responses = append(s.responses, recordedResponse{agentID, text, taskRef, changeRef})
	s.mu.Unlock()
}

func (s *recordingSink) OnInterruption(interruptedAgentID, by string) {
	s.mu.Lock()
	s.interruptions = append(s.interruptions, interruptedAgentID)
	s.mu.Unlock()
}

func (s *recordingSink) OnNotice(level, text string) {}

func (s *recordingSink) byAgent() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, r := range s.responses {
		out[r.agentID]++
	}
	return out
}

type recordingSynth struct {
	mu     sync.Mutex
	byLane map[string][]string
}

func (r *recordingSynth) Speak(ctx context.Context, text, voiceProfile string) error {
	r.mu.Lock()
	if r.byLane == nil {
		r.byLane = make(map[string][]string)
	}
	r.byLane[voiceProfile] = append(r.byLane[voiceProfile], text)
	r.mu.Unlock()
	return nil
}
func (r *recordingSynth) Stop() {}

type fixture struct {
	orch  *orchestrator.Orchestrator
	store *ledger.Store
	reg   *roster.Registry
	bus   *bus.Bus
	sink  *recordingSink
	seq   *voice.Sequencer
	synth *recordingSynth
}

// newFixture wires a full orchestrator around the scripted model with agents
// Alex and Sam. The intent classifier fires on "create" and "implement".
func newFixture(t *testing.T, model brain.Model, agents ...roster.Agent) *fixture {
	t.Helper()
	eventBus := bus.New()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "chorus.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	parser, err := directive.NewParser()
	if err != nil {
		t.Fatalf("new parser: %v", err)
	}
	gen := brain.NewGenerator(model, parser, fakeRepo{}, nil, brain.GeneratorConfig{RetryBase: time.Millisecond})

	reg := roster.New(eventBus)
	if len(agents) == 0 {
		agents = []roster.Agent{
			{ID: "alex", DisplayName: "Alex"},
			{ID: "sam", DisplayName: "Sam"},
		}
	}
	for _, a := range agents {
		if err := reg.Add(a); err != nil {
			t.Fatalf("add agent %s: %v", a.ID, err)
		}
	}

	synth := &recordingSynth{}
	seq := voice.NewSequencer(voice.Config{
		Synth:   synth,
		Profile: func(agentID string) string { return agentID },
		Bus:     eventBus,
	})
	snk := &recordingSink{}

	exec := executor.New(executor.Config{
		Generator:   gen,
		Store:       store,
		Roster:      reg,
		Voice:       seq,
		Sink:        snk,
		TaskTimeout: 5 * time.Second,
	})

	orch := orchestrator.New(orchestrator.Config{
		Bus:       eventBus,
		Roster:    reg,
		Ledger:    store,
		Generator: gen,
		Voice:     seq,
		Executor:  exec,
		Intent:    intent.NewKeywords([]string{"create", "implement"}),
		Sink:      snk,
	})

	return &fixture{orch: orch, store: store, reg: reg, bus: eventBus, sink: snk, seq: seq, synth: synth}
}

func submitAndWait(t *testing.T, f *fixture, text string) {
	t.Helper()
	if _, err := f.orch.SubmitUserMessage(context.Background(), text); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
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
			t.Fatalf("task %s stuck in %s", taskID, task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitActive(t *testing.T, reg *roster.Registry, agentID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if a, ok := reg.Get(agentID); ok && a.Active == want {
			return
		}
		if time.Now().After(deadline) {
			a, _ := reg.Get(agentID)
			t.Fatalf("agent %s active = %v, want %v", agentID, a.Active, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmit_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, &scriptedModel{fn: func(brain.Request) (string, error) { return "hi", nil }})
	if _, err := f.orch.SubmitUserMessage(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank message")
	}
}

func TestDispatch_SerialOrdering(t *testing.T) {
	var mu sync.Mutex
	var events []string
	model := &scriptedModel{fn: func(req brain.Request) (string, error) {
		mu.Lock()
		events = append(events, "start")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		events = append(events, "end")
		mu.Unlock()
		return "ok", nil
	}}
	f := newFixture(t, model, roster.Agent{ID: "alex", DisplayName: "Alex"})

	for i := 0; i < 3; i++ {
		if _, err := f.orch.SubmitUserMessage(context.Background(), "hello there"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 6 {
		t.Fatalf("events = %v, want 3 start/end pairs", events)
	}
	for i, ev := range events {
		want := "start"
		if i%2 == 1 {
			want = "end"
		}
		if ev != want {
			t.Fatalf("turn overlap: events = %v", events)
		}
	}
}

func TestDispatch_AddressingRoutesToOneAgent(t *testing.T) {
	model := &scriptedModel{fn: func(brain.Request) (string, error) { return "sure thing", nil }}
	f := newFixture(t, model)

	submitAndWait(t, f, "Alex, what do you think about the cache?")

	counts := f.sink.byAgent()
	if counts["alex"] != 1 || counts["sam"] != 0 {
		t.Fatalf("responses by agent = %v, want alex only", counts)
	}
}

func TestDispatch_BroadcastFansOutToAllActive(t *testing.T) {
	model := &scriptedModel{fn: func(brain.Request) (string, error) { return "hello!", nil }}
	f := newFixture(t, model)

	submitAndWait(t, f, "Hey team")
	f.seq.Drain(2 * time.Second)

	counts := f.sink.byAgent()
	if counts["alex"] != 1 || counts["sam"] != 1 {
		t.Fatalf("responses by agent = %v, want one each", counts)
	}

	// Each response is enqueued to its own voice lane.
	f.synth.mu.Lock()
	defer f.synth.mu.Unlock()
	if len(f.synth.byLane["alex"]) != 1 || len(f.synth.byLane["sam"]) != 1 {
		t.Fatalf("voice lanes = %v, want one item each", f.synth.byLane)
	}
}

func TestDispatch_BusyAgentExcludedFromBroadcast(t *testing.T) {
	model := &scriptedModel{fn: func(brain.Request) (string, error) { return "here", nil }}
	f := newFixture(t, model)

	task, err := f.store.CreateTask(context.Background(), "sam", "long job")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.reg.Deactivate("sam", task.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	submitAndWait(t, f, "how is everyone doing")
	counts := f.sink.byAgent()
	if counts["alex"] != 1 || counts["sam"] != 0 {
		t.Fatalf("responses = %v, want alex only while sam is busy", counts)
	}

	// Completion returns the agent to the responder set exactly once.
	if err := f.store.CompleteTask(context.Background(), task.ID, "done", false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !f.reg.Reactivate("sam") {
		t.Fatalf("reactivate returned false")
	}
	if f.reg.Reactivate("sam") {
		t.Fatalf("second reactivation should be a no-op")
	}

	submitAndWait(t, f, "and now?")
	counts = f.sink.byAgent()
	if counts["alex"] != 2 || counts["sam"] != 1 {
		t.Fatalf("responses after completion = %v", counts)
	}
}

func TestDispatch_AddressedBusyAgentDropsMessage(t *testing.T) {
	model := &scriptedModel{fn: func(brain.Request) (string, error) { return "here", nil }}
	f := newFixture(t, model)
	sub := f.bus.Subscribe(bus.TopicConversationDropped)
	defer f.bus.Unsubscribe(sub)

	task, err := f.store.CreateTask(context.Background(), "sam", "long job")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := f.reg.Deactivate("sam", task.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	submitAndWait(t, f, "Sam, are you there?")

	if counts := f.sink.byAgent(); len(counts) != 0 {
		t.Fatalf("responses = %v, want none", counts)
	}
	select {
	case ev := <-sub.Ch():
		dropped := ev.Payload.(bus.DroppedEvent)
		if dropped.AgentID != "sam" {
			t.Fatalf("dropped = %+v", dropped)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no dropped event published")
	}
}

func TestDispatch_EmptyResponderSetReactivatesIdle(t *testing.T) {
	model := &scriptedModel{fn: func(brain.Request) (string, error) { return "back", nil }}
	f := newFixture(t, model)

	// Idle-inactive agents: excluded but owning no task.
	if err := f.reg.Deactivate("alex", ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := f.reg.Deactivate("sam", ""); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	submitAndWait(t, f, "anyone home?")

	counts := f.sink.byAgent()
	if counts["alex"] != 1 || counts["sam"] != 1 {
		t.Fatalf("responses = %v, want both after reactivation", counts)
	}
}

func TestDispatch_TaskLifecycle(t *testing.T) {
	release := make(chan struct{})
	model := &scriptedModel{fn: func(req brain.Request) (string, error) {
		if workOrder(req) {
			<-release
			return directiveText, nil
		}
		return "On it, boss.", nil
	}}
	f := newFixture(t, model)

	submitAndWait(t, f, "Alex, create hello.txt with contents Hello World.")

	// The acknowledgment is delivered and the agent is out of the
	// conversation while the background work runs.
	counts := f.sink.byAgent()
	if counts["alex"] != 1 {
		t.Fatalf("responses = %v, want the acknowledgment", counts)
	}
	a, _ := f.reg.Get("alex")
	if a.Active || a.TaskID == "" {
		t.Fatalf("agent during task = %+v, want inactive with task", a)
	}
	taskID := a.TaskID
	task, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != ledger.StatusPending && task.Status != ledger.StatusRunning {
		t.Fatalf("mid-flight status = %s", task.Status)
	}

	close(release)
	done := waitTerminal(t, f.store, taskID)
	if done.Failed {
		t.Fatalf("task failed: %s", done.Summary)
	}
	if done.ChangeRef != "abc1234" {
		t.Fatalf("change ref = %q", done.ChangeRef)
	}
	waitActive(t, f.reg, "alex", true)

	// Status history is exactly pending -> running -> completed.
	events, err := f.store.ListEvents(context.Background(), taskID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var transitions []string
	for _, ev := range events {
		switch ev.EventType {
		case "task.created", "task.started", "task.completed":
			transitions = append(transitions, string(ev.StateTo))
		}
	}
	want := []string{"pending", "running", "completed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestDispatch_AutoCompleteFastPath(t *testing.T) {
	model := &scriptedModel{fn: func(req brain.Request) (string, error) {
		if workOrder(req) {
			t.Errorf("fast path must not reach the background executor")
		}
		return directiveText, nil
	}}
	f := newFixture(t, model,
		roster.Agent{ID: "piper", DisplayName: "Piper", AutoComplete: true},
	)

	submitAndWait(t, f, "Piper, create hello.txt with contents Hello World.")

	a, _ := f.reg.Get("piper")
	if !a.Active {
		t.Fatalf("auto-complete agent should stay active")
	}

	tasks, err := f.store.ListTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if !task.Terminal() || task.Failed {
		t.Fatalf("task = %+v, want synchronous completed", task)
	}
	if task.ChangeRef != "abc1234" {
		t.Fatalf("change ref = %q", task.ChangeRef)
	}

	// No running phase for the fast path.
	events, err := f.store.ListEvents(context.Background(), task.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range events {
		if ev.EventType == "task.started" {
			t.Fatalf("fast path recorded a running phase")
		}
	}
}

func TestClear_FlushesPendingMessages(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	var mu sync.Mutex
	model := &scriptedModel{fn: func(brain.Request) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return "slow", nil
	}}
	f := newFixture(t, model, roster.Agent{ID: "alex", DisplayName: "Alex"})

	if _, err := f.orch.SubmitUserMessage(context.Background(), "first"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Wait for the first dispatch to reach the model.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dispatch never reached the model")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.orch.SubmitUserMessage(context.Background(), "second"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.orch.SubmitUserMessage(context.Background(), "third"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if dropped := f.orch.Clear(); dropped != 2 {
		t.Fatalf("cleared = %d, want 2", dropped)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("model calls = %d, want only the in-flight message", calls)
	}
}

func TestInterruptAll_NotifiesSinkPerAgent(t *testing.T) {
	release := make(chan struct{})
	blockingSynth := &blockSynth{release: release}
	f := newFixture(t, &scriptedModel{fn: func(brain.Request) (string, error) { return "talking", nil }})

	// Swap in a sequencer whose playback blocks so the interrupt has
	// something to cut.
	seq := voice.NewSequencer(voice.Config{Synth: blockingSynth})
	orch := orchestrator.New(orchestrator.Config{
		Roster: f.reg,
		Ledger: f.store,
		Voice:  seq,
		Sink:   f.sink,
	})

	seq.Enqueue("alex", "a very long story")
	deadline := time.Now().Add(2 * time.Second)
	for len(seq.Playing()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("playback never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	orch.InterruptAll()
	close(release)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.interruptions) != 1 || f.sink.interruptions[0] != "alex" {
		t.Fatalf("interruptions = %v, want [alex]", f.sink.interruptions)
	}
}

func TestInterruptAll_InFlightGenerationSinkOnly(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	model := &scriptedModel{fn: func(brain.Request) (string, error) {
		close(started)
		<-release
		return "finished after the barge-in", nil
	}}
	f := newFixture(t, model, roster.Agent{ID: "sam", DisplayName: "Sam"})

	if _, err := f.orch.SubmitUserMessage(context.Background(), "how is the refactor going"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("generation never started")
	}

	// Barge in while the model is still thinking, then let it finish.
	f.orch.InterruptAll()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	f.sink.mu.Lock()
	responses := append([]recordedResponse(nil), f.sink.responses...)
	f.sink.mu.Unlock()
	if len(responses) != 1 || responses[0].agentID != "sam" || responses[0].text != "finished after the barge-in" {
		t.Fatalf("sink responses = %+v, want sam's late text", responses)
	}

	f.synth.mu.Lock()
	defer f.synth.mu.Unlock()
	if len(f.synth.byLane) != 0 {
		t.Fatalf("voice lanes = %v, want nothing spoken after barge-in", f.synth.byLane)
	}
}

func TestCurrentTraceID_SetOnlyWhileDispatching(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	model := &scriptedModel{fn: func(brain.Request) (string, error) {
		close(started)
		<-release
		return "here", nil
	}}
	f := newFixture(t, model, roster.Agent{ID: "sam", DisplayName: "Sam"})

	if got := f.orch.CurrentTraceID(); got != "" {
		t.Fatalf("trace before any dispatch = %q, want empty", got)
	}
	if _, err := f.orch.SubmitUserMessage(context.Background(), "hello there"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("generation never started")
	}
	if f.orch.CurrentTraceID() == "" {
		t.Fatalf("trace during dispatch is empty")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if got := f.orch.CurrentTraceID(); got != "" {
		t.Fatalf("trace after idle = %q, want empty", got)
	}
}

type blockSynth struct {
	release chan struct{}
}

func (b *blockSynth) Speak(ctx context.Context, text, voiceProfile string) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (b *blockSynth) Stop() {}
