// Package executor runs delegated tasks off the live conversation queue.
// Each task gets one background worker that re-invokes the response
// generator with a work order scoped to the task, applies the resulting
// repository change, and always leaves the task terminal. The owning agent
// rejoins the conversation only after the terminal write.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/crewline/chorus/internal/brain"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/otel"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/shared"
	"github.com/crewline/chorus/internal/sink"
	"github.com/crewline/chorus/internal/voice"
)

const defaultTaskTimeout = 30 * time.Minute

// Config wires an Executor.
type Config struct {
	Generator *brain.Generator
	Store     *ledger.Store
	Roster    *roster.Registry
	Voice     *voice.Sequencer
	Sink      sink.Sink
	Logger    *slog.Logger
	// TaskTimeout bounds one background execution. Default 30 minutes.
	TaskTimeout time.Duration
}

// Executor owns the background task workers.
type Executor struct {
	gen     *brain.Generator
	store   *ledger.Store
	roster  *roster.Registry
	voice   *voice.Sequencer
	sink    sink.Sink
	logger  *slog.Logger
	timeout time.Duration

	metrics *otel.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	running map[string]struct{} // task IDs with a worker in flight
	wg      sync.WaitGroup
}

func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	return &Executor{
		gen:     cfg.Generator,
		store:   cfg.Store,
		roster:  cfg.Roster,
		voice:   cfg.Voice,
		sink:    cfg.Sink,
		logger:  cfg.Logger,
		timeout: cfg.TaskTimeout,
		running: make(map[string]struct{}),
	}
}

// SetObservability installs metrics and tracing.
func (e *Executor) SetObservability(m *otel.Metrics, tracer trace.Tracer) {
	e.metrics = m
	e.tracer = tracer
}

// Execute starts a background worker for the task. It returns false when a
// worker already owns the task ID, so a task never runs twice.
func (e *Executor) Execute(agent roster.Agent, task ledger.Task, originalMessage string) bool {
	e.mu.Lock()
	if _, dup := e.running[task.ID]; dup {
		e.mu.Unlock()
		return false
	}
	e.running[task.ID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, task.ID)
			e.mu.Unlock()
		}()
		e.run(agent, task, originalMessage)
	}()
	return true
}

// Running reports whether a worker currently owns the task ID.
func (e *Executor) Running(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[taskID]
	return ok
}

// ActiveCount returns the number of workers in flight.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Drain waits up to timeout for in-flight workers to finish. Tasks still
// running after the deadline are recovered as interrupted on next startup.
func (e *Executor) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("executor drained cleanly")
	case <-time.After(timeout):
		e.logger.Warn("executor drain timeout; in-flight tasks recovered on next startup", "timeout", timeout)
	}
}

func (e *Executor) run(agent roster.Agent, task ledger.Task, originalMessage string) {
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(context.Background(), traceID)
	ctx = shared.WithAgentID(ctx, agent.ID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, e.tracer, "executor.run",
			otel.AttrAgentID.String(agent.ID), otel.AttrTaskID.String(task.ID))
		defer span.End()
	}

	e.logger.Info("task execution started",
		"task_id", task.ID, "agent_id", agent.ID, "trace_id", traceID)

	if err := e.store.StartTask(ctx, task.ID); err != nil {
		e.logger.Warn("task start transition failed", "task_id", task.ID, "error", err)
	}

	summary, failed, resText, changeRef := e.work(ctx, agent, task, originalMessage)
	e.finish(agent, task, summary, failed, resText, changeRef)
}

// work produces the task outcome. Panics become failure summaries so the
// terminal write below always happens.
func (e *Executor) work(ctx context.Context, agent roster.Agent, task ledger.Task, originalMessage string) (summary string, failed bool, resText, changeRef string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task execution panic", "task_id", task.ID, "panic", r)
			summary, failed = fmt.Sprintf("internal error: %v", r), true
		}
	}()

	res, err := e.gen.Turn(ctx, brain.TurnRequest{
		Agent:         agent,
		Message:       originalMessage,
		TaskContext:   task.Description,
		WantDirective: true,
	})
	if err != nil {
		return fmt.Sprintf("aborted: %s", firstLine(err)), true, "", ""
	}
	if res.Branch != "" && e.roster != nil {
		e.roster.SetBranchRef(agent.ID, res.Branch)
	}

	switch {
	case res.ChangeRef != "":
		summary = "committed " + res.ChangeRef
		if res.Directive != nil && strings.TrimSpace(res.Directive.Message) != "" {
			summary = fmt.Sprintf("committed %s: %s", res.ChangeRef, strings.TrimSpace(res.Directive.Message))
		}
		return summary, false, res.Text, res.ChangeRef
	case res.Directive != nil:
		// Parsed a change but could not land it; Turn already appended the
		// reason to the visible text.
		return "repository change failed", true, res.Text, ""
	case res.Degraded:
		return "generation failed after retries", true, "", ""
	default:
		// Prose outcome: some tasks legitimately end in an answer, not a
		// commit. The answer is the summary.
		return truncate(res.Text, 140), false, res.Text, ""
	}
}

// finish writes the terminal status, returns the agent to the conversation,
// and reports the outcome. Terminal writes use a fresh context so an expired
// task budget cannot leave the task non-terminal.
func (e *Executor) finish(agent roster.Agent, task ledger.Task, summary string, failed bool, resText, changeRef string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if changeRef != "" {
		if err := e.store.AttachChangeRef(ctx, task.ID, changeRef); err != nil {
			e.logger.Warn("attach change ref failed", "task_id", task.ID, "error", err)
		}
	}
	if err := e.store.CompleteTask(ctx, task.ID, summary, failed); err != nil {
		e.logger.Error("terminal write failed", "task_id", task.ID, "error", err)
	}
	if e.metrics != nil {
		e.metrics.TasksCompleted.Add(ctx, 1)
	}

	reactivated := false
	if e.roster != nil {
		reactivated = e.roster.Reactivate(agent.ID)
	}
	e.logger.Info("task execution finished",
		"task_id", task.ID, "agent_id", agent.ID,
		"failed", failed, "change_ref", changeRef, "reactivated", reactivated)

	if e.sink != nil && strings.TrimSpace(resText) != "" {
		e.sink.OnResponse(agent.ID, resText, task.ID, changeRef)
	}
	if e.voice != nil {
		e.voice.Enqueue(agent.ID, e.spokenAck(agent, summary, failed))
	}
}

// spokenAck is the short completion line read aloud when the agent returns.
func (e *Executor) spokenAck(agent roster.Agent, summary string, failed bool) string {
	name := agent.DisplayName
	if name == "" {
		name = agent.ID
	}
	if failed {
		return fmt.Sprintf("%s here. I couldn't finish that one: %s.", name, strings.TrimSuffix(summary, "."))
	}
	return fmt.Sprintf("%s here. Done: %s.", name, strings.TrimSuffix(summary, "."))
}

func firstLine(err error) string {
	s := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary so multi-byte text never ends mid-sequence.
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
