// Package orchestrator owns the conversation: a serial inbound message
// queue, responder selection, parallel response fan-out, and task
// delegation. Exactly one message is in flight at any instant; within that
// message every responder generates concurrently. The orchestrator is the
// only writer of the participant registry and the only reader of the
// inbound queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewline/chorus/internal/brain"
	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/executor"
	"github.com/crewline/chorus/internal/intent"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/otel"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/shared"
	"github.com/crewline/chorus/internal/sink"
	"github.com/crewline/chorus/internal/voice"
)

// Config wires an Orchestrator.
type Config struct {
	Bus       *bus.Bus
	Roster    *roster.Registry
	Ledger    *ledger.Store
	Generator *brain.Generator
	Voice     *voice.Sequencer
	Executor  *executor.Executor
	Intent    intent.Classifier // may be nil; no message then reads as a task
	Sink      sink.Sink
	Logger    *slog.Logger
	// UserName is how the human is referred to in prompts and events.
	UserName string
}

type message struct {
	id   string
	text string
}

// Orchestrator drives the conversation.
type Orchestrator struct {
	bus      *bus.Bus
	roster   *roster.Registry
	ledger   *ledger.Store
	gen      *brain.Generator
	voice    *voice.Sequencer
	executor *executor.Executor
	intent   intent.Classifier
	sink     sink.Sink
	logger   *slog.Logger
	userName string

	metrics *otel.Metrics
	tracer  trace.Tracer

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	queue    []message
	draining bool
	idleCh   chan struct{} // non-nil while busy; closed on idle
	curTrace string        // trace of the dispatch in flight; "" when idle
}

func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserName == "" {
		cfg.UserName = shared.DefaultUserName
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		bus:        cfg.Bus,
		roster:     cfg.Roster,
		ledger:     cfg.Ledger,
		gen:        cfg.Generator,
		voice:      cfg.Voice,
		executor:   cfg.Executor,
		intent:     cfg.Intent,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		userName:   cfg.UserName,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// SetObservability installs metrics and tracing.
func (o *Orchestrator) SetObservability(m *otel.Metrics, tracer trace.Tracer) {
	o.metrics = m
	o.tracer = tracer
}

// CurrentTraceID reports the trace of the dispatch turn in flight, or ""
// when the queue is idle. The bus sink uses it to stamp response events.
func (o *Orchestrator) CurrentTraceID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.curTrace
}

// SubmitUserMessage appends the utterance to the inbound queue and starts a
// drain if none is running. It returns the assigned message ID.
func (o *Orchestrator) SubmitUserMessage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("message text must be non-empty")
	}
	id := uuid.NewString()

	o.mu.Lock()
	o.queue = append(o.queue, message{id: id, text: text})
	start := !o.draining
	if start {
		o.draining = true
	}
	if o.idleCh == nil {
		o.idleCh = make(chan struct{})
	}
	o.mu.Unlock()

	o.publish(bus.TopicConversationMessage, bus.MessageEvent{
		MessageID: id, Author: "user", Text: text,
	})
	o.logger.Info("message accepted", "message_id", id, "chars", len(text))

	if start {
		o.wg.Add(1)
		go o.drain()
	}
	return id, nil
}

// InterruptAll is the barge-in primitive: it silences every agent
// immediately. Called on any detected user speech, even partial transcripts.
// Returns the IDs of the agents whose playback was cut.
func (o *Orchestrator) InterruptAll() []string {
	cut := o.voice.InterruptAll()
	for _, agentID := range cut {
		o.logger.Info("playback interrupted", "agent_id", agentID, "by", o.userName)
		if o.sink != nil {
			o.sink.OnInterruption(agentID, o.userName)
		}
	}
	return cut
}

// AddAgent registers a new participant. New agents join active.
func (o *Orchestrator) AddAgent(a roster.Agent) error {
	if err := o.roster.Add(a); err != nil {
		return err
	}
	o.logger.Info("agent added", "agent_id", a.ID, "display_name", a.DisplayName)
	return nil
}

// RemoveAgent drops a participant from the conversation entirely.
func (o *Orchestrator) RemoveAgent(agentID string) (roster.Agent, error) {
	removed, err := o.roster.Remove(agentID)
	if err != nil {
		return roster.Agent{}, err
	}
	o.logger.Info("agent removed", "agent_id", agentID)
	return removed, nil
}

// Agents returns a snapshot of every participant.
func (o *Orchestrator) Agents() []roster.Agent {
	return o.roster.List()
}

// Clear flushes all not-yet-dispatched messages and silences playback. The
// message currently in flight finishes normally. Returns the number of
// flushed messages.
func (o *Orchestrator) Clear() int {
	o.mu.Lock()
	dropped := len(o.queue)
	o.queue = nil
	o.mu.Unlock()

	o.InterruptAll()
	if dropped > 0 {
		o.logger.Info("inbound queue cleared", "dropped", dropped)
	}
	return dropped
}

// QueueDepth returns the number of messages waiting behind the one in flight.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// WaitIdle blocks until the inbound queue is empty and no drain is running,
// or ctx expires. The wait is event-driven; no polling.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	if !o.draining && len(o.queue) == 0 {
		o.mu.Unlock()
		return nil
	}
	ch := o.idleCh
	o.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Drain waits up to timeout for the in-flight dispatch to settle, then
// cancels whatever is left. Used during shutdown.
func (o *Orchestrator) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator drained cleanly")
	case <-time.After(timeout):
		o.logger.Warn("orchestrator drain timeout; cancelling in-flight dispatch", "timeout", timeout)
		o.rootCancel()
	}
}

// drain pops messages one at a time until the queue empties. Only one drain
// runs at a time; the serialization point for the whole conversation.
func (o *Orchestrator) drain() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.draining = false
			if o.idleCh != nil {
				close(o.idleCh)
				o.idleCh = nil
			}
			o.mu.Unlock()
			return
		}
		msg := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.dispatch(msg)
	}
}

// dispatch handles one message end to end: responder selection, parallel
// fan-out, and waiting for every responder before returning.
func (o *Orchestrator) dispatch(msg message) {
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(o.rootCtx, traceID)
	o.mu.Lock()
	o.curTrace = traceID
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.curTrace = ""
		o.mu.Unlock()
	}()
	if o.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, o.tracer, "orchestrator.dispatch",
			otel.AttrMessageID.String(msg.id))
		defer span.End()
	}
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	responders, addressed, proceed := o.responders(ctx, msg)
	if !proceed {
		return
	}
	if len(responders) == 0 {
		o.logger.Warn("no agents available", "message_id", msg.id)
		return
	}
	if o.metrics != nil {
		o.metrics.FanOutWidth.Record(ctx, int64(len(responders)))
	}
	o.logger.Info("dispatching message",
		"message_id", msg.id, "trace_id", traceID,
		"responders", len(responders), "addressed", addressed)

	participants := o.participantNames()

	// Generations outlive a barge-in: the fan-out pins this epoch so any
	// text finished after InterruptAll reaches the sink but is not spoken.
	epoch := o.voice.Epoch()

	var wg sync.WaitGroup
	for _, agent := range responders {
		wg.Add(1)
		go func(a roster.Agent) {
			defer wg.Done()
			o.respond(ctx, a, msg, participants, addressed, epoch)
		}(agent)
	}
	wg.Wait()
}

// responders computes who answers this message. Addressing an agent by
// display name narrows the set to that agent alone; addressing a busy agent
// drops the message for this dispatch. An empty broadcast set wakes every
// agent without an open task, then recomputes.
func (o *Orchestrator) responders(ctx context.Context, msg message) (set []roster.Agent, addressed, proceed bool) {
	if a, found := o.roster.Addressed(msg.text); found {
		if !a.Active {
			reason := "agent inactive"
			if a.Busy() {
				reason = "agent busy with task " + a.TaskID
			}
			o.logger.Info("message dropped",
				"message_id", msg.id, "agent_id", a.ID, "reason", reason)
			o.publish(bus.TopicConversationDropped, bus.DroppedEvent{
				AgentID: a.ID, MessageID: msg.id, Reason: reason,
			})
			if o.metrics != nil {
				o.metrics.MessagesDropped.Add(ctx, 1)
			}
			return nil, true, false
		}
		return []roster.Agent{a}, true, true
	}

	active := o.roster.ActiveAgents()
	if len(active) == 0 {
		if woken := o.roster.ReactivateIdle(); len(woken) > 0 {
			o.logger.Info("reactivated idle agents for empty responder set", "count", len(woken))
		}
		active = o.roster.ActiveAgents()
	}
	return active, false, true
}

// respond runs one agent's side of the turn. Addressed messages that read as
// work orders go down the delegation path; everything else is a plain reply.
func (o *Orchestrator) respond(ctx context.Context, agent roster.Agent, msg message, participants []string, addressed bool, epoch uint64) {
	if addressed && o.intent != nil && o.intent.TaskIntent(msg.text) {
		if o.delegate(ctx, agent, msg, participants, epoch) {
			return
		}
	}

	res, err := o.gen.Turn(ctx, brain.TurnRequest{
		Agent:        agent,
		Message:      msg.text,
		Participants: participants,
	})
	if err != nil {
		o.logger.Warn("turn aborted", "agent_id", agent.ID, "error", err)
		return
	}
	o.deliver(agent, res, "", epoch)
}

// delegate runs the task path for an addressed work order: acknowledgment
// turn, ledger entry, then either the synchronous fast path or background
// hand-off. Returns false to fall back to a plain reply.
func (o *Orchestrator) delegate(ctx context.Context, agent roster.Agent, msg message, participants []string, epoch uint64) bool {
	// An open task wins; this dispatch is skipped for the agent. Active
	// agents normally have no open task, so this only fires on recovery
	// races.
	existing, err := o.ledger.ActiveTaskForAgent(ctx, agent.ID)
	if err != nil {
		o.logger.Error("task lookup failed", "agent_id", agent.ID, "error", err)
		return false
	}
	if existing != nil {
		o.skipConflicted(ctx, agent, msg, existing.ID)
		return true
	}

	// The acknowledgment turn runs first so the user always hears a reply
	// to a work order.
	res, err := o.gen.Turn(ctx, brain.TurnRequest{
		Agent:        agent,
		Message:      msg.text,
		Participants: participants,
	})
	if err != nil {
		o.logger.Warn("acknowledgment turn aborted", "agent_id", agent.ID, "error", err)
		return true
	}

	task, err := o.ledger.CreateTask(ctx, agent.ID, msg.text)
	if err != nil {
		if errors.Is(err, ledger.ErrTaskActive) {
			o.skipConflicted(ctx, agent, msg, "")
			return true
		}
		o.logger.Error("task creation failed", "agent_id", agent.ID, "error", err)
		o.deliver(agent, res, "", epoch)
		return true
	}

	// Fast path: the acknowledgment already carries the whole change, so
	// the task completes in this turn and the agent never leaves the
	// conversation.
	if agent.AutoComplete && res.ChangeRef != "" {
		summary := "committed " + res.ChangeRef
		if res.Directive != nil && strings.TrimSpace(res.Directive.Message) != "" {
			summary = fmt.Sprintf("committed %s: %s", res.ChangeRef, strings.TrimSpace(res.Directive.Message))
		}
		if err := o.ledger.AttachChangeRef(ctx, task.ID, res.ChangeRef); err != nil {
			o.logger.Warn("attach change ref failed", "task_id", task.ID, "error", err)
		}
		if err := o.ledger.CompleteTask(ctx, task.ID, summary, false); err != nil {
			o.logger.Error("synchronous completion failed", "task_id", task.ID, "error", err)
		}
		if o.metrics != nil {
			o.metrics.TasksCompleted.Add(ctx, 1)
		}
		o.logger.Info("task auto-completed",
			"task_id", task.ID, "agent_id", agent.ID, "change_ref", res.ChangeRef)
		o.deliver(agent, res, task.ID, epoch)
		return true
	}

	// The acknowledgment is enqueued before the agent goes inactive, so it
	// is spoken no matter how fast the background work finishes.
	o.deliver(agent, res, task.ID, epoch)
	if err := o.roster.Deactivate(agent.ID, task.ID); err != nil {
		o.logger.Error("deactivation failed", "agent_id", agent.ID, "error", err)
	}
	if !o.executor.Execute(agent, task, msg.text) {
		o.logger.Warn("executor already owns task", "task_id", task.ID)
	}
	return true
}

// skipConflicted records a dispatch skipped because the agent already owns
// an open task.
func (o *Orchestrator) skipConflicted(ctx context.Context, agent roster.Agent, msg message, taskID string) {
	o.logger.Info("dispatch skipped; agent already owns an open task",
		"agent_id", agent.ID, "task_id", taskID, "message_id", msg.id)
	o.publish(bus.TopicConversationDropped, bus.DroppedEvent{
		AgentID: agent.ID, MessageID: msg.id, Reason: "task already active",
	})
	if o.metrics != nil {
		o.metrics.MessagesDropped.Add(ctx, 1)
	}
}

// deliver routes a finished response: branch handle recorded, speech
// enqueued under the turn's epoch, then the sink notified. After a barge-in
// mid-turn the enqueue is rejected and only the sink sees the text.
func (o *Orchestrator) deliver(agent roster.Agent, res brain.Result, taskID string, epoch uint64) {
	if res.Branch != "" {
		o.roster.SetBranchRef(agent.ID, res.Branch)
	}
	o.voice.EnqueueAt(agent.ID, res.Text, epoch)
	if o.sink != nil {
		o.sink.OnResponse(agent.ID, res.Text, taskID, res.ChangeRef)
	}
}

// participantNames lists everyone currently in the conversation, the user
// first.
func (o *Orchestrator) participantNames() []string {
	agents := o.roster.ActiveAgents()
	names := make([]string, 0, len(agents)+1)
	names = append(names, o.userName)
	for _, a := range agents {
		names = append(names, a.DisplayName)
	}
	return names
}

func (o *Orchestrator) publish(topic string, payload interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, payload)
}
