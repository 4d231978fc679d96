// Package sink defines where finished conversation output goes. The
// orchestrator publishes through a Sink; adapters forward to the event bus
// (for the gateway and console), to the log, or to several sinks at once.
package sink

import (
	"log/slog"

	"github.com/crewline/chorus/internal/bus"
)

// Sink receives conversation output from the orchestrator.
type Sink interface {
	// OnResponse delivers an agent's visible reply. taskRef names the task
	// the reply spawned or resolved, changeRef a repository commit; either
	// may be empty.
	OnResponse(agentID, text, taskRef, changeRef string)

	// OnInterruption reports that an agent's playback was cut, and by whom.
	OnInterruption(interruptedAgentID, by string)

	// OnNotice reports an operator-visible notice. level is "warn" or
	// "error".
	OnNotice(level, text string)
}

// Bus publishes sink callbacks as conversation events.
type Bus struct {
	bus     *bus.Bus
	traceID func() string // may be nil
}

func NewBus(eventBus *bus.Bus) *Bus {
	return &Bus{bus: eventBus}
}

// SetTraceID installs a provider for the trace ID stamped on response events.
func (s *Bus) SetTraceID(fn func() string) { s.traceID = fn }

func (s *Bus) OnResponse(agentID, text, taskRef, changeRef string) {
	trace := ""
	if s.traceID != nil {
		trace = s.traceID()
	}
	s.bus.Publish(bus.TopicConversationResponse, bus.ResponseEvent{
		AgentID:   agentID,
		Text:      text,
		TaskID:    taskRef,
		ChangeRef: changeRef,
		TraceID:   trace,
	})
}

func (s *Bus) OnInterruption(interruptedAgentID, by string) {
	s.bus.Publish(bus.TopicVoiceInterrupted, bus.InterruptionEvent{
		AgentID: interruptedAgentID,
		By:      by,
	})
}

func (s *Bus) OnNotice(level, text string) {
	s.bus.Publish(bus.TopicConversationNotice, bus.NoticeEvent{
		Level:   level,
		Message: text,
	})
}

// Log writes sink callbacks to the structured log. Used headless and as a
// safety net behind the gateway sink.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (s *Log) OnResponse(agentID, text, taskRef, changeRef string) {
	s.logger.Info("agent response",
		"agent_id", agentID,
		"task_id", taskRef,
		"change_ref", changeRef,
		"chars", len(text),
	)
}

func (s *Log) OnInterruption(interruptedAgentID, by string) {
	s.logger.Info("playback interrupted", "agent_id", interruptedAgentID, "by", by)
}

func (s *Log) OnNotice(level, text string) {
	if level == "error" {
		s.logger.Error("conversation notice", "message", text)
		return
	}
	s.logger.Warn("conversation notice", "message", text)
}

// Multi fans out each callback to every child sink in order.
type Multi []Sink

func (m Multi) OnResponse(agentID, text, taskRef, changeRef string) {
	for _, s := range m {
		s.OnResponse(agentID, text, taskRef, changeRef)
	}
}

func (m Multi) OnInterruption(interruptedAgentID, by string) {
	for _, s := range m {
		s.OnInterruption(interruptedAgentID, by)
	}
}

func (m Multi) OnNotice(level, text string) {
	for _, s := range m {
		s.OnNotice(level, text)
	}
}
