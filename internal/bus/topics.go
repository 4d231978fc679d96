package bus

// Conversation event topics.
const (
	TopicConversationMessage  = "conversation.message"
	TopicConversationResponse = "conversation.response"
	TopicConversationDropped  = "conversation.dropped"
	TopicConversationNotice   = "conversation.notice"
)

// Voice playback event topics.
const (
	TopicVoiceStarted     = "voice.started"
	TopicVoiceFinished    = "voice.finished"
	TopicVoiceFailed      = "voice.failed"
	TopicVoiceInterrupted = "voice.interrupted"
)

// Task ledger event topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
)

// Agent lifecycle topics.
const (
	TopicAgentAdded       = "agent.added"
	TopicAgentRemoved     = "agent.removed"
	TopicAgentActivated   = "agent.activated"
	TopicAgentDeactivated = "agent.deactivated"
)

// TopicConfigReloaded fires after a successful hot-reload of config.yaml.
const TopicConfigReloaded = "config.reloaded"

// MessageEvent is published when an inbound utterance is accepted onto the queue.
type MessageEvent struct {
	MessageID string
	Author    string // "user" or "agent"
	Text      string
}

// ResponseEvent is published when an agent's response is delivered to the sink.
type ResponseEvent struct {
	AgentID   string
	Text      string
	TaskID    string // non-empty when the response spawned or resolved a task
	ChangeRef string // non-empty when the response carried a repository commit
	TraceID   string
}

// DroppedEvent is published when a name-addressed message is skipped because
// the target agent is inactive or task-busy.
type DroppedEvent struct {
	AgentID   string
	MessageID string
	Reason    string
}

// NoticeEvent carries an operator-visible notice (e.g. missing capability).
type NoticeEvent struct {
	Level   string // "warn" or "error"
	Message string
}

// PlaybackEvent is published on voice.started / voice.finished / voice.failed.
type PlaybackEvent struct {
	AgentID string
	Text    string
	Err     string // non-empty on voice.failed
}

// InterruptionEvent is published per interrupted agent on voice.interrupted.
type InterruptionEvent struct {
	AgentID string // the agent whose playback was cut
	By      string // who barged in ("user" unless an agent is named)
}

// TaskStateChangedEvent is published when a ledger task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	AgentID   string
	OldStatus string
	NewStatus string
}

// TaskCompletedEvent is published once a task reaches its terminal status.
// Failed carries the success/failure distinction; the status itself is
// always "completed".
type TaskCompletedEvent struct {
	TaskID  string
	AgentID string
	Summary string
	Failed  bool
}

// AgentEvent is published on agent lifecycle topics.
type AgentEvent struct {
	AgentID     string
	DisplayName string
}
