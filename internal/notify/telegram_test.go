package notify

import (
	"strings"
	"testing"

	"github.com/crewline/chorus/internal/bus"
)

func TestFormatTaskEvent_Created(t *testing.T) {
	got := FormatTaskEvent(bus.Event{
		Topic: bus.TopicTaskCreated,
		Payload: bus.TaskStateChangedEvent{
			TaskID:    "0a1b2c3d-4e5f-6789-abcd-ef0123456789",
			AgentID:   "alex",
			NewStatus: "pending",
		},
	})
	if !strings.Contains(got, "0a1b2c3d") {
		t.Fatalf("notification %q missing short task id", got)
	}
	if !strings.Contains(got, "alex") {
		t.Fatalf("notification %q missing agent id", got)
	}
}

func TestFormatTaskEvent_CompletedSuccess(t *testing.T) {
	got := FormatTaskEvent(bus.Event{
		Topic: bus.TopicTaskCompleted,
		Payload: bus.TaskCompletedEvent{
			TaskID:  "feedbeef-0000-0000-0000-000000000000",
			AgentID: "sam",
			Summary: "committed abc1234",
		},
	})
	if !strings.Contains(got, "done") {
		t.Fatalf("success notification %q should say done", got)
	}
	if !strings.Contains(got, "committed abc1234") {
		t.Fatalf("notification %q missing summary", got)
	}
}

func TestFormatTaskEvent_CompletedFailure(t *testing.T) {
	got := FormatTaskEvent(bus.Event{
		Topic: bus.TopicTaskCompleted,
		Payload: bus.TaskCompletedEvent{
			TaskID:  "feedbeef-0000-0000-0000-000000000000",
			AgentID: "sam",
			Summary: "aborted: provider timeout",
			Failed:  true,
		},
	})
	if !strings.Contains(got, "failed") {
		t.Fatalf("failure notification %q should say failed", got)
	}
}

func TestFormatTaskEvent_IgnoresStateChanges(t *testing.T) {
	got := FormatTaskEvent(bus.Event{
		Topic: bus.TopicTaskStateChanged,
		Payload: bus.TaskStateChangedEvent{
			TaskID: "x", AgentID: "alex", OldStatus: "pending", NewStatus: "running",
		},
	})
	if got != "" {
		t.Fatalf("state change produced notification %q, want none", got)
	}
}

func TestFormatTaskEvent_WrongPayloadType(t *testing.T) {
	got := FormatTaskEvent(bus.Event{Topic: bus.TopicTaskCreated, Payload: "bogus"})
	if got != "" {
		t.Fatalf("mistyped payload produced notification %q, want none", got)
	}
}
