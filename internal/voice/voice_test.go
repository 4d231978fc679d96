package voice

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/crewline/chorus/internal/bus"
)

// fakeSynth records spoken utterances and optionally blocks until released
// or its context is cancelled.
type fakeSynth struct {
	mu      sync.Mutex
	spoken  []string
	voices  []string
	failOn  string
	block   chan struct{} // when non-nil, Speak waits for close or ctx
	stopped int
}

func (f *fakeSynth) Speak(ctx context.Context, text, voiceProfile string) error {
	f.mu.Lock()
	block := f.block
	fail := f.failOn != "" && f.failOn == text
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("synthesis refused")
	}
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.voices = append(f.voices, voiceProfile)
	f.mu.Unlock()
	return nil
}

func (f *fakeSynth) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeSynth) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func waitHandle(t *testing.T, h *Handle) error {
	t.Helper()
	select {
	case <-h.Done():
		return h.Err()
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not resolve")
		return nil
	}
}

func TestEnqueue_PlaysInOrder(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSequencer(Config{Synth: synth})

	var handles []*Handle
	for _, text := range []string{"one", "two", "three"} {
		handles = append(handles, s.Enqueue("archie", text))
	}
	for _, h := range handles {
		if err := waitHandle(t, h); err != nil {
			t.Fatalf("playback err = %v", err)
		}
	}

	got := synth.spokenTexts()
	want := []string{"one", "two", "three"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("spoken = %v, want %v", got, want)
	}
}

func TestEnqueue_BlankTextResolvesImmediately(t *testing.T) {
	s := NewSequencer(Config{Synth: &fakeSynth{}})
	h := s.Enqueue("archie", "   ")
	if err := waitHandle(t, h); err != nil {
		t.Fatalf("blank enqueue err = %v", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", s.Depth())
	}
}

func TestEnqueue_UsesVoiceProfile(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSequencer(Config{
		Synth: synth,
		Profile: func(agentID string) string {
			return "profile-" + agentID
		},
	})

	if err := waitHandle(t, s.Enqueue("piper", "hello")); err != nil {
		t.Fatalf("playback err = %v", err)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	if len(synth.voices) != 1 || synth.voices[0] != "profile-piper" {
		t.Fatalf("voices = %v, want [profile-piper]", synth.voices)
	}
}

func TestEnqueue_FailureContinuesQueue(t *testing.T) {
	synth := &fakeSynth{failOn: "bad"}
	s := NewSequencer(Config{Synth: synth})

	bad := s.Enqueue("archie", "bad")
	good := s.Enqueue("archie", "good")

	if err := waitHandle(t, bad); err == nil {
		t.Fatalf("expected playback error for failing item")
	}
	if err := waitHandle(t, good); err != nil {
		t.Fatalf("queue should continue past failure, got %v", err)
	}
	got := synth.spokenTexts()
	if !reflect.DeepEqual(got, []string{"good"}) {
		t.Fatalf("spoken = %v, want [good]", got)
	}
}

func TestInterruptAll_RejectsQueuedAndStopsActive(t *testing.T) {
	release := make(chan struct{})
	synth := &fakeSynth{block: release}
	s := NewSequencer(Config{Synth: synth})

	playing := s.Enqueue("archie", "long monologue")
	queued := s.Enqueue("archie", "next line")
	other := s.Enqueue("piper", "another lane")

	// Wait until both lanes have playback in flight.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Playing()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("playback never started, playing = %v", s.Playing())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cut := s.InterruptAll()

	for name, h := range map[string]*Handle{"playing": playing, "queued": queued, "other": other} {
		if err := waitHandle(t, h); !errors.Is(err, ErrInterrupted) {
			t.Fatalf("%s handle err = %v, want ErrInterrupted", name, err)
		}
	}
	if !reflect.DeepEqual(cut, []string{"archie", "piper"}) {
		t.Fatalf("cut = %v, want [archie piper]", cut)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth after interrupt = %d, want 0", s.Depth())
	}
	if got := len(s.Playing()); got != 0 {
		t.Fatalf("playing after interrupt = %d, want 0", got)
	}
	synth.mu.Lock()
	stopped := synth.stopped
	synth.mu.Unlock()
	if stopped == 0 {
		t.Fatalf("synthesizer Stop was never called")
	}
	close(release)
}

func TestInterruptAll_LaterEnqueuesPlayNormally(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSequencer(Config{Synth: synth})

	s.InterruptAll()

	h := s.Enqueue("archie", "after the storm")
	if err := waitHandle(t, h); err != nil {
		t.Fatalf("post-interrupt playback err = %v", err)
	}
	if got := synth.spokenTexts(); !reflect.DeepEqual(got, []string{"after the storm"}) {
		t.Fatalf("spoken = %v", got)
	}
}

func TestEnqueueAt_StaleEpochRejectedUnspoken(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSequencer(Config{Synth: synth})

	epoch := s.Epoch()
	s.InterruptAll()

	h := s.EnqueueAt("archie", "finished too late", epoch)
	if err := waitHandle(t, h); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("stale-epoch enqueue err = %v, want ErrInterrupted", err)
	}
	if got := synth.spokenTexts(); len(got) != 0 {
		t.Fatalf("spoken = %v, want nothing", got)
	}

	// The current epoch is unaffected.
	h = s.Enqueue("archie", "fresh text plays")
	if err := waitHandle(t, h); err != nil {
		t.Fatalf("fresh enqueue err = %v", err)
	}
	if got := synth.spokenTexts(); !reflect.DeepEqual(got, []string{"fresh text plays"}) {
		t.Fatalf("spoken = %v", got)
	}
}

func TestPlayback_PublishesLifecycleEvents(t *testing.T) {
	synth := &fakeSynth{}
	eventBus := bus.New()
	sub := eventBus.Subscribe("voice.")
	defer eventBus.Unsubscribe(sub)

	s := NewSequencer(Config{Synth: synth, Bus: eventBus})
	if err := waitHandle(t, s.Enqueue("archie", "hello")); err != nil {
		t.Fatalf("playback err = %v", err)
	}

	want := []string{bus.TopicVoiceStarted, bus.TopicVoiceFinished}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("topic = %s, want %s", ev.Topic, topic)
			}
			payload, ok := ev.Payload.(bus.PlaybackEvent)
			if !ok {
				t.Fatalf("payload type = %T", ev.Payload)
			}
			if payload.AgentID != "archie" || payload.Text != "hello" {
				t.Fatalf("event = %+v", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", topic)
		}
	}
}

func TestPlayback_FailureEventCarriesError(t *testing.T) {
	synth := &fakeSynth{failOn: "bad"}
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicVoiceFailed)
	defer eventBus.Unsubscribe(sub)

	s := NewSequencer(Config{Synth: synth, Bus: eventBus})
	if err := waitHandle(t, s.Enqueue("archie", "bad")); err == nil {
		t.Fatalf("expected playback error")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.PlaybackEvent)
		if payload.Err == "" {
			t.Fatalf("failure event missing error: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no voice.failed event")
	}
}

func TestLanes_PlayConcurrently(t *testing.T) {
	release := make(chan struct{})
	synth := &fakeSynth{block: release}
	s := NewSequencer(Config{Synth: synth})

	s.Enqueue("archie", "a")
	s.Enqueue("piper", "b")

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Playing()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("lanes did not play concurrently, playing = %v", s.Playing())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
}

func TestDrain_WaitsForPlayback(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSequencer(Config{Synth: synth})
	h := s.Enqueue("archie", "closing words")
	s.Drain(2 * time.Second)
	select {
	case <-h.Done():
	default:
		t.Fatalf("drain returned before playback resolved")
	}
	if err := h.Err(); err != nil {
		t.Fatalf("drained item err = %v", err)
	}
}

func TestHandle_WaitHonorsContext(t *testing.T) {
	h := newHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wait err = %v, want deadline exceeded", err)
	}
}
