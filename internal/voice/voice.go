// Package voice serializes synthesized speech per agent. Each agent owns a
// strictly FIFO playback lane; lanes play concurrently with each other. A
// global interrupt stops whatever is playing and rejects everything queued,
// emulating conversational barge-in.
package voice

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/otel"
)

// ErrInterrupted resolves handles whose playback was cut by InterruptAll
// before it finished (or before it started).
var ErrInterrupted = errors.New("voice: playback interrupted")

// Synthesizer is the speech capability the sequencer plays through.
// Speak blocks until the utterance finishes, fails, or ctx is cancelled.
// Stop cancels all in-flight playback immediately and is idempotent.
type Synthesizer interface {
	Speak(ctx context.Context, text, voiceProfile string) error
	Stop()
}

// NopSynthesizer discards speech. Used when voice playback is disabled.
type NopSynthesizer struct{}

func (NopSynthesizer) Speak(ctx context.Context, text, voiceProfile string) error { return nil }
func (NopSynthesizer) Stop()                                                      {}

// Handle resolves once its item has played, failed, or been interrupted.
type Handle struct {
	once sync.Once
	err  error
	done chan struct{}
}

func newHandle() *Handle { return &Handle{done: make(chan struct{})} }

func (h *Handle) resolve(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the item resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the playback outcome: nil on success, ErrInterrupted on
// barge-in, or the synthesis error. Returns nil while still pending.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the item resolves or ctx expires.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

type item struct {
	text   string
	epoch  uint64
	handle *Handle
}

type lane struct {
	agentID string
	queue   []*item
	running bool
}

// Config wires a Sequencer.
type Config struct {
	Synth Synthesizer
	// Profile resolves an agent's voice profile at play time. May be nil.
	Profile func(agentID string) string
	Logger  *slog.Logger
	Bus     *bus.Bus // may be nil in tests
}

// Sequencer manages the per-agent playback lanes.
type Sequencer struct {
	synth   Synthesizer
	profile func(agentID string) string
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	mu     sync.Mutex
	lanes  map[string]*lane
	active map[string]context.CancelFunc
	epoch  uint64
	wg     sync.WaitGroup
}

func NewSequencer(cfg Config) *Sequencer {
	if cfg.Synth == nil {
		cfg.Synth = NopSynthesizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sequencer{
		synth:   cfg.Synth,
		profile: cfg.Profile,
		logger:  cfg.Logger,
		bus:     cfg.Bus,
		lanes:   make(map[string]*lane),
		active:  make(map[string]context.CancelFunc),
	}
}

// SetMetrics installs metric instruments.
func (s *Sequencer) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Epoch returns the current interrupt epoch. Callers starting slow work
// whose speech must not survive a barge-in capture it up front and enqueue
// the result with EnqueueAt.
func (s *Sequencer) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Enqueue appends text to the agent's lane under the current epoch and
// returns its handle. Blank text resolves immediately without playing.
func (s *Sequencer) Enqueue(agentID, text string) *Handle {
	return s.EnqueueAt(agentID, text, s.Epoch())
}

// EnqueueAt appends text under an epoch captured earlier. If InterruptAll
// fired since the capture, the item resolves with ErrInterrupted and never
// plays: text generated while the user barged in still reaches the sink,
// it just goes unspoken.
func (s *Sequencer) EnqueueAt(agentID, text string, epoch uint64) *Handle {
	h := newHandle()
	if strings.TrimSpace(text) == "" {
		h.resolve(nil)
		return h
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		h.resolve(ErrInterrupted)
		return h
	}
	l := s.lanes[agentID]
	if l == nil {
		l = &lane{agentID: agentID}
		s.lanes[agentID] = l
	}
	l.queue = append(l.queue, &item{text: text, epoch: epoch, handle: h})
	start := !l.running
	if start {
		l.running = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.addDepth(1)
	if start {
		go s.run(l)
	}
	return h
}

// run drains one lane. The worker exits when the lane empties; the next
// Enqueue restarts it.
func (s *Sequencer) run(l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			s.mu.Unlock()
			return
		}
		it := l.queue[0]
		l.queue = l.queue[1:]
		cur := s.epoch
		s.mu.Unlock()

		if it.epoch != cur {
			s.finish(it, ErrInterrupted)
			continue
		}
		s.play(l.agentID, it)
	}
}

func (s *Sequencer) play(agentID string, it *item) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if it.epoch != s.epoch {
		// Interrupt landed between dequeue and here.
		s.mu.Unlock()
		cancel()
		s.finish(it, ErrInterrupted)
		return
	}
	s.active[agentID] = cancel
	s.mu.Unlock()

	voiceProfile := ""
	if s.profile != nil {
		voiceProfile = s.profile(agentID)
	}

	s.publish(bus.TopicVoiceStarted, bus.PlaybackEvent{AgentID: agentID, Text: it.text})
	err := s.synth.Speak(ctx, it.text, voiceProfile)

	s.mu.Lock()
	delete(s.active, agentID)
	interrupted := it.epoch != s.epoch
	s.mu.Unlock()
	cancel()

	switch {
	case interrupted:
		s.finish(it, ErrInterrupted)
	case err != nil:
		// Best-effort playback: log and move on to the next item.
		s.logger.Warn("voice playback failed", "agent_id", agentID, "error", err)
		s.publish(bus.TopicVoiceFailed, bus.PlaybackEvent{AgentID: agentID, Text: it.text, Err: err.Error()})
		s.finish(it, err)
	default:
		s.publish(bus.TopicVoiceFinished, bus.PlaybackEvent{AgentID: agentID, Text: it.text})
		s.finish(it, nil)
	}
}

// InterruptAll stops active playback and rejects every queued item across
// all lanes. It returns the IDs of agents whose playback or queue was cut,
// sorted, so the caller can report who fell silent. Interrupted handles
// resolve with ErrInterrupted.
func (s *Sequencer) InterruptAll() []string {
	s.mu.Lock()
	s.epoch++
	var cut []string
	var rejected []*item
	for id, l := range s.lanes {
		had := false
		if len(l.queue) > 0 {
			rejected = append(rejected, l.queue...)
			l.queue = nil
			had = true
		}
		if cancel, ok := s.active[id]; ok {
			cancel()
			had = true
		}
		if had {
			cut = append(cut, id)
		}
	}
	s.mu.Unlock()

	s.synth.Stop()

	for _, it := range rejected {
		s.finish(it, ErrInterrupted)
	}
	sort.Strings(cut)
	if s.metrics != nil {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
	return cut
}

// Depth returns the number of queued, not-yet-played items across all lanes.
func (s *Sequencer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lanes {
		n += len(l.queue)
	}
	return n
}

// Playing returns the IDs of agents with playback in flight, sorted.
func (s *Sequencer) Playing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drain waits up to timeout for all lanes to finish, then interrupts
// whatever is left. Used during shutdown.
func (s *Sequencer) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("voice drain timeout; interrupting remaining playback", "timeout", timeout)
		s.InterruptAll()
	}
}

func (s *Sequencer) finish(it *item, err error) {
	s.addDepth(-1)
	it.handle.resolve(err)
}

func (s *Sequencer) addDepth(delta int64) {
	if s.metrics != nil {
		s.metrics.VoiceQueueDepth.Add(context.Background(), delta)
	}
}

func (s *Sequencer) publish(topic string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}
