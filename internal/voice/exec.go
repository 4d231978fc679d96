package voice

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ExecSynthesizer shells out to a text-to-speech command, piping the text on
// stdin. The command template expands "{voice}" to the agent's voice profile
// and "{rate}" to the configured words-per-minute.
type ExecSynthesizer struct {
	command string
	rate    int

	mu    sync.Mutex
	next  int
	stops map[int]context.CancelFunc
}

func NewExecSynthesizer(command string, rateWPM int) *ExecSynthesizer {
	if rateWPM <= 0 {
		rateWPM = 200
	}
	return &ExecSynthesizer{
		command: command,
		rate:    rateWPM,
		stops:   make(map[int]context.CancelFunc),
	}
}

// Speak runs the synthesizer command and blocks until playback ends.
func (s *ExecSynthesizer) Speak(ctx context.Context, text, voiceProfile string) error {
	argv, err := s.argv(voiceProfile)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.next++
	id := s.next
	s.stops[id] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.stops, id)
		s.mu.Unlock()
	}()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %s: %w", argv[0], msg, err)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}

// Stop cancels all in-flight playback. Safe to call repeatedly.
func (s *ExecSynthesizer) Stop() {
	s.mu.Lock()
	for _, cancel := range s.stops {
		cancel()
	}
	s.mu.Unlock()
}

// argv expands the command template. A flag whose "{voice}" placeholder
// expands empty is dropped along with the placeholder, so agents without a
// profile still play with the command's default voice.
func (s *ExecSynthesizer) argv(voiceProfile string) ([]string, error) {
	fields := strings.Fields(s.command)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		switch {
		case strings.Contains(f, "{voice}"):
			if strings.TrimSpace(voiceProfile) == "" {
				if n := len(out); n > 0 && strings.HasPrefix(out[n-1], "-") {
					out = out[:n-1]
				}
				continue
			}
			out = append(out, strings.ReplaceAll(f, "{voice}", voiceProfile))
		case strings.Contains(f, "{rate}"):
			out = append(out, strings.ReplaceAll(f, "{rate}", strconv.Itoa(s.rate)))
		default:
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("voice command is empty")
	}
	return out, nil
}
