// Package console implements the interactive operator REPL that runs when
// chorus is started on a terminal. Typed lines are submitted to the
// orchestrator as user utterances; slash commands inspect and control the
// room; the live event stream is mirrored above the prompt.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/voice"
)

// Controller is the slice of the orchestrator the console drives.
type Controller interface {
	SubmitUserMessage(ctx context.Context, text string) (string, error)
	InterruptAll() []string
	Clear() int
	Agents() []roster.Agent
	QueueDepth() int
}

// Config wires the console to the running system.
type Config struct {
	Controller Controller
	EventBus   *bus.Bus
	Voice      *voice.Sequencer // optional; enriches /status and the status bar
	Version    string
	CancelFunc context.CancelFunc // cancels the run loop when the console exits
}

type lineKind int

const (
	lineSystem lineKind = iota
	lineOperator
	lineAgent
)

type logLine struct {
	kind lineKind
	text string
}

// maxLogLines bounds the scrollback kept in memory.
const maxLogLines = 500

type busEventMsg struct {
	event bus.Event
}

type ctxDoneMsg struct{}

type statusTickMsg struct{}

// statusSnapshot caches the counters shown in the status bar so View never
// touches the live system.
type statusSnapshot struct {
	agentsActive int
	agentsTotal  int
	queueDepth   int
	voiceDepth   int
	playing      []string
}

type consoleModel struct {
	ctx context.Context
	cfg Config
	sub *bus.Subscription

	width  int
	height int

	lines  []logLine
	status statusSnapshot

	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int    // 0..len(inputHistory); len = editing new line
	histSaved    string // current draft before entering history

	startedAt time.Time
}

func newConsoleModel(ctx context.Context, cfg Config) consoleModel {
	m := consoleModel{
		ctx:       ctx,
		cfg:       cfg,
		startedAt: time.Now(),
	}
	if cfg.EventBus != nil {
		m.sub = cfg.EventBus.Subscribe("")
	}
	m.lines = append(m.lines, logLine{
		kind: lineSystem,
		text: "chorus is online. Type /help for commands.",
	})
	m.status = m.takeStatus()
	return m
}

// Run starts the console on stdin/stdout and blocks until the operator quits
// or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	// BubbleTea should restore the terminal on exit, but an ill-timed
	// interrupt can leave the TTY with ICRNL off. Best-effort safety net.
	defer bestEffortResetTTY()

	m := newConsoleModel(ctx, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cfg.EventBus != nil {
		cfg.EventBus.Unsubscribe(m.sub)
	}
	if cfg.CancelFunc != nil {
		cfg.CancelFunc()
	}
	if err != nil && ctx.Err() != nil {
		// A renderer error during shutdown is not worth reporting.
		return nil
	}
	return err
}

func (m consoleModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), statusTickCmd()}
	if m.sub != nil {
		cmds = append(cmds, waitForBusEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// waitForBusEvent blocks until the next event arrives on the subscription.
func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return nil // channel closed
		}
		return busEventMsg{event: event}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case busEventMsg:
		if line, ok := formatEvent(msg.event); ok {
			m.lines = appendLine(m.lines, line)
		}
		var cmd tea.Cmd
		if m.sub != nil {
			cmd = waitForBusEvent(m.sub)
		}
		return m, cmd

	case statusTickMsg:
		m.status = m.takeStatus()
		return m, statusTickCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+d":
			return m, tea.Quit

		case "enter", "ctrl+m", "ctrl+j":
			line := strings.TrimSpace(string(m.input))
			m.input = nil
			m.cursor = 0
			m.histIdx = len(m.inputHistory)
			m.histSaved = ""
			if line == "" {
				return m, nil
			}

			m.inputHistory = append(m.inputHistory, line)
			m.histIdx = len(m.inputHistory)

			if strings.HasPrefix(line, "/") {
				var buf bytes.Buffer
				shouldExit := m.runCommand(line, &buf)
				if out := strings.TrimRight(buf.String(), "\n"); out != "" {
					m.lines = appendLine(m.lines, logLine{kind: lineSystem, text: out})
				}
				if shouldExit {
					return m, tea.Quit
				}
				return m, nil
			}

			// The accepted message echoes back through the bus, so no
			// local history append here.
			if m.cfg.Controller != nil {
				if _, err := m.cfg.Controller.SubmitUserMessage(m.ctx, line); err != nil {
					m.lines = appendLine(m.lines, logLine{kind: lineSystem, text: fmt.Sprintf("submit failed: %v", err)})
				}
			}
			return m, nil

		case "up", "ctrl+p":
			m = m.historyPrev()
			return m, nil
		case "down", "ctrl+n":
			m = m.historyNext()
			return m, nil

		case "backspace":
			m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
			return m, nil
		case "delete":
			m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
			return m, nil
		case " ":
			// Some terminals report space as KeySpace (not KeyRunes).
			m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
			return m, nil

		case "left":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "right":
			if m.cursor < len(m.input) {
				m.cursor++
			}
			return m, nil
		case "home", "ctrl+a":
			m.cursor = 0
			return m, nil
		case "end", "ctrl+e":
			m.cursor = len(m.input)
			return m, nil

		case "ctrl+b":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "ctrl+f":
			if m.cursor < len(m.input) {
				m.cursor++
			}
			return m, nil
		case "ctrl+k":
			if m.cursor < len(m.input) {
				m.input = append([]rune(nil), m.input[:m.cursor]...)
			}
			return m, nil
		case "ctrl+u":
			m.input = nil
			m.cursor = 0
			return m, nil
		case "ctrl+w", "alt+backspace":
			m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
			return m, nil
		}

		if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
			// Ignore control characters that some terminals report as runes
			// (notably Enter as '\r', which would show up as ^M in the input).
			filtered := make([]rune, 0, len(msg.Runes))
			for _, r := range msg.Runes {
				if r == '\r' || r == '\n' || r < 0x20 {
					continue
				}
				filtered = append(filtered, r)
			}
			if len(filtered) > 0 {
				m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
			}
			return m, nil
		}
	}

	return m, nil
}

func appendLine(lines []logLine, l logLine) []logLine {
	lines = append(lines, l)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

// runCommand processes a slash command. Returns true if the console should exit.
func (m consoleModel) runCommand(line string, out io.Writer) bool {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToLower(strings.TrimSpace(parts[0]))

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(out, "Commands:")
		fmt.Fprintln(out, "  /agents      List the roster with task state")
		fmt.Fprintln(out, "  /status      Show queue, playback and uptime counters")
		fmt.Fprintln(out, "  /interrupt   Cut all current playback")
		fmt.Fprintln(out, "  /clear       Flush queued messages and cut playback")
		fmt.Fprintln(out, "  /quit        Exit the console")
		fmt.Fprintln(out, "Anything else is spoken into the room. Address one agent by name")
		fmt.Fprintln(out, "to make it the sole responder.")

	case "/agents":
		if m.cfg.Controller == nil {
			fmt.Fprintln(out, "roster not available")
			return false
		}
		agents := m.cfg.Controller.Agents()
		if len(agents) == 0 {
			fmt.Fprintln(out, "no agents on the roster")
			return false
		}
		for _, a := range agents {
			state := "active"
			switch {
			case a.Busy():
				state = fmt.Sprintf("busy (task %s)", shortID(a.TaskID))
			case !a.Active:
				state = "inactive"
			}
			fmt.Fprintf(out, "%-12s %-20s %s\n", a.ID, a.DisplayName, state)
		}

	case "/status":
		fmt.Fprintf(out, "uptime: %s\n", time.Since(m.startedAt).Truncate(time.Second))
		if m.cfg.Controller != nil {
			agents := m.cfg.Controller.Agents()
			active := 0
			for _, a := range agents {
				if a.Active {
					active++
				}
			}
			fmt.Fprintf(out, "agents: %d/%d active\n", active, len(agents))
			fmt.Fprintf(out, "queue depth: %d\n", m.cfg.Controller.QueueDepth())
		}
		if m.cfg.Voice != nil {
			fmt.Fprintf(out, "voice depth: %d\n", m.cfg.Voice.Depth())
			if playing := m.cfg.Voice.Playing(); len(playing) > 0 {
				fmt.Fprintf(out, "playing: %s\n", strings.Join(playing, ", "))
			}
		}

	case "/interrupt":
		if m.cfg.Controller == nil {
			fmt.Fprintln(out, "orchestrator not available")
			return false
		}
		cut := m.cfg.Controller.InterruptAll()
		if len(cut) == 0 {
			fmt.Fprintln(out, "nothing was playing")
		} else {
			fmt.Fprintf(out, "interrupted: %s\n", strings.Join(cut, ", "))
		}

	case "/clear":
		if m.cfg.Controller == nil {
			fmt.Fprintln(out, "orchestrator not available")
			return false
		}
		n := m.cfg.Controller.Clear()
		fmt.Fprintf(out, "flushed %d queued messages\n", n)

	default:
		fmt.Fprintf(out, "unknown command %q (try /help)\n", cmd)
	}
	return false
}

// formatEvent renders a bus event as a console line. The second return is
// false for events that are not operator-visible.
func formatEvent(ev bus.Event) (logLine, bool) {
	switch ev.Topic {
	case bus.TopicConversationMessage:
		p, ok := ev.Payload.(bus.MessageEvent)
		if !ok {
			return logLine{}, false
		}
		if p.Author == "user" {
			return logLine{kind: lineOperator, text: "you: " + p.Text}, true
		}
		return logLine{kind: lineSystem, text: p.Author + ": " + p.Text}, true

	case bus.TopicConversationResponse:
		p, ok := ev.Payload.(bus.ResponseEvent)
		if !ok {
			return logLine{}, false
		}
		text := p.AgentID + ": " + p.Text
		if p.ChangeRef != "" {
			text += " [" + p.ChangeRef + "]"
		}
		if p.TaskID != "" {
			text += " (task " + shortID(p.TaskID) + ")"
		}
		return logLine{kind: lineAgent, text: text}, true

	case bus.TopicConversationDropped:
		p, ok := ev.Payload.(bus.DroppedEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: fmt.Sprintf("dropped for %s: %s", p.AgentID, p.Reason)}, true

	case bus.TopicConversationNotice:
		p, ok := ev.Payload.(bus.NoticeEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: p.Level + ": " + p.Message}, true

	case bus.TopicVoiceStarted:
		p, ok := ev.Payload.(bus.PlaybackEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: "voice: " + p.AgentID + " speaking"}, true

	case bus.TopicVoiceFailed:
		p, ok := ev.Payload.(bus.PlaybackEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: fmt.Sprintf("voice: %s failed: %s", p.AgentID, p.Err)}, true

	case bus.TopicVoiceInterrupted:
		p, ok := ev.Payload.(bus.InterruptionEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: fmt.Sprintf("voice: %s cut off by %s", p.AgentID, p.By)}, true

	case bus.TopicTaskCreated, bus.TopicTaskStateChanged:
		p, ok := ev.Payload.(bus.TaskStateChangedEvent)
		if !ok {
			return logLine{}, false
		}
		return logLine{kind: lineSystem, text: fmt.Sprintf("task %s (%s): %s", shortID(p.TaskID), p.AgentID, p.NewStatus)}, true

	case bus.TopicTaskCompleted:
		p, ok := ev.Payload.(bus.TaskCompletedEvent)
		if !ok {
			return logLine{}, false
		}
		outcome := "done"
		if p.Failed {
			outcome = "failed"
		}
		return logLine{kind: lineSystem, text: fmt.Sprintf("task %s (%s) %s: %s", shortID(p.TaskID), p.AgentID, outcome, p.Summary)}, true

	case bus.TopicAgentAdded, bus.TopicAgentRemoved, bus.TopicAgentActivated, bus.TopicAgentDeactivated:
		p, ok := ev.Payload.(bus.AgentEvent)
		if !ok {
			return logLine{}, false
		}
		name := p.DisplayName
		if name == "" {
			name = p.AgentID
		}
		var verb string
		switch ev.Topic {
		case bus.TopicAgentAdded:
			verb = "joined the room"
		case bus.TopicAgentRemoved:
			verb = "left the room"
		case bus.TopicAgentActivated:
			verb = "is available again"
		default:
			verb = "is heads down on a task"
		}
		return logLine{kind: lineSystem, text: "agent " + name + " " + verb}, true

	case bus.TopicConfigReloaded:
		return logLine{kind: lineSystem, text: "config reloaded"}, true
	}

	return logLine{}, false
}

func (m consoleModel) takeStatus() statusSnapshot {
	var s statusSnapshot
	if m.cfg.Controller != nil {
		agents := m.cfg.Controller.Agents()
		s.agentsTotal = len(agents)
		for _, a := range agents {
			if a.Active {
				s.agentsActive++
			}
		}
		s.queueDepth = m.cfg.Controller.QueueDepth()
	}
	if m.cfg.Voice != nil {
		s.voiceDepth = m.cfg.Voice.Depth()
		s.playing = m.cfg.Voice.Playing()
	}
	return s
}

func (m consoleModel) View() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	agentS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	youS := lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	var b strings.Builder
	version := m.cfg.Version
	if version == "" {
		version = "dev"
	}
	b.WriteString(fmt.Sprintf("chorus %s\n", version))
	b.WriteString(dim.Render("Type a message. /help for commands, Ctrl+D or /quit to exit."))
	b.WriteString("\n\n")

	// Render the event log, clipped to window height.
	rendered := make([]string, 0, len(m.lines)*2)
	for _, l := range m.lines {
		style := dim
		switch l.kind {
		case lineOperator:
			style = youS
		case lineAgent:
			style = agentS
		}
		for _, w := range m.wrapLine(l.text) {
			rendered = append(rendered, style.Render(w))
		}
	}
	available := m.height - 6 // header + hint + blank + prompt + blank + status bar
	if available < 3 {
		available = 3
	}
	if len(rendered) > available {
		rendered = rendered[len(rendered)-available:]
	}
	for _, l := range rendered {
		b.WriteString(l)
		b.WriteString("\n")
	}

	b.WriteString("\n> ")
	b.WriteString(renderCursor(string(m.input), m.cursor))
	b.WriteString("\n")

	bar := fmt.Sprintf("[A:%d/%d Q:%d V:%d]",
		m.status.agentsActive, m.status.agentsTotal, m.status.queueDepth, m.status.voiceDepth)
	if len(m.status.playing) > 0 {
		bar += " " + strings.Join(m.status.playing, ",") + " speaking"
	}
	b.WriteString(dim.Render(bar))
	b.WriteString("\n")

	return b.String()
}

// wrapLine breaks text to the window width. Best-effort byte wrapping, same
// trade-off as the rest of the view.
func (m consoleModel) wrapLine(text string) []string {
	if m.width <= 0 {
		return strings.Split(text, "\n")
	}
	w := m.width
	if w < 10 {
		w = 10
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > w {
			out = append(out, line[:w])
			line = line[w:]
		}
		out = append(out, line)
	}
	return out
}

func (m consoleModel) historyPrev() consoleModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	// First time entering history: capture the current draft.
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m consoleModel) historyNext() consoleModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	// Move back to the draft line.
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderCursor inserts a block cursor at rune position pos within s.
func renderCursor(s string, pos int) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + "█"
	}
	return string(runes[:pos]) + "█" + string(runes[pos:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 {
		return in, 0
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}

	i := cursor
	// Skip any spaces just before the cursor.
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	// Then delete the word characters.
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
