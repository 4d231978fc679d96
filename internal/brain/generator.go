package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/otel"
	"github.com/crewline/chorus/internal/repo"
	"github.com/crewline/chorus/internal/roster"
)

// DefaultFallbackText is spoken when every generation path is exhausted.
const DefaultFallbackText = "Sorry, I'm having trouble thinking right now. Give me a moment and try again."

// TurnRequest is one agent's contribution to a dispatch.
type TurnRequest struct {
	Agent        roster.Agent
	Message      string
	Participants []string

	// TaskContext scopes a background directive-seeking call to its task.
	TaskContext string
	// WantDirective demands a directive-only response (background execution).
	WantDirective bool
}

// Result is the processed response for one agent.
type Result struct {
	Text      string
	Branch    string
	ChangeRef string
	Directive *directive.Directive
	// Degraded marks fallback text standing in for a real generation.
	Degraded bool
}

// GeneratorConfig tunes retry behavior.
type GeneratorConfig struct {
	MaxAttempts  int           // generation attempts for rate limits; default 3
	RetryBase    time.Duration // first backoff delay, doubling; default 1s
	FallbackText string
}

// Generator turns requests into spoken responses: persona prompt, bounded
// retries, optional provider failover, and directive execution against the
// repository. A Generator never fails a turn; it degrades.
type Generator struct {
	model    Model
	failover *Failover
	parser   *directive.Parser
	repo     repo.Service

	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	maxAttempts int
	retryBase   time.Duration
	fallback    string

	noticeOnce sync.Once
	notice     func(level, text string)
}

// NewGenerator wires a generator. parser is required; repo, failover,
// metrics, and tracer may be nil.
func NewGenerator(model Model, parser *directive.Parser, repoSvc repo.Service, logger *slog.Logger, cfg GeneratorConfig) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	return &Generator{
		model:       model,
		parser:      parser,
		repo:        repoSvc,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		fallback:    cfg.FallbackText,
	}
}

// SetFailover installs the fallback provider chain, consulted after the
// primary's transient retries are exhausted.
func (g *Generator) SetFailover(f *Failover) { g.failover = f }

// SetObservability installs metrics and tracing.
func (g *Generator) SetObservability(m *otel.Metrics, tracer trace.Tracer) {
	g.metrics = m
	g.tracer = tracer
}

// SetNotice installs the sink hook for fatal configuration notices. The hook
// fires at most once per process.
func (g *Generator) SetNotice(fn func(level, text string)) { g.notice = fn }

// Turn generates and post-processes one response. It returns an error only
// when ctx is done; every other failure degrades into usable text.
func (g *Generator) Turn(ctx context.Context, req TurnRequest) (Result, error) {
	if g.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, g.tracer, "brain.turn",
			otel.AttrAgentID.String(req.Agent.ID))
		defer span.End()
	}

	start := time.Now()
	text, err := g.generateWithRetry(ctx, Request{
		System: g.personaPrompt(req),
		Prompt: g.userPrompt(req),
	})
	if g.metrics != nil {
		g.metrics.GenerateDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, ErrNotConfigured) {
			g.fatalNotice("no language model configured; set a provider API key")
			return Result{Text: g.fallback, Degraded: true}, nil
		}
		if g.failover != nil && ClassifyError(err).Transient() {
			if alt, ferr := g.failover.Generate(ctx, Request{
				System: g.personaPrompt(req),
				Prompt: g.userPrompt(req),
			}); ferr == nil {
				text = alt
				err = nil
			} else {
				g.logger.Warn("failover exhausted", "agent", req.Agent.ID, "error", ferr)
			}
		}
		if err != nil {
			g.logger.Warn("generation failed, degrading",
				"agent", req.Agent.ID, "error_class", string(ClassifyError(err)), "error", err)
			return Result{Text: g.fallback, Degraded: true}, nil
		}
	}

	if strings.TrimSpace(text) == "" {
		g.logger.Warn("empty generation, degrading", "agent", req.Agent.ID)
		return Result{Text: g.fallback, Degraded: true}, nil
	}

	return g.applyDirective(ctx, req.Agent, text), nil
}

// generateWithRetry applies the retry policy: rate limits get the full
// attempt budget, other transient classes one retry, everything else none.
func (g *Generator) generateWithRetry(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			if g.metrics != nil {
				g.metrics.LLMRetries.Add(ctx, 1)
			}
		}

		text, err := g.model.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		if errors.Is(err, ErrNotConfigured) || ctx.Err() != nil {
			return "", err
		}
		class := ClassifyError(err)
		if !class.Transient() {
			return "", err
		}
		if class != ErrorClassRateLimit && attempt >= 1 {
			return "", err
		}
	}
	return "", lastErr
}

// applyDirective executes an embedded directive, rewriting the visible text
// to reference the change or carry a failure note.
func (g *Generator) applyDirective(ctx context.Context, agent roster.Agent, text string) Result {
	if g.parser == nil {
		return Result{Text: text}
	}

	d, err := g.parser.Parse(text)
	if errors.Is(err, directive.ErrNoDirective) {
		return Result{Text: text}
	}
	if err != nil {
		g.logger.Warn("malformed directive dropped", "agent", agent.ID, "error", err)
		visible := directive.Strip(text)
		if visible == "" {
			visible = g.fallback
		}
		return Result{Text: visible, Degraded: true}
	}

	visible := directive.Strip(text)
	if visible == "" {
		visible = "Committed: " + d.Message
	}

	if g.repo == nil {
		g.fatalNotice("an agent produced a change but no repository is configured")
		return Result{
			Text:      visible + " (no repository configured; change not applied)",
			Directive: d,
		}
	}

	branch, err := g.repo.EnsureBranch(ctx, agent.ID)
	if err != nil {
		g.logger.Error("branch resolution failed", "agent", agent.ID, "error", err)
		return Result{
			Text:      visible + fmt.Sprintf(" (change failed: %s)", firstLine(err)),
			Directive: d,
		}
	}

	changeRef, err := g.repo.Commit(ctx, branch, d)
	if err != nil {
		g.logger.Error("commit failed", "agent", agent.ID, "branch", branch, "error", err)
		return Result{
			Text:      visible + fmt.Sprintf(" (change failed: %s)", firstLine(err)),
			Branch:    branch,
			Directive: d,
		}
	}

	if g.metrics != nil {
		g.metrics.Commits.Add(ctx, 1)
	}
	g.logger.Info("directive committed",
		"agent", agent.ID, "branch", branch, "change_ref", changeRef, "files", len(d.Files))
	return Result{
		Text:      fmt.Sprintf("%s [committed %s on %s]", visible, changeRef, branch),
		Branch:    branch,
		ChangeRef: changeRef,
		Directive: d,
	}
}

func (g *Generator) fatalNotice(text string) {
	g.noticeOnce.Do(func() {
		g.logger.Error(text)
		if g.notice != nil {
			g.notice("error", text)
		}
	})
}

func (g *Generator) personaPrompt(req TurnRequest) string {
	a := req.Agent
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a collaborator on a small engineering team.", a.DisplayName)
	if a.Specialty != "" {
		fmt.Fprintf(&b, " Your specialty is %s.", a.Specialty)
	}
	if a.Personality != "" {
		b.WriteString(" " + strings.TrimSpace(a.Personality))
	}
	if others := otherNames(req.Participants, a.DisplayName); len(others) > 0 {
		fmt.Fprintf(&b, "\nAlso in the conversation: %s.", strings.Join(others, ", "))
	}
	b.WriteString("\nYour replies are read aloud. Keep them short, natural, and specific; one or two sentences unless asked for detail.")

	if g.repo != nil || req.WantDirective {
		b.WriteString("\n\nWhen you decide to change the repository, include exactly one fenced ```json block with this shape: ")
		b.WriteString(`{"action": "commit", "message": "<commit message>", "files": [{"path": "<relative path>", "content": "<full file content>", "operation": "create|update|delete"}]}`)
		b.WriteString("\nOmit content only for delete operations. Never mention the JSON block in your spoken text.")
	}
	if req.WantDirective {
		b.WriteString("\nThis is a work order: respond with the JSON directive that completes the task, plus at most one short sentence.")
	}
	return b.String()
}

func (g *Generator) userPrompt(req TurnRequest) string {
	if req.TaskContext == "" {
		return req.Message
	}
	return fmt.Sprintf("Task: %s\n\nOriginal request: %s", req.TaskContext, req.Message)
}

func otherNames(all []string, self string) []string {
	var out []string
	for _, name := range all {
		if name != "" && !strings.EqualFold(name, self) {
			out = append(out, name)
		}
	}
	return out
}

func firstLine(err error) string {
	s := strings.TrimSpace(err.Error())
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
