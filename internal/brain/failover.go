package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NamedModel pairs a Model with a provider name for breaker tracking.
type NamedModel struct {
	Name  string
	Model Model
}

// breaker tracks failures for a single provider.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Failover tries candidate models in order, skipping providers whose circuit
// breaker is open. The Generator consults it only after the primary model's
// own retries are exhausted.
type Failover struct {
	candidates []NamedModel
	logger     *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
}

// NewFailover builds the chain. threshold <= 0 means 5 failures; cooldown
// <= 0 means 5 minutes.
func NewFailover(candidates []NamedModel, threshold int, cooldown time.Duration, logger *slog.Logger) *Failover {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	breakers := make(map[string]*breaker, len(candidates))
	for _, c := range candidates {
		breakers[c.Name] = &breaker{}
	}
	return &Failover{
		candidates: candidates,
		logger:     logger,
		breakers:   breakers,
		threshold:  threshold,
		cooldown:   cooldown,
	}
}

// Generate tries each candidate once, in order. A context-overflow error
// stops the chain; the prompt is the same everywhere.
func (f *Failover) Generate(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for _, c := range f.candidates {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}

		text, err := c.Model.Generate(ctx, req)
		if err == nil {
			f.recordSuccess(c.Name)
			return text, nil
		}

		lastErr = err
		f.recordFailure(c.Name)
		class := ClassifyError(err)
		f.logger.Warn("failover: provider failed",
			"provider", c.Name, "error_class", string(class), "error", err)

		if class == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
	}
	if lastErr == nil {
		return "", fmt.Errorf("failover: no provider available")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

// Tripped reports whether a named provider is currently skipped, for status
// output.
func (f *Failover) Tripped(name string) bool {
	return f.isTripped(name)
}

func (f *Failover) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if time.Since(b.lastFailure) >= f.cooldown {
		b.tripped = false
		b.failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *Failover) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[name]
	if !ok {
		b = &breaker{}
		f.breakers[name] = b
	}
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= f.threshold {
		b.tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
}

func (f *Failover) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.breakers[name]; ok {
		b.failures = 0
		b.tripped = false
	}
}
