package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Chorus metrics instruments.
type Metrics struct {
	DispatchDuration metric.Float64Histogram
	GenerateDuration metric.Float64Histogram
	FanOutWidth      metric.Int64Histogram
	VoiceQueueDepth  metric.Int64UpDownCounter
	Interruptions    metric.Int64Counter
	MessagesDropped  metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	Commits          metric.Int64Counter
	LLMRetries       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.DispatchDuration, err = meter.Float64Histogram("chorus.dispatch.duration",
		metric.WithDescription("Full message dispatch duration (all responders) in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerateDuration, err = meter.Float64Histogram("chorus.llm.duration",
		metric.WithDescription("LLM generate call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FanOutWidth, err = meter.Int64Histogram("chorus.dispatch.responders",
		metric.WithDescription("Number of agents responding to a message"),
	)
	if err != nil {
		return nil, err
	}

	m.VoiceQueueDepth, err = meter.Int64UpDownCounter("chorus.voice.queue_depth",
		metric.WithDescription("Queued utterances across all agent voice lanes"),
	)
	if err != nil {
		return nil, err
	}

	m.Interruptions, err = meter.Int64Counter("chorus.voice.interruptions",
		metric.WithDescription("Conversation-wide interruptions"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("chorus.dispatch.dropped",
		metric.WithDescription("Messages dropped because the addressed agent was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("chorus.task.completed",
		metric.WithDescription("Tasks reaching the completed state"),
	)
	if err != nil {
		return nil, err
	}

	m.Commits, err = meter.Int64Counter("chorus.repo.commits",
		metric.WithDescription("Commits recorded against the working repository"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMRetries, err = meter.Int64Counter("chorus.llm.retries",
		metric.WithDescription("Generation retries after transient provider errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
