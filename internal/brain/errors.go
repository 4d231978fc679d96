package brain

import (
	"errors"
	"strings"
)

// ErrNotConfigured is returned by a model whose provider has no API key. The
// caller degrades to static fallback text rather than failing the turn.
var ErrNotConfigured = errors.New("llm provider not configured")

// ErrorClass categorizes provider errors for retry and failover decisions.
type ErrorClass string

const (
	// ErrorClassAuth covers authentication and authorization failures.
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit covers rate limiting and quota exhaustion.
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout covers request timeouts and exceeded deadlines.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling covers billing and payment failures.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow means the prompt exceeded the model's window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// Transient reports whether a class is worth retrying at all.
func (c ErrorClass) Transient() bool {
	switch c {
	case ErrorClassRateLimit, ErrorClassTimeout, ErrorClassUnknown:
		return true
	}
	return false
}

// ClassifyError maps provider error text to the most specific matching class.
// Providers do not agree on structured errors, so this is string matching by
// necessity.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}
