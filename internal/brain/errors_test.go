package brain

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"401", errors.New("API error 401: invalid request"), ErrorClassAuth},
		{"unauthorized", errors.New("Unauthorized: check credentials"), ErrorClassAuth},
		{"invalid key", errors.New("invalid api key provided"), ErrorClassAuth},
		{"429", errors.New("status 429 returned"), ErrorClassRateLimit},
		{"quota", errors.New("quota exceeded for project"), ErrorClassRateLimit},
		{"too many requests", errors.New("Too Many Requests"), ErrorClassRateLimit},
		{"deadline", errors.New("context deadline exceeded"), ErrorClassTimeout},
		{"timed out", errors.New("request timed out after 30s"), ErrorClassTimeout},
		{"billing", errors.New("billing account suspended"), ErrorClassBilling},
		{"context window", errors.New("prompt exceeds maximum context window"), ErrorClassContextOverflow},
		{"token limit", errors.New("input exceeds token limit"), ErrorClassContextOverflow},
		{"unknown", errors.New("500: internal server error"), ErrorClassUnknown},
		{"wrapped", fmt.Errorf("generate: %w", errors.New("rate limit hit")), ErrorClassRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorClass_Transient(t *testing.T) {
	transient := []ErrorClass{ErrorClassRateLimit, ErrorClassTimeout, ErrorClassUnknown}
	for _, c := range transient {
		if !c.Transient() {
			t.Errorf("%s should be transient", c)
		}
	}
	final := []ErrorClass{ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow}
	for _, c := range final {
		if c.Transient() {
			t.Errorf("%s should not be transient", c)
		}
	}
}
