// Package intent decides whether an utterance is asking an agent to do
// background work, as opposed to ordinary conversation. The keyword policy is
// the default; a WASM policy module can replace it at runtime.
package intent

import "strings"

// Classifier reports whether a message addressed to an agent is a request for
// background work.
type Classifier interface {
	TaskIntent(text string) bool
}

// Keywords matches case-insensitively against a fixed phrase list. The same
// type serves completion detection: the executor holds a second instance over
// the completion phrases.
type Keywords struct {
	phrases []string
}

func NewKeywords(phrases []string) *Keywords {
	k := &Keywords{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			k.phrases = append(k.phrases, p)
		}
	}
	return k
}

// Match reports whether any phrase occurs in the text.
func (k *Keywords) Match(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range k.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// TaskIntent implements Classifier.
func (k *Keywords) TaskIntent(text string) bool {
	return k.Match(text)
}

// Phrases returns the normalized phrase list, for status output.
func (k *Keywords) Phrases() []string {
	out := make([]string, len(k.phrases))
	copy(out, k.phrases)
	return out
}
