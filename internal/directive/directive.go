// Package directive extracts and validates repository mutation directives
// embedded in agent responses. A directive is a JSON object the model emits
// alongside (or instead of) prose; everything else in the response is
// conversational text and passes through untouched.
package directive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNoDirective reports that the response contains no directive block.
// Plain conversational responses are the common case, not an error condition;
// callers branch on this sentinel.
var ErrNoDirective = errors.New("no directive in response")

// Operation is the kind of change applied to one file.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// FileChange is one file touched by a directive.
type FileChange struct {
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	Operation Operation `json:"operation"`
}

// Directive is a validated commit request extracted from a response.
type Directive struct {
	Action  string       `json:"action"`
	Message string       `json:"message"`
	Files   []FileChange `json:"files"`
}

// ParseError reports a block that was clearly meant as a directive but does
// not satisfy the schema. Distinct from ErrNoDirective so callers can log the
// attempt instead of silently speaking raw JSON.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed directive: %s", e.Reason)
}

// directiveSchema is the contract the model is prompted to follow. Content is
// mandatory except for deletes.
const directiveSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "message", "files"],
  "properties": {
    "action": {"const": "commit"},
    "message": {"type": "string", "minLength": 1},
    "files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["path", "operation"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "content": {"type": "string"},
          "operation": {"enum": ["create", "update", "delete"]}
        },
        "if": {"properties": {"operation": {"enum": ["create", "update"]}}},
        "then": {"required": ["path", "content", "operation"]}
      }
    }
  }
}`

// Parser validates candidate blocks against the directive schema.
type Parser struct {
	schema *jsonschema.Schema
}

// NewParser compiles the directive schema.
func NewParser() (*Parser, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(directiveSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal directive schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("directive.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("directive.json")
	if err != nil {
		return nil, fmt.Errorf("compile directive schema: %w", err)
	}
	return &Parser{schema: schema}, nil
}

// SchemaJSON returns the raw schema for prompt injection.
func (p *Parser) SchemaJSON() string {
	return directiveSchema
}

// Parse looks for a directive in the response text. Returns ErrNoDirective
// when the text carries no directive attempt, a *ParseError when a block was
// meant as a directive but fails validation, and the typed directive
// otherwise.
func (p *Parser) Parse(text string) (*Directive, error) {
	_, _, candidate := locateJSON(text)
	if candidate == "" {
		return nil, ErrNoDirective
	}

	var probe map[string]any
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		// A fenced block that is not a JSON object is just formatted prose.
		return nil, ErrNoDirective
	}
	if _, hasAction := probe["action"]; !hasAction {
		// JSON in a response without an action key is conversational data,
		// not a mutation request.
		return nil, ErrNoDirective
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("invalid JSON: %s", err), Raw: candidate}
	}
	if err := p.schema.Validate(parsed); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("schema validation failed: %s", err), Raw: candidate}
	}

	var d Directive
	if err := json.Unmarshal([]byte(candidate), &d); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("decode directive: %s", err), Raw: candidate}
	}
	return &d, nil
}

// Strip removes the directive block from the response text, leaving the
// conversational remainder. Text without a recognizable block is returned
// unchanged (trimmed).
func Strip(text string) string {
	start, end, candidate := locateJSON(text)
	if candidate == "" {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:start] + text[end:])
}

// locateJSON finds a JSON object or array in the text and returns the span
// covering the whole block (fence markers included) plus the candidate JSON.
// An empty candidate means nothing was found.
func locateJSON(text string) (start, end int, candidate string) {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		body := idx + 7
		if body < len(text) && text[body] == '\n' {
			body++
		}
		if rel := strings.Index(text[body:], "```"); rel >= 0 {
			c := strings.TrimSpace(text[body : body+rel])
			if c != "" {
				return idx, body + rel + 3, c
			}
		}
	}

	// 2. Generic fenced block holding JSON: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		body := idx + 4
		if rel := strings.Index(text[body:], "```"); rel >= 0 {
			c := strings.TrimSpace(text[body : body+rel])
			if isJSON(c) {
				return idx, body + rel + 3, c
			}
		}
	}

	// 3. Raw JSON: first { or [ with a balanced close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			c := extractBalanced(text[i:])
			if c != "" && isJSON(c) {
				return i, i + len(c), c
			}
		}
	}

	return 0, 0, ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced JSON structure at the start of s,
// respecting string literals and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
