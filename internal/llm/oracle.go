// Package llm is the boundary to the reasoning oracle: prompt messages in,
// one structured JSON object out.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks the oracle for an object matching Schema.
type Request struct {
	// Operation names the call site (proposal, evaluation, compose.email...)
	// and selects the routed model.
	Operation   string
	Messages    []Message
	SchemaName  string
	Schema      json.RawMessage
	Temperature *float64
	MaxTokens   int
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Response carries the raw JSON object returned by the oracle.
type Response struct {
	Raw   json.RawMessage
	Model string
	Usage Usage
}

// Oracle generates structured output.
type Oracle interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req Request) (Response, error)

func (f OracleFunc) Generate(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Decode unmarshals the response into v, marking failures as invalid output.
func (r Response) Decode(v interface{}) error {
	if len(r.Raw) == 0 {
		return fmt.Errorf("empty response: %w", crm.ErrInvalidOracleOutput)
	}
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("decode %T: %v: %w", v, err, crm.ErrInvalidOracleOutput)
	}
	return nil
}

// Object decodes the response as a generic JSON object.
func (r Response) Object() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := r.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// PromptText flattens messages for capture and logging.
func PromptText(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(m.Role)
		b.WriteString("] ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// extractFirstJSON returns the first balanced {...} block in s, which copes
// with models that wrap JSON in prose or code fences.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
