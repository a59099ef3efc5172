package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/config"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// OpenAIOracle implements Oracle against the chat completions API with
// structured outputs.
type OpenAIOracle struct {
	config  config.LLMProvider
	routing config.LLMRoutingConfig
	client  *http.Client
}

// NewOpenAIOracle creates an oracle for one configured provider.
func NewOpenAIOracle(cfg config.LLMProvider, routing config.LLMRoutingConfig) *OpenAIOracle {
	return &OpenAIOracle{
		config:  cfg,
		routing: routing,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// NewOracle builds the oracle for the first openai-type provider in cfg.
func NewOracle(cfg config.LLMConfig) (*OpenAIOracle, error) {
	for name, p := range cfg.Providers {
		if strings.EqualFold(p.Type, "openai") || (p.Type == "" && name == "openai") {
			return NewOpenAIOracle(p, cfg.Routing), nil
		}
	}
	return nil, fmt.Errorf("no openai provider configured")
}

// modelFor maps an operation to a configured model key.
func (p *OpenAIOracle) modelFor(operation string) string {
	var key string
	switch {
	case operation == "proposal":
		key = p.routing.Proposal
	case operation == "evaluation":
		key = p.routing.Evaluation
	case strings.HasPrefix(operation, "compose."):
		key = p.routing.Composition
	}
	if key == "" {
		key = p.routing.Fallback
	}
	return key
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatReq struct {
	Model          string          `json:"model"`
	Messages       []chatMsg       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// Generate sends the request and returns the first JSON object in the reply.
func (p *OpenAIOracle) Generate(ctx context.Context, r Request) (Response, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return Response{}, fmt.Errorf("OpenAI API key not configured")
	}

	key := p.modelFor(r.Operation)
	m, ok := p.config.Models[key]
	if !ok {
		return Response{}, fmt.Errorf("model %q not configured for %s", key, r.Operation)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := r.Temperature
	if temperature == nil {
		t := m.Temperature
		temperature = &t
	}
	maxTokens := m.MaxTokens
	if r.MaxTokens > 0 {
		maxTokens = r.MaxTokens
	}

	msgs := make([]chatMsg, 0, len(r.Messages))
	for _, msg := range r.Messages {
		msgs = append(msgs, chatMsg{Role: msg.Role, Content: msg.Content})
	}
	format := &responseFormat{Type: "json_object"}
	if len(r.Schema) > 0 {
		name := r.SchemaName
		if name == "" {
			name = strings.ReplaceAll(r.Operation, ".", "_")
		}
		format = &responseFormat{Type: "json_schema", JSONSchema: &jsonSchemaFormat{Name: name, Schema: r.Schema}}
	}

	body, err := json.Marshal(chatReq{
		Model:          apiModel,
		Messages:       msgs,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: format,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return Response{}, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("OpenAI status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return Response{}, fmt.Errorf("no choices")
	}

	raw := strings.TrimSpace(extractFirstJSON(out.Choices[0].Message.Content))
	if !json.Valid([]byte(raw)) {
		return Response{}, fmt.Errorf("reply is not JSON: %w", crm.ErrInvalidOracleOutput)
	}
	model := out.Model
	if model == "" {
		model = apiModel
	}
	return Response{
		Raw:   json.RawMessage(raw),
		Model: model,
		Usage: Usage{PromptTokens: int64(out.Usage.PromptTokens), CompletionTokens: int64(out.Usage.CompletionTokens)},
	}, nil
}
