package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation history in the provider-neutral shape.
// ToolCallID and IsError are set only on RoleTool messages.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	IsError    bool
}

// ToolCall is a model request to run one tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolSchema advertises one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Options are the per-completion knobs.
type Options struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Usage is the token accounting a provider reported.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Completion is one model response: text, requested tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider turns conversation history into a completion.
type Provider interface {
	Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error)
	Kind() string
}

// Config selects and credentials one provider.
type Config struct {
	ID       string
	Kind     string
	Endpoint string
	APIKey   string
	APIPath  string
	Models   []string
}

// New builds a provider from its configuration. Unknown kinds are treated as
// OpenAI-compatible HTTP endpoints, which covers most self-hosted gateways.
func New(cfg Config) (Provider, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	switch kind {
	case "anthropic":
		return NewAnthropic(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "openai-compatible", "localai":
		return NewOpenAICompatible(cfg)
	case "gemini", "google", "google-ai":
		return NewGemini(cfg), nil
	case "ollama":
		return NewOllama(cfg), nil
	case "":
		return nil, fmt.Errorf("provider %s: kind is required", cfg.ID)
	default:
		log.Warn().Str("provider", cfg.ID).Str("kind", cfg.Kind).
			Msg("unknown provider kind, treating endpoint as openai-compatible")
		return NewOpenAICompatible(cfg)
	}
}

// resolveAPIKey turns the configured value into a usable credential. The
// value is first tried as an environment variable name, then used verbatim;
// an empty value falls back to the provider's conventional variable.
func resolveAPIKey(configured, defaultEnv string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if v := os.Getenv(configured); v != "" {
			return v
		}
		return configured
	}
	if defaultEnv != "" {
		return os.Getenv(defaultEnv)
	}
	return ""
}

// resolveToolCallName recovers the tool name behind a call id by scanning
// the assistant messages that introduced it. Providers without native call
// ids need the name, not the id, when sending results back.
func resolveToolCallName(history []Message, callID string) string {
	for _, msg := range history {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return ""
}

// schemaAsMap decodes a JSON Schema document into the loose map shape REST
// payloads want. A missing schema becomes an empty object schema.
func schemaAsMap(raw json.RawMessage) map[string]any {
	if len(raw) > 0 {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil && m != nil {
			return m
		}
	}
	return map[string]any{"type": "object"}
}
