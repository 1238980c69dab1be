package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// Ollama implements Provider for a local Ollama daemon.
type Ollama struct {
	endpoint string
	client   *http.Client
	callSeq  atomic.Uint64
}

// NewOllama creates an Ollama provider.
func NewOllama(cfg Config) *Ollama {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &Ollama{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Kind returns the provider kind.
func (p *Ollama) Kind() string {
	return "ollama"
}

type ollamaFunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaFunctionDecl `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Complete makes one /api/chat call with streaming disabled.
func (p *Ollama) Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error) {
	messages := []ollamaMessage{}
	if opts.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: opts.SystemPrompt})
	}
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			continue

		case RoleAssistant:
			out := ollamaMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
					Function: ollamaFunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			messages = append(messages, out)

		case RoleTool:
			messages = append(messages, ollamaMessage{Role: "tool", Content: msg.Content})

		default:
			messages = append(messages, ollamaMessage{Role: "user", Content: msg.Content})
		}
	}

	reqBody := ollamaRequest{
		Model:    opts.Model,
		Messages: messages,
		Stream:   false,
	}
	if len(tools) > 0 {
		for _, t := range tools {
			reqBody.Tools = append(reqBody.Tools, ollamaTool{
				Type: "function",
				Function: ollamaFunctionDecl{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaAsMap(t.InputSchema),
				},
			})
		}
	}
	options := map[string]any{}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "ollama", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "ollama", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Kind: KindNetwork, Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: "ollama", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp.StatusCode, string(raw))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "ollama", Err: err}
	}

	toolCalls := []ToolCall{}
	for _, tc := range parsed.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:        fmt.Sprintf("toolcall-%d", p.callSeq.Add(1)),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &Completion{
		Text:      parsed.Message.Content,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  parsed.PromptEvalCount,
			OutputTokens: parsed.EvalCount,
		},
	}, nil
}
