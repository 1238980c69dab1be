package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI implements Provider for the OpenAI Chat Completions API and for
// any endpoint that speaks the same dialect.
type OpenAI struct {
	client openai.Client
	kind   string
}

// NewOpenAI creates a provider against api.openai.com, or against
// cfg.Endpoint when set.
func NewOpenAI(cfg Config) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &OpenAI{client: openai.NewClient(opts...), kind: "openai"}
}

// NewOpenAICompatible creates a provider for a self-hosted endpoint speaking
// the Chat Completions dialect. The endpoint is required; the key is
// whatever the gateway expects, often none.
func NewOpenAICompatible(cfg Config) (*OpenAI, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("provider %s: endpoint is required for an openai-compatible provider", cfg.ID)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(resolveAPIKey(cfg.APIKey, "")),
		option.WithBaseURL(cfg.Endpoint),
	}
	return &OpenAI{client: openai.NewClient(opts...), kind: "openai-compatible"}, nil
}

// Kind returns the provider kind.
func (p *OpenAI) Kind() string {
	return p.kind
}

// Complete makes one Chat Completions call.
func (p *OpenAI) Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(opts.SystemPrompt))
	}

	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			continue // already prepended

		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))

		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				toolCalls := []openai.ChatCompletionMessageToolCall{}
				for _, tc := range msg.ToolCalls {
					argsJSON, err := json.Marshal(tc.Arguments)
					if err != nil {
						return nil, &Error{Kind: KindMalformed, Provider: p.kind,
							Err: fmt.Errorf("marshal tool arguments: %w", err)}
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsJSON),
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}

		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(opts.Model),
		Messages: messages,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		toolParams := []openai.ChatCompletionToolParam{}
		for _, t := range tools {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(schemaAsMap(t.InputSchema)),
				},
			})
		}
		params.Tools = toolParams
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	if len(response.Choices) == 0 {
		return nil, &Error{Kind: KindMalformed, Provider: p.kind,
			Err: fmt.Errorf("no response choices returned")}
	}

	choice := response.Choices[0]
	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, &Error{Kind: KindMalformed, Provider: p.kind,
				Err: fmt.Errorf("parse tool arguments: %w", err)}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &Completion{
		Text:      choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func (p *OpenAI) wrapErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &Error{
			Kind:     classifyStatus(apierr.StatusCode),
			Provider: p.kind,
			Status:   apierr.StatusCode,
			Err:      err,
		}
	}
	return &Error{Kind: KindNetwork, Provider: p.kind, Err: err}
}
