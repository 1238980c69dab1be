package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic implements Provider for the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(resolveAPIKey(cfg.APIKey, "ANTHROPIC_API_KEY")),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Kind returns the provider kind.
func (p *Anthropic) Kind() string {
	return "anthropic"
}

// Complete makes one Messages API call.
func (p *Anthropic) Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range history {
		switch {
		case msg.Role == RoleSystem:
			continue // system prompt travels in Options

		case msg.Role == RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))

		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: opts.SystemPrompt},
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = anthropicTools(tools)
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicErr(err)
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, &Error{Kind: KindMalformed, Provider: "anthropic",
					Err: fmt.Errorf("parse tool input: %w", err)}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	return &Completion{
		Text:      content,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func anthropicTools(tools []ToolSchema) []anthropic.ToolUnionParam {
	out := []anthropic.ToolUnionParam{}
	for _, t := range tools {
		var schema struct {
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		}
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}

		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
			},
		}
		if len(schema.Required) > 0 {
			toolParam.InputSchema.Required = schema.Required
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func wrapAnthropicErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &Error{
			Kind:     classifyStatus(apierr.StatusCode),
			Provider: "anthropic",
			Status:   apierr.StatusCode,
			Err:      err,
		}
	}
	return &Error{Kind: KindNetwork, Provider: "anthropic", Err: err}
}
