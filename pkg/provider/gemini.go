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

const (
	defaultGeminiEndpoint = "https://generativelanguage.googleapis.com"
	defaultGeminiAPIPath  = "v1beta/models"
)

// Gemini implements Provider for the Google Generative Language API.
type Gemini struct {
	endpoint string
	apiPath  string
	apiKey   string
	client   *http.Client
	callSeq  atomic.Uint64
}

// NewGemini creates a Gemini provider.
func NewGemini(cfg Config) *Gemini {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}
	apiPath := strings.Trim(cfg.APIPath, "/")
	if apiPath == "" {
		apiPath = defaultGeminiAPIPath
	}
	return &Gemini{
		endpoint: endpoint,
		apiPath:  apiPath,
		apiKey:   resolveAPIKey(cfg.APIKey, "GEMINI_API_KEY"),
		client:   &http.Client{},
	}
}

// Kind returns the provider kind.
func (p *Gemini) Kind() string {
	return "gemini"
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Complete makes one generateContent call.
func (p *Gemini) Complete(ctx context.Context, history []Message, tools []ToolSchema, opts Options) (*Completion, error) {
	reqBody := geminiRequest{
		Contents: p.buildContents(history),
	}
	if opts.SystemPrompt != "" {
		reqBody.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: opts.SystemPrompt}},
		}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiParameters(t.InputSchema),
			})
		}
		reqBody.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		cfg := &geminiGenerationConfig{MaxOutputTokens: opts.MaxTokens}
		if opts.Temperature > 0 {
			t := opts.Temperature
			cfg.Temperature = &t
		}
		reqBody.GenerationConfig = cfg
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "gemini", Err: err}
	}

	endpoint := fmt.Sprintf("%s/%s/%s:generateContent", p.endpoint, p.apiPath, opts.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "gemini", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	query := req.URL.Query()
	query.Set("key", p.apiKey)
	req.URL.RawQuery = query.Encode()

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Kind: KindNetwork, Provider: "gemini", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Provider: "gemini", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("gemini", resp.StatusCode, string(raw))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: "gemini", Err: err}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &Error{Kind: KindMalformed, Provider: "gemini",
			Err: fmt.Errorf("no candidates returned")}
	}

	content := ""
	toolCalls := []ToolCall{}
	for _, part := range parsed.Candidates[0].Content.Parts {
		if part.Text != "" {
			content += part.Text
		}
		if part.FunctionCall != nil {
			toolCalls = append(toolCalls, ToolCall{
				ID:        fmt.Sprintf("toolcall-%d", p.callSeq.Add(1)),
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	return &Completion{
		Text:      content,
		ToolCalls: toolCalls,
		Usage: Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// buildContents maps neutral history onto Gemini's role/parts shape. Tool
// results become functionResponse parts carrying the tool name, since the
// API has no call ids.
func (p *Gemini) buildContents(history []Message) []geminiContent {
	contents := []geminiContent{}
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			continue // carried as system_instruction

		case RoleAssistant:
			parts := []geminiPart{}
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			if len(parts) == 0 {
				parts = append(parts, geminiPart{Text: ""})
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})

		case RoleTool:
			response := map[string]any{"content": msg.Content}
			if msg.IsError {
				response = map[string]any{"error": msg.Content}
			}
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResponse: &geminiFunctionResponse{
					Name:     resolveToolCallName(history, msg.ToolCallID),
					Response: response,
				},
			}}})

		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	return contents
}

// geminiParameters strips schema keywords the API rejects.
func geminiParameters(raw json.RawMessage) map[string]any {
	params := schemaAsMap(raw)
	delete(params, "$schema")
	delete(params, "additionalProperties")
	return params
}
