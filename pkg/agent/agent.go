package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/juru/internal/metrics"
	"github.com/harun/juru/internal/tracing"
	"github.com/harun/juru/pkg/provider"
	"github.com/harun/juru/pkg/tool"
)

// DefaultMaxIterations caps completion cycles per turn.
const DefaultMaxIterations = 8

// ErrToolLoopExceeded reports a turn aborted because the model kept
// requesting tools past the iteration cap.
var ErrToolLoopExceeded = errors.New("tool loop exceeded")

// Config assembles an Agent.
type Config struct {
	Provider      provider.Provider
	Tools         ToolRunner
	Model         string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	Mode          Mode
	Metrics       *metrics.Metrics
}

// Agent drives the completion/tool loop over one conversation history.
// Front ends own one Agent per conversation; methods serialize on it, so a
// second HandleTurn blocks until the first finishes.
type Agent struct {
	provider      provider.Provider
	tools         ToolRunner
	model         string
	systemPrompt  string
	temperature   float64
	maxTokens     int
	maxIterations int
	met           *metrics.Metrics

	mu      sync.Mutex
	mode    Mode
	history []provider.Message
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	mode := cfg.Mode
	switch mode {
	case "":
		if cfg.Tools != nil {
			mode = ModeTools
		} else {
			mode = ModeChat
		}
	case ModeTools, ModeChat:
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	return &Agent{
		provider:      cfg.Provider,
		tools:         cfg.Tools,
		model:         cfg.Model,
		systemPrompt:  cfg.SystemPrompt,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		met:           cfg.Metrics,
		mode:          mode,
	}, nil
}

// Mode returns the current tool mode.
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SetMode switches between plain chat and tool dispatch for future turns.
func (a *Agent) SetMode(mode Mode) error {
	if mode != ModeChat && mode != ModeTools {
		return fmt.Errorf("unknown mode %q", mode)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
	return nil
}

// History returns a copy of the conversation so far.
func (a *Agent) History() []provider.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.Message, len(a.history))
	copy(out, a.history)
	return out
}

// Reset clears the conversation history. Tool server sessions are not
// touched; they belong to the registry and persist across resets.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = nil
}

// HandleTurn appends the user message and runs completion cycles until the
// model answers in text, dispatching requested tool calls in between. A
// provider failure aborts the turn; the user message and any finished tool
// results stay in history for the next turn.
func (a *Agent) HandleTurn(ctx context.Context, userText string) (*TurnResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "juru.agent", "agent.turn",
		attribute.String("mode", string(a.mode)))
	defer span.End()

	start := time.Now()
	mode := a.mode
	toolsEnabled := mode == ModeTools && a.tools != nil

	// The catalog and server guidance are snapshotted once per turn so the
	// model sees a stable tool surface across cycles.
	var schemas []provider.ToolSchema
	system := a.systemPrompt
	if toolsEnabled {
		schemas = a.advertised()
		if inst := a.tools.Instructions(); inst != "" {
			if system != "" {
				system += "\n\n"
			}
			system += inst
		}
	}

	a.history = append(a.history, provider.Message{Role: provider.RoleUser, Content: userText})

	opts := provider.Options{
		Model:        a.model,
		SystemPrompt: system,
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
	}

	var trace []TraceEntry
	var usage provider.Usage

	for iteration := 1; ; iteration++ {
		completion, err := a.provider.Complete(ctx, a.history, schemas, opts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.met.RecordTurn(string(mode), "provider_error", iteration, time.Since(start))
			return nil, err
		}
		usage.InputTokens += completion.Usage.InputTokens
		usage.OutputTokens += completion.Usage.OutputTokens

		calls := completion.ToolCalls
		if !toolsEnabled && len(calls) > 0 {
			log.Debug().Int("calls", len(calls)).Msg("ignoring tool calls in chat mode")
			calls = nil
		}

		if len(calls) == 0 {
			a.history = append(a.history, provider.Message{
				Role:    provider.RoleAssistant,
				Content: completion.Text,
			})
			a.met.RecordTurn(string(mode), "ok", iteration, time.Since(start))
			return &TurnResult{Text: completion.Text, ToolTrace: trace, Usage: usage}, nil
		}

		// The cap is checked before dispatch so an aborted turn leaves no
		// assistant message with unanswered tool calls in history.
		if iteration > a.maxIterations {
			err := fmt.Errorf("%w: %d completion cycles", ErrToolLoopExceeded, iteration)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.met.RecordToolLoopAbort()
			a.met.RecordTurn(string(mode), "loop_exceeded", iteration, time.Since(start))
			log.Warn().Int("iterations", iteration).Msg("turn aborted by tool loop cap")
			return nil, err
		}

		a.history = append(a.history, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: calls,
		})

		for _, call := range calls {
			entry := a.dispatch(ctx, call)
			trace = append(trace, entry)

			msg := provider.Message{
				Role:       provider.RoleTool,
				ToolCallID: call.ID,
				Content:    entry.Output,
			}
			if entry.Err != "" {
				msg.Content = entry.Err
				msg.IsError = true
			}
			a.history = append(a.history, msg)
		}
	}
}

// dispatch runs one tool call. Every outcome, including failure, becomes
// exactly one trace entry; failures never abort the batch.
func (a *Agent) dispatch(ctx context.Context, call provider.ToolCall) TraceEntry {
	start := time.Now()
	entry := TraceEntry{Tool: call.Name, Arguments: call.Arguments}

	res, err := a.tools.Invoke(ctx, call.Name, call.Arguments)
	entry.Duration = time.Since(start)
	if err != nil {
		entry.Err = err.Error()
		var te *tool.Error
		if errors.As(err, &te) {
			entry.Server = te.Server
			switch te.Kind {
			case tool.KindNotBound, tool.KindServerNotReady:
				// Configuration problems, not something the model said wrong.
				log.Warn().Str("tool", call.Name).Err(err).Msg("tool call unroutable")
			}
		}
		log.Debug().Str("tool", call.Name).Err(err).Msg("tool call failed")
		return entry
	}

	entry.Server = res.Server
	if res.IsError {
		entry.Err = res.Text
	} else {
		entry.Output = res.Text
	}
	log.Debug().
		Str("tool", call.Name).
		Str("server", res.Server).
		Dur("elapsed", res.Elapsed).
		Bool("isError", res.IsError).
		Msg("tool call finished")
	return entry
}

// advertised converts the merged catalog into provider tool schemas.
func (a *Agent) advertised() []provider.ToolSchema {
	descs := a.tools.ListAvailable()
	schemas := make([]provider.ToolSchema, 0, len(descs))
	for _, d := range descs {
		schemas = append(schemas, provider.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return schemas
}
