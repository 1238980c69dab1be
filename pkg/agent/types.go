package agent

import (
	"context"
	"time"

	"github.com/harun/juru/pkg/provider"
	"github.com/harun/juru/pkg/tool"
)

// Mode selects how a turn treats tools.
type Mode string

const (
	// ModeTools advertises bound tools and dispatches requested calls.
	ModeTools Mode = "tools"
	// ModeChat never advertises tools and ignores any tool calls a
	// completion sneaks in.
	ModeChat Mode = "chat"
)

// ToolRunner is the tool surface a turn needs. *tool.Manager satisfies it.
type ToolRunner interface {
	Invoke(ctx context.Context, name string, args map[string]any) (*tool.Result, error)
	ListAvailable() []tool.Desc
	Instructions() string
}

// TraceEntry records one tool call made during a turn.
type TraceEntry struct {
	Tool      string         `json:"tool"`
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	Err       string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// TurnResult is the outcome of one handled turn.
type TurnResult struct {
	Text      string         `json:"text"`
	ToolTrace []TraceEntry   `json:"toolTrace,omitempty"`
	Usage     provider.Usage `json:"usage"`
}
