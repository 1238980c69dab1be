package console

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/mcp"
	"github.com/harun/juru/pkg/tool"
)

type fakeAgent struct {
	mode     agent.Mode
	resets   int
	turns    []string
	reply    string
	trace    []agent.TraceEntry
	turnErr  error
	modeErrs bool
}

func (f *fakeAgent) HandleTurn(_ context.Context, text string) (*agent.TurnResult, error) {
	f.turns = append(f.turns, text)
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	return &agent.TurnResult{Text: f.reply, ToolTrace: f.trace}, nil
}

func (f *fakeAgent) Reset() { f.resets++ }

func (f *fakeAgent) Mode() agent.Mode { return f.mode }

func (f *fakeAgent) SetMode(mode agent.Mode) error {
	if f.modeErrs {
		return fmt.Errorf("unknown mode %q", mode)
	}
	f.mode = mode
	return nil
}

type fakeTools struct {
	descs    []tool.Desc
	syncs    int
	syncErrs map[string]error
	statuses map[string]mcp.Status
}

func (f *fakeTools) ListAvailable() []tool.Desc { return f.descs }

func (f *fakeTools) Sync(context.Context) map[string]error {
	f.syncs++
	return f.syncErrs
}

func (f *fakeTools) Statuses() map[string]mcp.Status { return f.statuses }

// run feeds a script of input lines and returns everything printed.
func run(t *testing.T, ag *fakeAgent, tools Tools, script ...string) string {
	t.Helper()

	var out bytes.Buffer
	c, err := New(Config{
		Agent:   ag,
		Tools:   tools,
		In:      strings.NewReader(strings.Join(script, "\n") + "\n"),
		Out:     &out,
		Version: "v0.0.0-test",
	})
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background()))
	return out.String()
}

func TestNewRequiresAgent(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "agent is required")
}

func TestRunPrintsBannerAndExitsOnEOF(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeTools}
	out := run(t, ag, nil)

	assert.Contains(t, out, "juru v0.0.0-test")
	assert.Contains(t, out, "(mode: tools)")
	assert.Empty(t, ag.turns)
}

func TestRunHandlesTurn(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeChat, reply: "It is 14:32."}
	out := run(t, ag, nil, "what time is it?")

	require.Equal(t, []string{"what time is it?"}, ag.turns)
	assert.Contains(t, out, "It is 14:32.")
}

func TestRunSkipsBlankLines(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeChat, reply: "hi"}
	run(t, ag, nil, "", "   ", "")

	assert.Empty(t, ag.turns)
}

func TestRunPrintsTurnErrors(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeChat, turnErr: fmt.Errorf("provider unavailable")}
	out := run(t, ag, nil, "hello")

	assert.Contains(t, out, "error: provider unavailable")
}

func TestQuitCommand(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeChat, reply: "never sent"}
	out := run(t, ag, nil, "/quit", "this line is not read")

	assert.Contains(t, out, "bye")
	assert.Empty(t, ag.turns)
}

func TestResetCommand(t *testing.T) {
	ag := &fakeAgent{mode: agent.ModeChat}
	out := run(t, ag, nil, "/reset")

	assert.Equal(t, 1, ag.resets)
	assert.Contains(t, out, "conversation cleared")
}

func TestModeCommand(t *testing.T) {
	t.Run("shows current mode", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools}
		out := run(t, ag, nil, "/mode")
		assert.Contains(t, out, "mode: tools")
	})

	t.Run("switches mode", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools}
		out := run(t, ag, nil, "/mode chat")
		assert.Equal(t, agent.ModeChat, ag.mode)
		assert.Contains(t, out, "mode: chat")
	})

	t.Run("reports invalid mode", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools, modeErrs: true}
		out := run(t, ag, nil, "/mode sideways")
		assert.Contains(t, out, "want tools or chat")
	})
}

func TestToolsCommand(t *testing.T) {
	t.Run("lists catalog and server states", func(t *testing.T) {
		tools := &fakeTools{
			descs: []tool.Desc{
				{Name: "get_time", Description: "Current time", Server: "time"},
			},
			statuses: map[string]mcp.Status{"time": mcp.StatusReady},
		}
		out := run(t, &fakeAgent{mode: agent.ModeTools}, tools, "/tools")

		assert.Contains(t, out, "get_time")
		assert.Contains(t, out, "Current time")
		assert.Contains(t, out, "server time")
		assert.Contains(t, out, "ready")
	})

	t.Run("empty catalog hints at sync", func(t *testing.T) {
		out := run(t, &fakeAgent{mode: agent.ModeTools}, &fakeTools{}, "/tools")
		assert.Contains(t, out, "no tools available")
	})

	t.Run("without a tool manager", func(t *testing.T) {
		out := run(t, &fakeAgent{mode: agent.ModeChat}, nil, "/tools")
		assert.Contains(t, out, "no tool manager configured")
	})
}

func TestSyncCommand(t *testing.T) {
	tools := &fakeTools{
		syncErrs: map[string]error{
			"time":  nil,
			"files": fmt.Errorf("spawn failed"),
		},
	}
	out := run(t, &fakeAgent{mode: agent.ModeTools}, tools, "/sync")

	assert.Equal(t, 1, tools.syncs)
	assert.Contains(t, out, "time")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "files")
	assert.Contains(t, out, "spawn failed")
}

func TestTraceCommand(t *testing.T) {
	trace := []agent.TraceEntry{
		{Tool: "get_time", Server: "time", Output: "14:32", Duration: 12 * time.Millisecond},
	}

	t.Run("prints last trace on demand", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools, reply: "It is 14:32.", trace: trace}
		out := run(t, ag, nil, "what time is it?", "/trace")

		assert.Contains(t, out, "get_time @ time")
		assert.Contains(t, out, "14:32")
	})

	t.Run("reports when there is nothing to show", func(t *testing.T) {
		out := run(t, &fakeAgent{mode: agent.ModeTools, reply: "hi"}, nil, "hello", "/trace")
		assert.Contains(t, out, "no tool calls in the last turn")
	})

	t.Run("auto printing toggles", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools, reply: "done", trace: trace}
		out := run(t, ag, nil, "/trace on", "do it")

		assert.Contains(t, out, "trace printing on")
		assert.Contains(t, out, "get_time @ time")
	})

	t.Run("trace errors are shown", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools, reply: "could not", trace: []agent.TraceEntry{
			{Tool: "get_time", Err: "tool get_time: not bound"},
		}}
		out := run(t, ag, nil, "what time?", "/trace")
		assert.Contains(t, out, "error: tool get_time: not bound")
	})

	t.Run("reset clears the saved trace", func(t *testing.T) {
		ag := &fakeAgent{mode: agent.ModeTools, reply: "done", trace: trace}
		out := run(t, ag, nil, "do it", "/reset", "/trace")
		assert.Contains(t, out, "no tool calls in the last turn")
	})
}

func TestUnknownCommand(t *testing.T) {
	out := run(t, &fakeAgent{mode: agent.ModeChat}, nil, "/frobnicate")
	assert.Contains(t, out, `unknown command "/frobnicate"`)
	assert.Contains(t, out, "/help")
}

func TestHelpCommand(t *testing.T) {
	out := run(t, &fakeAgent{mode: agent.ModeChat}, nil, "/help")

	for _, cmd := range []string{"/reset", "/tools", "/sync", "/trace", "/mode", "/quit"} {
		assert.Contains(t, out, cmd)
	}
}
