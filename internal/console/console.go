package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/mcp"
	"github.com/harun/juru/pkg/tool"
)

// Agent is the conversation surface the REPL drives. *agent.Agent
// satisfies it.
type Agent interface {
	HandleTurn(ctx context.Context, text string) (*agent.TurnResult, error)
	Reset()
	Mode() agent.Mode
	SetMode(mode agent.Mode) error
}

// Tools is the tool surface behind /tools and /sync. *tool.Manager
// satisfies it.
type Tools interface {
	ListAvailable() []tool.Desc
	Sync(ctx context.Context) map[string]error
	Statuses() map[string]mcp.Status
}

// Config assembles a Console.
type Config struct {
	Agent   Agent
	Tools   Tools
	In      io.Reader
	Out     io.Writer
	Version string
}

// Console is an interactive line-based chat front end on stdin/stdout.
type Console struct {
	agent   Agent
	tools   Tools
	in      io.Reader
	out     io.Writer
	version string

	autoTrace bool
	lastTrace []agent.TraceEntry
}

// New creates a Console.
func New(cfg Config) (*Console, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Console{
		agent:   cfg.Agent,
		tools:   cfg.Tools,
		in:      cfg.In,
		out:     cfg.Out,
		version: cfg.Version,
	}, nil
}

// Run reads lines until EOF, /quit or context cancellation. Lines starting
// with "/" are commands; everything else becomes a conversation turn.
func (c *Console) Run(ctx context.Context) error {
	c.banner()

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			// EOF (or a read error below) ends the session cleanly.
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				return nil
			}
			continue
		}

		c.turn(ctx, line)
	}
}

func (c *Console) banner() {
	name := "juru"
	if c.version != "" {
		name += " " + c.version
	}
	fmt.Fprintf(c.out, "%s  (mode: %s)\n", name, c.agent.Mode())
	fmt.Fprintf(c.out, "type /help for commands, /quit to exit\n\n")
}

// turn runs one conversation turn and prints the reply.
func (c *Console) turn(ctx context.Context, text string) {
	res, err := c.agent.HandleTurn(ctx, text)
	if err != nil {
		log.Debug().Err(err).Msg("console turn failed")
		fmt.Fprintf(c.out, "error: %v\n\n", err)
		return
	}

	c.lastTrace = res.ToolTrace
	fmt.Fprintf(c.out, "%s\n", res.Text)
	if c.autoTrace && len(res.ToolTrace) > 0 {
		c.printTrace(res.ToolTrace)
	}
	fmt.Fprintln(c.out)
}

// command dispatches one slash command. Returns true when the REPL should
// exit.
func (c *Console) command(ctx context.Context, line string) bool {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "help", "?":
		c.printHelp()
	case "reset", "clear", "new":
		c.agent.Reset()
		c.lastTrace = nil
		fmt.Fprintf(c.out, "conversation cleared\n\n")
	case "tools":
		c.printTools()
	case "sync":
		c.syncServers(ctx)
	case "trace":
		c.trace(args)
	case "mode":
		c.mode(args)
	case "quit", "exit", "bye":
		fmt.Fprintf(c.out, "bye\n")
		return true
	default:
		fmt.Fprintf(c.out, "unknown command %q, try /help\n\n", "/"+name)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprint(c.out, `commands:
  /help          show this help
  /reset         clear the conversation
  /tools         list available tools and server states
  /sync          handshake with every configured server
  /trace         show tool calls from the last turn
  /trace on|off  toggle automatic trace printing
  /mode          show the current mode
  /mode tools    advertise and dispatch tools
  /mode chat     plain chat, no tools
  /quit          exit

`)
}

func (c *Console) printTools() {
	if c.tools == nil {
		fmt.Fprintf(c.out, "no tool manager configured\n\n")
		return
	}

	descs := c.tools.ListAvailable()
	if len(descs) == 0 {
		fmt.Fprintf(c.out, "no tools available (try /sync)\n")
	}
	for _, d := range descs {
		desc := d.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(c.out, "  %-20s %s  [%s]\n", d.Name, desc, d.Server)
	}

	statuses := c.tools.Statuses()
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  server %-13s %s\n", name, statuses[name])
	}
	fmt.Fprintln(c.out)
}

func (c *Console) syncServers(ctx context.Context) {
	if c.tools == nil {
		fmt.Fprintf(c.out, "no tool manager configured\n\n")
		return
	}

	results := c.tools.Sync(ctx)
	if len(results) == 0 {
		fmt.Fprintf(c.out, "no servers configured\n\n")
		return
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := results[name]; err != nil {
			fmt.Fprintf(c.out, "  %-15s failed: %v\n", name, err)
		} else {
			fmt.Fprintf(c.out, "  %-15s ok\n", name)
		}
	}
	fmt.Fprintln(c.out)
}

func (c *Console) trace(args []string) {
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			c.autoTrace = true
			fmt.Fprintf(c.out, "trace printing on\n\n")
		case "off":
			c.autoTrace = false
			fmt.Fprintf(c.out, "trace printing off\n\n")
		default:
			fmt.Fprintf(c.out, "usage: /trace [on|off]\n\n")
		}
		return
	}

	if len(c.lastTrace) == 0 {
		fmt.Fprintf(c.out, "no tool calls in the last turn\n\n")
		return
	}
	c.printTrace(c.lastTrace)
	fmt.Fprintln(c.out)
}

func (c *Console) printTrace(trace []agent.TraceEntry) {
	for i, e := range trace {
		where := e.Tool
		if e.Server != "" {
			where += " @ " + e.Server
		}
		fmt.Fprintf(c.out, "  [%d] %s (%s)\n", i+1, where, e.Duration.Round(time.Millisecond))
		if e.Err != "" {
			fmt.Fprintf(c.out, "      error: %s\n", e.Err)
		} else if e.Output != "" {
			fmt.Fprintf(c.out, "      %s\n", firstLine(e.Output))
		}
	}
}

func (c *Console) mode(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(c.out, "mode: %s\n\n", c.agent.Mode())
		return
	}

	mode := agent.Mode(strings.ToLower(args[0]))
	if err := c.agent.SetMode(mode); err != nil {
		fmt.Fprintf(c.out, "error: %v (want tools or chat)\n\n", err)
		return
	}
	fmt.Fprintf(c.out, "mode: %s\n\n", mode)
}

// firstLine truncates multi-line tool output for inline display.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
