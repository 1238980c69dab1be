package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/juru/internal/console"
	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/transcript"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant on the terminal",
	Long: `Chat starts an interactive session on stdin/stdout. Tool servers are
launched lazily on first use; /help lists the session commands.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	factory, err := a.agentFactory()
	if err != nil {
		return err
	}
	ag, err := factory()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con, err := console.New(console.Config{
		Agent:   recordTurns(ag, a.transcripts),
		Tools:   a.tools,
		Version: version,
	})
	if err != nil {
		return err
	}

	if err := con.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recordingAgent appends each finished turn to the transcript store under
// one session key for the lifetime of the REPL.
type recordingAgent struct {
	*agent.Agent
	store      *transcript.Store
	sessionKey string
}

// recordTurns wraps ag so finished turns persist. A nil store returns ag
// unwrapped.
func recordTurns(ag *agent.Agent, store *transcript.Store) console.Agent {
	if store == nil {
		return ag
	}
	return &recordingAgent{
		Agent:      ag,
		store:      store,
		sessionKey: transcript.NewSessionKey(),
	}
}

func (r *recordingAgent) HandleTurn(ctx context.Context, text string) (*agent.TurnResult, error) {
	res, err := r.Agent.HandleTurn(ctx, text)
	if err != nil {
		return res, err
	}
	turn := transcript.Turn{
		Mode:      string(r.Agent.Mode()),
		User:      text,
		Assistant: res.Text,
		ToolTrace: res.ToolTrace,
		Usage:     res.Usage,
	}
	if aerr := r.store.Append(ctx, r.sessionKey, turn); aerr != nil {
		log.Warn().Err(aerr).Str("session_key", r.sessionKey).Msg("Failed to persist turn")
	}
	return res, nil
}
