package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/juru/internal/config"
	"github.com/harun/juru/pkg/gateway"
	"github.com/harun/juru/pkg/refresh"
	"github.com/harun/juru/pkg/transcript"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	Long: `Serve exposes the assistant over JSON-RPC 2.0 on a WebSocket endpoint,
plus /healthz and /metrics. Every connection gets its own conversation.
Requires gateway.enabled and a shared secret in the config.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if !a.cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is disabled, set gateway.enabled in %s", a.cfgPath)
	}

	factory, err := a.agentFactory()
	if err != nil {
		return err
	}

	srv, err := gateway.NewServer(gateway.Config{
		Host:         a.cfg.Gateway.Host,
		Port:         a.cfg.Gateway.Port,
		SharedSecret: resolveSecret(a.cfg.Gateway.SharedSecret),
		NewAgent:     factory,
		Tools:        a.tools,
		Transcripts:  a.transcripts,
		Models:       modelInfos(a.cfg),
		Metrics:      a.met,
		Logger:       a.log.GetZerolog(),
		Version:      version,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.cfg.Refresh.Enabled {
		sched, err := refresh.New(a.registry, a.cfg.Refresh.Schedule)
		if err != nil {
			return err
		}
		go sched.Run(ctx)
	}

	if a.transcripts != nil && a.cfg.Transcript.RetentionDays > 0 {
		retention := time.Duration(a.cfg.Transcript.RetentionDays) * 24 * time.Hour
		sweeper := transcript.NewSweeper(a.transcripts, retention)
		if err := sweeper.Start(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to start transcript sweeper")
		} else {
			defer sweeper.Stop()
		}
	}

	// Hot reload swaps server descriptors and tool bindings in place.
	// Provider and gateway settings stay as loaded until restart.
	watcher, err := config.NewWatcher(a.log.GetZerolog(), a.cfgPath, func(cfg *config.Config) {
		a.registry.Apply(descriptors(cfg.Servers))
		a.tools.SetBindings(bindings(cfg.Tools))
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("Config watcher unavailable, hot reload disabled")
	} else {
		defer watcher.Stop()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Printf("Gateway listening on %s:%d\n", a.cfg.Gateway.Host, a.cfg.Gateway.Port)

	<-ctx.Done()
	a.log.Info().Msg("Shutting down")

	return srv.Stop()
}

// modelInfos flattens every configured provider's models for models.list.
func modelInfos(cfg *config.Config) []gateway.ModelInfo {
	var models []gateway.ModelInfo
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			models = append(models, gateway.ModelInfo{
				Provider:    p.ID,
				Name:        m.Name,
				DisplayName: m.DisplayName,
			})
		}
	}
	return models
}
