package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/juru/internal/config"
	"github.com/harun/juru/internal/logger"
	"github.com/harun/juru/internal/metrics"
	"github.com/harun/juru/internal/tracing"
	"github.com/harun/juru/pkg/agent"
	"github.com/harun/juru/pkg/mcp"
	"github.com/harun/juru/pkg/provider"
	"github.com/harun/juru/pkg/tool"
	"github.com/harun/juru/pkg/transcript"
)

// app holds the wired subsystems a command runs against. Construction
// follows dependency order: config, logger, metrics, tracing, registry,
// tool manager, transcript store.
type app struct {
	cfg         *config.Config
	cfgPath     string
	log         *logger.Logger
	met         *metrics.Metrics
	registry    *mcp.Registry
	tools       *tool.Manager
	transcripts *transcript.Store

	tracingEnabled bool
}

// newApp loads the config and brings up everything short of a provider.
// Provider construction is deferred to agentFactory so tool-only commands
// work without any provider configured.
func newApp() (*app, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Secrets:   collectSecrets(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		cfgPath: loader.GetConfigPath(),
		log:     lg,
		met:     metrics.New(),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init("juru", cfg.Tracing.SampleRatio); err != nil {
			lg.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			a.tracingEnabled = true
			lg.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	a.registry = mcp.NewRegistry(mcp.WithMetrics(a.met))
	a.registry.Apply(descriptors(cfg.Servers))

	a.tools = tool.NewManager(tool.FromRegistry(a.registry), bindings(cfg.Tools), tool.WithManagerMetrics(a.met))

	if cfg.Transcript.Enabled {
		store, err := transcript.New(cfg.Transcript.Dir, a.met)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open transcript store: %w", err)
		}
		a.transcripts = store
	}

	lg.Info().
		Int("servers", len(cfg.Servers)).
		Int("tools", len(cfg.Tools)).
		Int("providers", len(cfg.Providers)).
		Msg("Initialized")

	return a, nil
}

// agentFactory resolves the provider and model once and returns a
// constructor for per-conversation agents.
func (a *app) agentFactory() (func() (*agent.Agent, error), error) {
	pc, err := a.cfg.Provider()
	if err != nil {
		return nil, err
	}

	prov, err := provider.New(providerConfig(pc))
	if err != nil {
		return nil, err
	}
	prov = provider.WrapWithRetry(prov, provider.DefaultRetryConfig(), a.met)

	model, err := a.cfg.Model()
	if err != nil {
		return nil, err
	}

	a.log.Info().Str("provider", pc.ID).Str("model", model).Msg("Provider ready")

	agentCfg := a.cfg.Agent
	return func() (*agent.Agent, error) {
		return agent.New(agent.Config{
			Provider:      prov,
			Tools:         a.tools,
			Model:         model,
			SystemPrompt:  agentCfg.SystemPrompt,
			Temperature:   agentCfg.Temperature,
			MaxTokens:     agentCfg.MaxTokens,
			MaxIterations: agentCfg.MaxIterations,
			Mode:          agent.Mode(agentCfg.Mode),
			Metrics:       a.met,
		})
	}, nil
}

// close tears down in reverse dependency order. Child processes first so
// their exit noise still gets logged.
func (a *app) close() {
	a.registry.Close()

	if a.transcripts != nil {
		if err := a.transcripts.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close transcript store")
		}
	}

	if a.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(ctx); err != nil {
			a.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
	}

	if err := a.log.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
	}
}

// descriptors converts configured servers into registry descriptors.
func descriptors(servers []config.ServerConfig) []mcp.Descriptor {
	descs := make([]mcp.Descriptor, 0, len(servers))
	for _, s := range servers {
		descs = append(descs, mcp.Descriptor{
			Name:     s.Name,
			Command:  s.Command,
			Args:     s.Args,
			Env:      s.Env,
			Workdir:  s.Workdir,
			Settings: s.Settings,
		})
	}
	return descs
}

// bindings converts configured tool routes into manager bindings.
func bindings(tools []config.ToolBindingConfig) []tool.Binding {
	bs := make([]tool.Binding, 0, len(tools))
	for _, t := range tools {
		bs = append(bs, tool.Binding{
			Name:        t.Name,
			Server:      t.Server,
			Tool:        t.Tool,
			Description: t.Description,
		})
	}
	return bs
}

// providerConfig flattens one provider entry for the factory.
func providerConfig(pc config.ProviderConfig) provider.Config {
	models := make([]string, 0, len(pc.Models))
	for _, m := range pc.Models {
		models = append(models, m.Name)
	}
	return provider.Config{
		ID:       pc.ID,
		Kind:     pc.Kind,
		Endpoint: pc.Endpoint,
		APIKey:   pc.APIKey,
		APIPath:  pc.APIPath,
		Models:   models,
	}
}

// collectSecrets gathers resolved credential values so the log redactor can
// scrub them wherever they appear.
func collectSecrets(cfg *config.Config) []string {
	var secrets []string
	for _, p := range cfg.Providers {
		if v := resolveSecret(p.APIKey); v != "" {
			secrets = append(secrets, v)
		}
	}
	if v := resolveSecret(cfg.Gateway.SharedSecret); v != "" {
		secrets = append(secrets, v)
	}
	return secrets
}

// resolveSecret reads the configured value as an environment variable name
// first and falls back to the literal.
func resolveSecret(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if env := os.Getenv(v); env != "" {
		return env
	}
	return v
}
