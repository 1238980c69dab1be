package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/juru/internal/config"
)

func TestResolveSecret(t *testing.T) {
	t.Run("reads environment variable first", func(t *testing.T) {
		t.Setenv("JURU_TEST_SECRET", "resolved-from-env")
		assert.Equal(t, "resolved-from-env", resolveSecret("JURU_TEST_SECRET"))
	})

	t.Run("falls back to the literal", func(t *testing.T) {
		assert.Equal(t, "literal-api-key", resolveSecret("literal-api-key"))
	})

	t.Run("empty stays empty", func(t *testing.T) {
		assert.Equal(t, "", resolveSecret(""))
		assert.Equal(t, "", resolveSecret("   "))
	})
}

func TestCollectSecrets(t *testing.T) {
	t.Setenv("JURU_TEST_GW_SECRET", "hunter2-gateway")

	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{
		{ID: "a", Kind: "anthropic", APIKey: "sk-ant-literal"},
		{ID: "b", Kind: "openai"}, // no key configured
	}
	cfg.Gateway.SharedSecret = "JURU_TEST_GW_SECRET"

	secrets := collectSecrets(cfg)
	assert.ElementsMatch(t, []string{"sk-ant-literal", "hunter2-gateway"}, secrets)
}

func TestDescriptors(t *testing.T) {
	servers := []config.ServerConfig{
		{
			Name:     "time",
			Command:  "timesrv",
			Args:     []string{"--utc"},
			Env:      map[string]string{"TZ": "UTC"},
			Workdir:  "/srv",
			Settings: map[string]string{"default_timezone": "UTC"},
		},
	}

	descs := descriptors(servers)
	require.Len(t, descs, 1)
	assert.Equal(t, "time", descs[0].Name)
	assert.Equal(t, "timesrv", descs[0].Command)
	assert.Equal(t, []string{"--utc"}, descs[0].Args)
	assert.Equal(t, "UTC", descs[0].Env["TZ"])
	assert.Equal(t, "/srv", descs[0].Workdir)
	assert.Equal(t, "UTC", descs[0].Settings["default_timezone"])
}

func TestBindings(t *testing.T) {
	bs := bindings([]config.ToolBindingConfig{
		{Name: "get_time", Server: "time", Tool: "now", Description: "current time"},
		{Name: "search", Server: "web"},
	})

	require.Len(t, bs, 2)
	assert.Equal(t, "get_time", bs[0].Name)
	assert.Equal(t, "time", bs[0].Server)
	assert.Equal(t, "now", bs[0].Tool)
	assert.Equal(t, "current time", bs[0].Description)
	assert.Empty(t, bs[1].Tool)
}

func TestProviderConfig(t *testing.T) {
	pc := providerConfig(config.ProviderConfig{
		ID:       "main",
		Kind:     "openai-compatible",
		Endpoint: "http://localhost:8080",
		APIKey:   "LLM_KEY",
		APIPath:  "/v1/chat/completions",
		Models: []config.ModelConfig{
			{Name: "m-1", DisplayName: "Model One"},
			{Name: "m-2"},
		},
	})

	assert.Equal(t, "main", pc.ID)
	assert.Equal(t, "openai-compatible", pc.Kind)
	assert.Equal(t, "http://localhost:8080", pc.Endpoint)
	assert.Equal(t, []string{"m-1", "m-2"}, pc.Models)
}

func TestModelInfos(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{
		{ID: "a", Kind: "anthropic", Models: []config.ModelConfig{
			{Name: "claude-sonnet-4-20250514", DisplayName: "Sonnet"},
		}},
		{ID: "b", Kind: "ollama", Models: []config.ModelConfig{
			{Name: "llama3"},
			{Name: "qwen3"},
		}},
	}

	models := modelInfos(cfg)
	require.Len(t, models, 3)
	assert.Equal(t, "a", models[0].Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", models[0].Name)
	assert.Equal(t, "Sonnet", models[0].DisplayName)
	assert.Equal(t, "b", models[2].Provider)
	assert.Equal(t, "qwen3", models[2].Name)
}

func TestSortedKeys(t *testing.T) {
	m := map[string]error{"zeta": nil, "alpha": nil, "mid": nil}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, sortedKeys(m))
}
