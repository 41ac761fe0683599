package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.MaxReplans)
	assert.Equal(t, "prompt", cfg.ConfirmationPolicy)
	assert.Contains(t, cfg.Policy.DenyCommands, "rm")
}

func TestLoadFromFileOverridesLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
provider: anthropic
model: claude-sonnet-4-5
max_replans: 1
command_timeout: 5s
policy:
  deny_commands: [rm]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg := Default()
	require.NoError(t, loadFromFile(path, cfg))

	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 1, cfg.MaxReplans)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, []string{"rm"}, cfg.Policy.DenyCommands)
	// Untouched fields keep the default layer.
	assert.Equal(t, 6, cfg.MaxSteps)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HYBRIDSHELL_PROVIDER":        "Gemini",
		"HYBRIDSHELL_CONFIRMATION":    "AUTO",
		"HYBRIDSHELL_ROUTER_PROVIDER": "same",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "gemini", cfg.Provider)
	assert.Equal(t, "auto", cfg.ConfirmationPolicy)
	assert.Empty(t, cfg.RouterProvider)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"confirmation", func(c *Config) { c.ConfirmationPolicy = "sometimes" }},
		{"max steps", func(c *Config) { c.MaxSteps = 0 }},
		{"replans", func(c *Config) { c.MaxReplans = -1 }},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"window", func(c *Config) { c.ContextWindowSize = 0 }},
		{"top k", func(c *Config) { c.Memory.TopK = 51 }},
		{"backend", func(c *Config) { c.Search.Backend = "altavista" }},
		{"mcp without command", func(c *Config) { c.Search.Backend = "mcp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRouterBackend(t *testing.T) {
	cfg := Default()
	p, m := cfg.RouterBackend()
	assert.Equal(t, cfg.Provider, p)
	assert.Equal(t, cfg.Model, m)

	cfg.RouterProvider = "gemini"
	cfg.RouterModel = "gemini-2.0-flash"
	p, m = cfg.RouterBackend()
	assert.Equal(t, "gemini", p)
	assert.Equal(t, "gemini-2.0-flash", m)
}
