package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
engine:
  transient_retries: 2
  default_cooldown: 45s
providers:
  openai:
    base_url: https://api.openai.com/v1
    cooldown: 2m
  nim:
    type: compat
    base_url: https://integrate.api.nvidia.com/v1
    models:
      - id: meta/llama-3.1-70b-instruct
        api_style: openai
accounts:
  - id: oa-main
    provider: openai
    api_key: sk-test
  - id: nim-1
    provider: nim
    api_key: nvapi-test
combos:
  - name: smart
    entries:
      - account: oa-main
        model: gpt-4o
      - account: nim-1
        model: meta/llama-3.1-70b-instruct
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Engine.TransientRetries)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Engine.RefreshMargin)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 2*time.Minute, cfg.Providers["openai"].Cooldown)
	assert.Equal(t, TypeCompat, cfg.TypeOf("nim"))
	assert.Equal(t, TypeOpenAI, cfg.TypeOf("openai"))
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	env := map[string]string{
		"COMBO_GATEWAY_PORT":                    "7000",
		"COMBO_GATEWAY_LOG_LEVEL":               "debug",
		"COMBO_GATEWAY_ACCOUNT_OA_MAIN_API_KEY": "sk-from-env",
		"COMBO_GATEWAY_DEFAULT_COOLDOWN":        "not-a-duration",
	}
	applyEnvOverrides(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-from-env", cfg.Accounts[0].APIKey)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultCooldown)
}

func TestLoad_ResolvesSecretFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key.txt"), []byte("sk-file\n"), 0o600))
	body := `
providers:
  openai: {}
accounts:
  - id: a1
    provider: openai
    api_key_file: key.txt
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Accounts[0].APIKey)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown type", func(c *Config) {
			c.Providers["weird"] = ProviderConfig{Type: "smoke-signals"}
		}, "unsupported type"},
		{"compat without base url", func(c *Config) {
			c.Providers["nim"] = ProviderConfig{Type: TypeCompat}
		}, "base_url"},
		{"bad api style", func(c *Config) {
			c.Providers["nim"] = ProviderConfig{Type: TypeCompat, BaseURL: "http://x", Models: []ModelConfig{{ID: "m", APIStyle: "soap"}}}
		}, "api_style"},
		{"bad header", func(c *Config) {
			c.Providers["openai"] = ProviderConfig{Headers: Headers{"X Bad": "1"}}
		}, "canonical HTTP header"},
		{"account unknown provider", func(c *Config) { c.Accounts[0].Provider = "ghost" }, "unknown provider"},
		{"account without secret", func(c *Config) { c.Accounts[0].APIKey = "" }, "must be provided"},
		{"duplicate account", func(c *Config) { c.Accounts[1].ID = c.Accounts[0].ID }, "duplicate id"},
		{"combo unknown account", func(c *Config) { c.Combos[0].Entries[0].Account = "ghost" }, "unknown account"},
		{"empty combo", func(c *Config) { c.Combos[0].Entries = nil }, "at least one entry"},
		{"negative retries", func(c *Config) { c.Engine.TransientRetries = -1 }, "transient_retries"},
		{"negative idle timeout", func(c *Config) { c.Engine.StreamIdleTimeout = -time.Second }, "timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sampleYAML))
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
