package factory

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"combo-gateway/internal/config"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/translator"
)

func TestBuildRegistry(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"openai":      {Type: config.TypeOpenAI},
		"anthropic":   {Type: config.TypeClaude},
		"gemini":      {},
		"code-assist": {Type: config.TypeGeminiCLI},
		"cursor":      {Type: config.TypeCursor, Timeout: 5 * time.Second},
		"together":    {Type: config.TypeCompat, BaseURL: "https://api.together.test/v1"},
	}

	registry, err := BuildRegistry(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "code-assist", "cursor", "gemini", "openai", "together"}, registry.Names())

	formats := map[string]translator.Format{
		"openai":      translator.FormatOpenAI,
		"anthropic":   translator.FormatClaude,
		"gemini":      translator.FormatGemini,
		"code-assist": translator.FormatGeminiCLI,
		"cursor":      translator.FormatOpenAI,
		"together":    translator.FormatOpenAI,
	}
	for name, want := range formats {
		guard, err := registry.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, guard.Format("any"), name)
	}

	_, err = registry.Lookup("missing")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestBuildRegistry_PropagatesExecutorErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"broken": {Type: config.TypeCompat},
	}
	_, err := BuildRegistry(cfg, nil, nil)
	assert.ErrorContains(t, err, "initialise broken provider")
}

func TestNewExecutor_UnknownType(t *testing.T) {
	_, err := NewExecutor("x", "smtp", config.ProviderConfig{}, http.DefaultClient)
	assert.ErrorContains(t, err, `unsupported provider type "smtp"`)
}

func TestNewHTTPClient(t *testing.T) {
	client := newHTTPClient(7 * time.Second)
	assert.Zero(t, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, transport.ResponseHeaderTimeout)
}
