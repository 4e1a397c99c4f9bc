package factory

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"combo-gateway/internal/config"
	"combo-gateway/internal/provider"
	claudeProvider "combo-gateway/internal/provider/claude"
	compatProvider "combo-gateway/internal/provider/compat"
	cursorProvider "combo-gateway/internal/provider/cursor"
	geminiProvider "combo-gateway/internal/provider/gemini"
	geminiCLIProvider "combo-gateway/internal/provider/geminicli"
	openaiProvider "combo-gateway/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// BuildRegistry constructs an executor for every configured provider, wraps
// each one in a guard and returns the immutable registry.
func BuildRegistry(cfg config.Config, saver provider.CredentialSaver, logger *slog.Logger) (*provider.Registry, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	slices.Sort(names)

	guards := make([]*provider.Guard, 0, len(names))
	for _, name := range names {
		pcfg := cfg.Providers[name]
		timeout := cfg.Engine.RequestTimeout
		if pcfg.Timeout > 0 {
			timeout = pcfg.Timeout
		}

		exec, err := NewExecutor(name, cfg.TypeOf(name), pcfg, newHTTPClient(timeout))
		if err != nil {
			return nil, fmt.Errorf("initialise %s provider: %w", name, err)
		}

		guards = append(guards, provider.NewGuard(exec, saver, provider.GuardConfig{
			RefreshMargin:   cfg.Engine.RefreshMargin,
			RefreshTimeout:  cfg.Engine.RefreshTimeout,
			Timeout:         timeout,
			IdleTimeout:     cfg.Engine.StreamIdleTimeout,
			BreakerFailures: cfg.Engine.BreakerFailures,
			BreakerOpen:     cfg.Engine.BreakerOpen,
			Logger:          logger,
		}))
	}

	return provider.NewRegistry(guards...)
}

// NewExecutor constructs the executor variant for a provider type.
func NewExecutor(name, typ string, cfg config.ProviderConfig, client *http.Client) (provider.Executor, error) {
	switch typ {
	case config.TypeOpenAI:
		return openaiProvider.New(name, cfg, client)
	case config.TypeClaude:
		return claudeProvider.New(name, cfg, client)
	case config.TypeGemini:
		return geminiProvider.New(name, cfg, client)
	case config.TypeGeminiCLI:
		return geminiCLIProvider.New(name, cfg, client)
	case config.TypeCompat:
		return compatProvider.New(name, cfg, client)
	case config.TypeCursor:
		return cursorProvider.New(name, cfg, client)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", typ)
	}
}

// newHTTPClient bounds dialing and response headers. The guard bounds the
// body, including the wait for each stream event.
func newHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
