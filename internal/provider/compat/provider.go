// Package compat serves third-party endpoints that speak either the OpenAI
// or the Claude protocol, chosen per model.
package compat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	claudeProvider "combo-gateway/internal/provider/claude"
	openaiProvider "combo-gateway/internal/provider/openai"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

const (
	apiStyleOpenAI = "openai"
	apiStyleClaude = "claude"
)

// Executor implements multi-protocol routing for one base URL.
type Executor struct {
	name         string
	defaultStyle string
	modelStyles  map[string]string

	openaiAdapter *openaiProvider.Executor
	claudeAdapter *claudeProvider.Executor
}

// New constructs an executor that delegates to protocol-specific adapters.
// Models without an explicit api_style use the provider's api_style, which
// defaults to openai.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Executor, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	defaultStyle := strings.TrimSpace(strings.ToLower(cfg.APIStyle))
	if defaultStyle == "" {
		defaultStyle = apiStyleOpenAI
	}

	e := &Executor{
		name:         name,
		defaultStyle: defaultStyle,
		modelStyles:  make(map[string]string, len(cfg.Models)),
	}

	styles := map[string]bool{defaultStyle: true}
	for _, model := range cfg.Models {
		style := strings.TrimSpace(strings.ToLower(model.APIStyle))
		switch style {
		case apiStyleOpenAI, apiStyleClaude:
		default:
			return nil, fmt.Errorf("model %s: unsupported api_style %q", model.ID, model.APIStyle)
		}
		e.modelStyles[model.ID] = style
		styles[style] = true
	}

	adapterCfg := cfg
	adapterCfg.BaseURL = baseURL

	if styles[apiStyleOpenAI] {
		adapter, err := openaiProvider.New(name, adapterCfg, client)
		if err != nil {
			return nil, fmt.Errorf("initialize openai adapter: %w", err)
		}
		e.openaiAdapter = adapter
	}
	if styles[apiStyleClaude] {
		adapter, err := claudeProvider.New(name, adapterCfg, client)
		if err != nil {
			return nil, fmt.Errorf("initialize claude adapter: %w", err)
		}
		e.claudeAdapter = adapter
	}

	return e, nil
}

func (e *Executor) Name() string {
	return e.name
}

func (e *Executor) styleOf(model string) string {
	if style, ok := e.modelStyles[model]; ok {
		return style
	}
	return e.defaultStyle
}

func (e *Executor) adapter(model string) (provider.Executor, error) {
	switch style := e.styleOf(model); style {
	case apiStyleOpenAI:
		if e.openaiAdapter == nil {
			return nil, fmt.Errorf("model %s configured as openai style but adapter missing", model)
		}
		return e.openaiAdapter, nil
	case apiStyleClaude:
		if e.claudeAdapter == nil {
			return nil, fmt.Errorf("model %s configured as claude style but adapter missing", model)
		}
		return e.claudeAdapter, nil
	default:
		return nil, fmt.Errorf("model %s has unsupported api style %q", model, style)
	}
}

func (e *Executor) Format(model string) translator.Format {
	if e.styleOf(model) == apiStyleClaude {
		return translator.FormatClaude
	}
	return translator.FormatOpenAI
}

func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	adapter, err := e.adapter(req.Model)
	if err != nil {
		return nil, err
	}
	return adapter.BuildRequest(ctx, creds, req)
}

func (e *Executor) Execute(req *http.Request) (*http.Response, error) {
	// Both adapters share the same client.
	if e.openaiAdapter != nil {
		return e.openaiAdapter.Execute(req)
	}
	return e.claudeAdapter.Execute(req)
}

func (e *Executor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return creds, provider.ErrRefreshUnsupported
}

func (e *Executor) ClassifyResponseShape(resp *http.Response) provider.Shape {
	return provider.ShapeByContentType(resp)
}

func (e *Executor) OpenStream(resp *http.Response, _ string) (stream.Source, error) {
	return stream.NewSSESource(resp.Body), nil
}

func (e *Executor) ReadWhole(resp *http.Response) ([]byte, error) {
	if e.openaiAdapter != nil {
		return e.openaiAdapter.ReadWhole(resp)
	}
	return e.claudeAdapter.ReadWhole(resp)
}
