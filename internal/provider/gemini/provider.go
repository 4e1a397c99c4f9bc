// Package gemini executes canonical requests against the Gemini
// generateContent API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/translator"
)

// DefaultBaseURL is used when the configuration leaves base_url empty.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Executor calls models/{model}:generateContent or its streaming variant.
// The model and stream flag travel in the URL, not the body.
type Executor struct {
	provider.Transport
	name  string
	oauth provider.OAuthConfig
	codec *translator.GeminiCodec
}

// New creates a new Gemini executor.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	transport, err := provider.NewTransport(client, baseURL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return &Executor{
		Transport: transport,
		name:      name,
		oauth: provider.OAuthConfig{
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scopes:       cfg.OAuth.Scopes,
		},
		codec: translator.NewGemini(),
	}, nil
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Format(string) translator.Format { return translator.FormatGemini }

// BuildRequest encodes req as a generateContent body.
func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	if req.Model == "" {
		return nil, errors.New("gemini request needs a model")
	}
	body, err := e.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode gemini request: %w", err)
	}

	httpReq, err := e.NewJSONRequest(ctx, Path(req.Model, req.Stream), body, req.Stream)
	if err != nil {
		return nil, err
	}

	switch {
	case creds.AccessToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	case creds.APIKey != "":
		httpReq.Header.Set("x-goog-api-key", creds.APIKey)
	default:
		return nil, provider.ErrMissingCredentials
	}
	return httpReq, nil
}

// RefreshCredentials refreshes Google OAuth credentials when a token
// endpoint is configured.
func (e *Executor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return provider.RefreshOAuth(ctx, e.Client, e.oauth, creds)
}

// Path returns the API path for model.
func Path(model string, stream bool) string {
	p := "/v1beta/models/" + url.PathEscape(strings.TrimPrefix(model, "models/"))
	if stream {
		return p + ":streamGenerateContent?alt=sse"
	}
	return p + ":generateContent"
}
