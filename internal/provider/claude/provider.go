// Package claude executes canonical requests against the Anthropic Messages
// API with either an API key or a Claude OAuth token.
package claude

import (
	"context"
	"fmt"
	"net/http"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/translator"
)

const (
	// DefaultBaseURL is used when the configuration leaves base_url empty.
	DefaultBaseURL = "https://api.anthropic.com"

	apiVersion = "2023-06-01"
	oauthBeta  = "oauth-2025-04-20"

	defaultTokenURL = "https://console.anthropic.com/v1/oauth/token"
	defaultClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
)

// Executor calls /v1/messages.
type Executor struct {
	provider.Transport
	name  string
	oauth provider.OAuthConfig
	codec *translator.ClaudeCodec
}

// New creates a new Claude executor.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	transport, err := provider.NewTransport(client, baseURL, cfg.Headers)
	if err != nil {
		return nil, err
	}

	oauth := provider.OAuthConfig{
		TokenURL:     cfg.OAuth.TokenURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scopes:       cfg.OAuth.Scopes,
	}
	if oauth.TokenURL == "" {
		oauth.TokenURL = defaultTokenURL
	}
	if oauth.ClientID == "" {
		oauth.ClientID = defaultClientID
	}

	return &Executor{
		Transport: transport,
		name:      name,
		oauth:     oauth,
		codec:     translator.NewClaude(),
	}, nil
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Format(string) translator.Format { return translator.FormatClaude }

// BuildRequest encodes req as a Messages API body. OAuth tokens are sent as
// bearer credentials with the OAuth beta flag; API keys use x-api-key.
func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	body, err := e.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode claude request: %w", err)
	}

	httpReq, err := e.NewJSONRequest(ctx, "/v1/messages", body, req.Stream)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("anthropic-version", apiVersion)

	switch {
	case creds.AccessToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		httpReq.Header.Set("anthropic-beta", oauthBeta)
	case creds.APIKey != "":
		httpReq.Header.Set("x-api-key", creds.APIKey)
	default:
		return nil, provider.ErrMissingCredentials
	}
	return httpReq, nil
}

// RefreshCredentials exchanges the refresh token for a new access token.
func (e *Executor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return provider.RefreshOAuth(ctx, e.Client, e.oauth, creds)
}
