// Package geminicli executes canonical requests against the Cloud Code
// Assist backend used by the Gemini CLI, authenticated with Google OAuth.
package geminicli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/translator"
)

const (
	// DefaultBaseURL is used when the configuration leaves base_url empty.
	DefaultBaseURL = "https://cloudcode-pa.googleapis.com"

	// ProjectKey is the credentials extra holding the Cloud project id.
	ProjectKey = "project_id"

	defaultTokenURL = "https://oauth2.googleapis.com/token"
	clientMetadata  = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
)

// Executor calls v1internal:generateContent and v1internal:streamGenerateContent.
type Executor struct {
	provider.Transport
	name  string
	oauth provider.OAuthConfig
	codec *translator.GeminiCLICodec
}

// New creates a new Cloud Code Assist executor.
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

	return &Executor{
		Transport: transport,
		name:      name,
		oauth:     oauth,
		codec:     translator.NewGeminiCLI(),
	}, nil
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Format(string) translator.Format { return translator.FormatGeminiCLI }

// BuildRequest wraps the Gemini body in the Cloud Code envelope and stamps
// the account's project id onto it.
func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	token := creds.Token()
	if token == "" {
		return nil, provider.ErrMissingCredentials
	}

	body, err := e.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode gemini-cli request: %w", err)
	}
	if project := creds.Extra[ProjectKey]; project != "" {
		body, err = sjson.SetBytes(body, "project", project)
		if err != nil {
			return nil, fmt.Errorf("set project: %w", err)
		}
	}

	path := "/v1internal:generateContent"
	if req.Stream {
		path = "/v1internal:streamGenerateContent?alt=sse"
	}
	httpReq, err := e.NewJSONRequest(ctx, path, body, req.Stream)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Client-Metadata", clientMetadata)
	return httpReq, nil
}

// RefreshCredentials exchanges the Google refresh token.
func (e *Executor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return provider.RefreshOAuth(ctx, e.Client, e.oauth, creds)
}
