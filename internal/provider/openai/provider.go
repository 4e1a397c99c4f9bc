// Package openai executes canonical requests against OpenAI-compatible
// chat completion endpoints.
package openai

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

// DefaultBaseURL is used when the configuration leaves base_url empty.
const DefaultBaseURL = "https://api.openai.com/v1"

// Executor calls /chat/completions with bearer authentication.
type Executor struct {
	provider.Transport
	name  string
	codec *translator.OpenAICodec
}

// New creates a new OpenAI executor.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	transport, err := provider.NewTransport(client, baseURL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return &Executor{Transport: transport, name: name, codec: translator.NewOpenAI()}, nil
}

func (e *Executor) Name() string { return e.name }

func (e *Executor) Format(string) translator.Format { return translator.FormatOpenAI }

// BuildRequest encodes req as a chat completion body.
func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	token := creds.Token()
	if token == "" {
		return nil, provider.ErrMissingCredentials
	}

	body, err := e.codec.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode openai request: %w", err)
	}

	httpReq, err := e.NewJSONRequest(ctx, "/chat/completions", body, req.Stream)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}
