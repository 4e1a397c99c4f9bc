package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"combo-gateway/internal/account"
)

// ErrNoRefreshToken indicates the account cannot be refreshed.
var ErrNoRefreshToken = errors.New("account has no refresh token")

// OAuthConfig identifies the token endpoint of a provider's OAuth client.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether a token endpoint is configured.
func (c OAuthConfig) Enabled() bool { return c.TokenURL != "" }

// RefreshOAuth exchanges the refresh token of creds for a new token pair.
// The refresh token is kept when the endpoint does not rotate it.
func RefreshOAuth(ctx context.Context, client *http.Client, cfg OAuthConfig, creds account.Credentials) (account.Credentials, error) {
	if !cfg.Enabled() {
		return creds, ErrRefreshUnsupported
	}
	if creds.RefreshToken == "" {
		return creds, ErrNoRefreshToken
	}

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return creds, fmt.Errorf("token endpoint status %d: %w", rerr.Response.StatusCode, err)
		}
		return creds, fmt.Errorf("token refresh: %w", err)
	}

	fresh := creds.Clone()
	fresh.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	fresh.ExpiresAt = tok.Expiry
	return fresh, nil
}
