package geminicli

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
)

func TestExecutor_BuildRequest(t *testing.T) {
	exec, err := New("gemini-cli", config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)

	creds := account.Credentials{
		AccessToken:  "ya29",
		RefreshToken: "rt",
		Extra:        map[string]string{ProjectKey: "proj-42"},
	}
	req := &models.CanonicalRequest{
		Model:    "gemini-2.5-pro",
		Stream:   true,
		Messages: []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("hello")}}},
	}
	httpReq, err := exec.BuildRequest(context.Background(), creds, req)
	require.NoError(t, err)

	assert.Equal(t, DefaultBaseURL+"/v1internal:streamGenerateContent?alt=sse", httpReq.URL.String())
	assert.Equal(t, "Bearer ya29", httpReq.Header.Get("Authorization"))
	assert.Equal(t, clientMetadata, httpReq.Header.Get("Client-Metadata"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.Equal(t, "proj-42", gjson.GetBytes(body, "project").String())
	assert.Equal(t, "gemini-2.5-pro", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "hello", gjson.GetBytes(body, "request.contents.0.parts.0.text").String())
}

func TestExecutor_WithoutProject(t *testing.T) {
	exec, err := New("gemini-cli", config.ProviderConfig{BaseURL: "https://cloudcode.test/"}, http.DefaultClient)
	require.NoError(t, err)

	httpReq, err := exec.BuildRequest(context.Background(), account.Credentials{AccessToken: "ya29"}, &models.CanonicalRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "https://cloudcode.test/v1internal:generateContent", httpReq.URL.String())

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(body, "project").Exists())

	_, err = exec.BuildRequest(context.Background(), account.Credentials{}, &models.CanonicalRequest{Model: "m"})
	assert.ErrorIs(t, err, provider.ErrMissingCredentials)
}
