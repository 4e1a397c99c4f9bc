package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
)

func TestExecutor_RoundTrip(t *testing.T) {
	var (
		path, auth, custom string
		body               []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		custom = r.Header.Get("X-Tenant")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	exec, err := New("openai", config.ProviderConfig{BaseURL: srv.URL + "/v1/", Headers: config.Headers{"X-Tenant": "t1"}}, srv.Client())
	require.NoError(t, err)

	guard := provider.NewGuard(exec, nil, provider.GuardConfig{})
	req := &models.CanonicalRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("hello")}}},
	}
	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "sk-1"}, req)
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer sk-1", auth)
	assert.Equal(t, "t1", custom)
	assert.Equal(t, "gpt-4o", gjson.GetBytes(body, "model").String())
	assert.Equal(t, "hello", gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, provider.ShapeWhole, call.Shape)
	assert.Contains(t, string(call.Body), `"hi"`)
}

func TestExecutor_RequiresCredentials(t *testing.T) {
	exec, err := New("openai", config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, exec.BaseURL)

	_, err = exec.BuildRequest(context.Background(), account.Credentials{}, &models.CanonicalRequest{Model: "m"})
	assert.ErrorIs(t, err, provider.ErrMissingCredentials)

	_, err = New("openai", config.ProviderConfig{}, nil)
	assert.Error(t, err)
}

func TestExecutor_StreamRequestAcceptsEventStream(t *testing.T) {
	exec, err := New("openai", config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)

	httpReq, err := exec.BuildRequest(context.Background(), account.Credentials{AccessToken: "at"}, &models.CanonicalRequest{
		Model:    "gpt-4o",
		Stream:   true,
		Messages: []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("hi")}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", httpReq.Header.Get("Accept"))
	assert.Equal(t, "Bearer at", httpReq.Header.Get("Authorization"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(body, "stream").Bool())
	assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())
}
