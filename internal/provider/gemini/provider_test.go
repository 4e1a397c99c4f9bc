package gemini

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

func TestPath(t *testing.T) {
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:generateContent", Path("gemini-2.5-pro", false))
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse", Path("models/gemini-2.5-pro", true))
}

func TestExecutor_StreamRequest(t *testing.T) {
	var (
		path, query, key string
		body             []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, query = r.URL.Path, r.URL.RawQuery
		key = r.Header.Get("x-goog-api-key")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}\n\n")
	}))
	defer srv.Close()

	exec, err := New("gemini", config.ProviderConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)
	guard := provider.NewGuard(exec, nil, provider.GuardConfig{})

	call, err := guard.Execute(context.Background(), account.Credentials{APIKey: "AIza"}, &models.CanonicalRequest{
		Model:    "gemini-2.5-flash",
		Stream:   true,
		Messages: []models.Message{{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart("hello")}}},
	})
	require.NoError(t, err)
	defer call.Stream.Close()

	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:streamGenerateContent", path)
	assert.Equal(t, "alt=sse", query)
	assert.Equal(t, "AIza", key)
	assert.Equal(t, "hello", gjson.GetBytes(body, "contents.0.parts.0.text").String())
	assert.False(t, gjson.GetBytes(body, "model").Exists())
	assert.Equal(t, provider.ShapeStream, call.Shape)

	ev, err := call.Stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", gjson.GetBytes(ev.Data, "candidates.0.content.parts.0.text").String())
}

func TestExecutor_BuildRequestErrors(t *testing.T) {
	exec, err := New("gemini", config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, exec.BaseURL)

	_, err = exec.BuildRequest(context.Background(), account.Credentials{APIKey: "k"}, &models.CanonicalRequest{})
	assert.Error(t, err)

	_, err = exec.BuildRequest(context.Background(), account.Credentials{}, &models.CanonicalRequest{Model: "m"})
	assert.ErrorIs(t, err, provider.ErrMissingCredentials)

	httpReq, err := exec.BuildRequest(context.Background(), account.Credentials{AccessToken: "ya29"}, &models.CanonicalRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ya29", httpReq.Header.Get("Authorization"))
	assert.Empty(t, httpReq.Header.Get("x-goog-api-key"))

	_, err = exec.RefreshCredentials(context.Background(), account.Credentials{RefreshToken: "rt"})
	assert.ErrorIs(t, err, provider.ErrRefreshUnsupported)
}
