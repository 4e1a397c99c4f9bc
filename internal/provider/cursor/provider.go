// Package cursor executes canonical requests against Cursor's chat service,
// which speaks protobuf over the Connect streaming protocol. Responses are
// re-emitted as OpenAI chat completion chunks.
package cursor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"combo-gateway/internal/account"
	"combo-gateway/internal/config"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

const (
	// DefaultBaseURL is used when the configuration leaves base_url empty.
	DefaultBaseURL = "https://api2.cursor.sh"

	chatPath             = "/aiserver.v1.ChatService/StreamUnifiedChatWithTools"
	contentTypeConnect   = "application/connect+proto"
	connectUserAgent     = "connect-es/1.6.1"
	defaultClientVersion = "1.1.3"
	defaultTimezone      = "UTC"
)

// errWholeUnsupported is returned by ReadWhole; Cursor always streams.
var errWholeUnsupported = errors.New("cursor responses are always streamed")

// Executor calls StreamUnifiedChatWithTools.
type Executor struct {
	name          string
	client        *http.Client
	baseURL       string
	headers       map[string]string
	clientVersion string
	timezone      string
	now           func() time.Time
}

// New creates a new Cursor executor. The options client_version and timezone
// override the advertised client identity.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Executor, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	e := &Executor{
		name:          name,
		client:        client,
		baseURL:       baseURL,
		headers:       cfg.Headers,
		clientVersion: defaultClientVersion,
		timezone:      defaultTimezone,
		now:           time.Now,
	}
	if v := cfg.Options["client_version"]; v != "" {
		e.clientVersion = v
	}
	if v := cfg.Options["timezone"]; v != "" {
		e.timezone = v
	}
	return e, nil
}

func (e *Executor) Name() string { return e.name }

// Format is openai: the stream source re-emits OpenAI chunks.
func (e *Executor) Format(string) translator.Format { return translator.FormatOpenAI }

// BuildRequest encodes req as a single Connect envelope.
func (e *Executor) BuildRequest(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*http.Request, error) {
	token := bearerToken(creds.Token())
	if token == "" {
		return nil, provider.ErrMissingCredentials
	}

	payload := encodeRequest(req, uuid.NewString(), uuid.NewString)
	body := encodeEnvelope(0, payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	h := httpReq.Header
	h.Set("Authorization", "Bearer "+token)
	h.Set("Content-Type", contentTypeConnect)
	h.Set("Connect-Accept-Encoding", "gzip")
	h.Set("Connect-Protocol-Version", "1")
	h.Set("User-Agent", connectUserAgent)
	h.Set("X-Amzn-Trace-Id", "Root="+uuid.NewString())
	h.Set("X-Client-Key", hashHex(token))
	h.Set("X-Cursor-Checksum", checksum(token, e.now()))
	h.Set("X-Cursor-Client-Version", e.clientVersion)
	h.Set("X-Cursor-Timezone", e.timezone)
	h.Set("X-Ghost-Mode", "true")
	h.Set("X-Request-Id", uuid.NewString())
	h.Set("X-Session-Id", sessionID(token))
	for key, value := range e.headers {
		h.Set(key, value)
	}
	return httpReq, nil
}

func (e *Executor) Execute(req *http.Request) (*http.Response, error) {
	return e.client.Do(req)
}

func (e *Executor) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return creds, provider.ErrRefreshUnsupported
}

func (e *Executor) ClassifyResponseShape(*http.Response) provider.Shape {
	return provider.ShapeStream
}

// OpenStream decodes Connect frames into OpenAI chunks stamped with model.
func (e *Executor) OpenStream(resp *http.Response, model string) (stream.Source, error) {
	return newFrameSource(resp.Body, model, e.now()), nil
}

func (e *Executor) ReadWhole(resp *http.Response) ([]byte, error) {
	resp.Body.Close()
	return nil, errWholeUnsupported
}
