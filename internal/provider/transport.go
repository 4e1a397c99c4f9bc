package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"combo-gateway/internal/account"
	"combo-gateway/internal/stream"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "combo-gateway/1.0"

	// maxWholeBody bounds a buffered upstream response.
	maxWholeBody = 32 << 20
)

// Transport is the HTTP plumbing shared by the JSON executors: a client, a
// base URL and static headers, plus the default response handling for
// JSON bodies and text/event-stream bodies.
type Transport struct {
	Client  *http.Client
	BaseURL string
	Headers map[string]string
}

// NewTransport validates the client and base URL.
func NewTransport(client *http.Client, baseURL string, headers map[string]string) (Transport, error) {
	if client == nil {
		return Transport{}, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return Transport{}, errors.New("base url must not be empty")
	}
	return Transport{Client: client, BaseURL: baseURL, Headers: headers}, nil
}

// NewJSONRequest builds a POST carrying body to BaseURL+path.
func (t Transport) NewJSONRequest(ctx context.Context, path string, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	for key, value := range t.Headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

// Execute performs the call.
func (t Transport) Execute(req *http.Request) (*http.Response, error) {
	return t.Client.Do(req)
}

// ClassifyResponseShape reports a stream for text/event-stream bodies.
func (t Transport) ClassifyResponseShape(resp *http.Response) Shape {
	return ShapeByContentType(resp)
}

// OpenStream reads the body as server-sent events.
func (t Transport) OpenStream(resp *http.Response, _ string) (stream.Source, error) {
	return stream.NewSSESource(resp.Body), nil
}

// ReadWhole reads and closes the body.
func (t Transport) ReadWhole(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWholeBody))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return body, nil
}

// RefreshCredentials is the default for API-key providers.
func (t Transport) RefreshCredentials(ctx context.Context, creds account.Credentials) (account.Credentials, error) {
	return creds, ErrRefreshUnsupported
}

// ShapeByContentType classifies a response from its Content-Type header.
func ShapeByContentType(resp *http.Response) Shape {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && mediaType == "text/event-stream" {
		return ShapeStream
	}
	return ShapeWhole
}
