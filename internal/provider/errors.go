package provider

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 64 * 1024

// ErrTimeout is the cancellation cause of a call that exceeded its budget.
var ErrTimeout = errors.New("upstream call timed out")

// Kind is the coarse failure class used by the fallback policy.
type Kind int

const (
	KindTransient Kind = iota
	KindAuthExpired
	KindQuotaExceeded
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindQuotaExceeded:
		return "quota_exceeded"
	default:
		return "fatal"
	}
}

// TransportKind names the network failure behind a response-less call.
type TransportKind int

const (
	TransportNone TransportKind = iota
	TransportTimeout
	TransportConnect
	TransportReset
	TransportTLS
	TransportOther
)

func (k TransportKind) String() string {
	switch k {
	case TransportNone:
		return "none"
	case TransportTimeout:
		return "timeout"
	case TransportConnect:
		return "connect"
	case TransportReset:
		return "reset"
	case TransportTLS:
		return "tls"
	default:
		return "other"
	}
}

// ExecutionError reports a failed upstream call. Status is zero and
// Transport is set for transport failures.
type ExecutionError struct {
	Provider   string
	Status     int
	Kind       Kind
	Transport  TransportKind
	Body       []byte
	Message    string
	RetryAfter time.Duration
	Retryable  bool
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s upstream status %d: %s", e.Provider, e.Status, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RefreshError reports a failed credential refresh.
type RefreshError struct {
	Provider  string
	AccountID string
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s credentials for account %s: %v", e.Provider, e.AccountID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// NewStatusError reads and closes a non-2xx response and converts it into an
// ExecutionError.
func NewStatusError(provider string, resp *http.Response) *ExecutionError {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		body = nil
	}
	return StatusError(provider, resp.StatusCode, resp.Header, body)
}

// StatusError classifies an upstream status code and body.
func StatusError(provider string, status int, header http.Header, body []byte) *ExecutionError {
	e := &ExecutionError{
		Provider: provider,
		Status:   status,
		Body:     body,
		Message:  errorMessage(status, body),
	}
	e.RetryAfter = retryAfter(header, body, time.Now())

	lower := strings.ToLower(string(body))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		e.Kind = KindQuotaExceeded
	case status >= 400 && status < 500 && containsAny(lower, quotaIndicators):
		e.Kind = KindQuotaExceeded
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case status == http.StatusForbidden && containsAny(lower, expiryIndicators):
		e.Kind = KindAuthExpired
	case status == http.StatusRequestTimeout || status >= 500:
		e.Kind = KindTransient
		e.Retryable = true
	default:
		e.Kind = KindFatal
	}
	return e
}

// TransportError wraps a network failure that produced no response.
func TransportError(provider string, err error) *ExecutionError {
	return &ExecutionError{
		Provider:  provider,
		Kind:      KindTransient,
		Transport: classifyTransport(err),
		Message:   err.Error(),
		Retryable: true,
		Err:       err,
	}
}

func classifyTransport(err error) TransportKind {
	var (
		netErr     net.Error
		opErr      *net.OpError
		dnsErr     *net.DNSError
		certErr    *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		unknownErr x509.UnknownAuthorityError
		hostErr    x509.HostnameError
	)
	switch {
	case errors.As(err, &certErr), errors.As(err, &recordErr),
		errors.As(err, &unknownErr), errors.As(err, &hostErr):
		return TransportTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		return TransportTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return TransportReset
	case errors.As(err, &dnsErr), errors.Is(err, syscall.ECONNREFUSED):
		return TransportConnect
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return TransportConnect
	default:
		return TransportOther
	}
}

var quotaIndicators = []string{
	"insufficient_quota",
	"quota",
	"rate limit",
	"rate_limit",
	"resource_exhausted",
	"usage limit",
	"credit balance",
}

var expiryIndicators = []string{
	"expired",
	"invalid_token",
	"invalid token",
	"unauthenticated",
	"authentication",
	"oauth",
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// errorMessage extracts the vendor's own message text from an error body.
func errorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if root.IsArray() {
			root = root.Get("0")
		}
		for _, path := range []string{"error.message", "message", "error", "detail"} {
			if v := root.Get(path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return http.StatusText(status)
	}
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

// retryAfter reads a Retry-After header (seconds or HTTP date) or the
// RetryInfo detail of a Google error body.
func retryAfter(header http.Header, body []byte, now time.Time) time.Duration {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	var delay time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if d, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil && d > 0 {
			delay = d
			return false
		}
		return true
	})
	return delay
}
