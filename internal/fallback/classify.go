// Package fallback decides, after every failed attempt, whether a request
// retries the same account, refreshes it first, or moves down the combo.
package fallback

import (
	"errors"
	"io"
	"net"
	"strings"

	"combo-gateway/internal/provider"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// Class is the failure class of an attempt.
type Class = provider.Kind

const (
	Transient     = provider.KindTransient
	AuthExpired   = provider.KindAuthExpired
	QuotaExceeded = provider.KindQuotaExceeded
	Fatal         = provider.KindFatal
)

// Classify maps an attempt error to its class. Upstream status errors carry
// their class already; stream and transport errors are classified here.
func Classify(err error) Class {
	var (
		execErr    *provider.ExecutionError
		refreshErr *provider.RefreshError
		streamErr  *translator.StreamError
		truncated  *stream.TruncatedError
		netErr     net.Error
	)
	switch {
	case err == nil:
		return Fatal
	case errors.As(err, &execErr):
		return execErr.Kind
	case errors.As(err, &refreshErr):
		return AuthExpired
	case errors.As(err, &streamErr):
		return classifyStreamError(streamErr)
	case errors.As(err, &truncated):
		return Transient
	case errors.Is(err, provider.ErrTimeout), errors.Is(err, io.ErrUnexpectedEOF):
		return Transient
	case errors.As(err, &netErr):
		return Transient
	default:
		return Fatal
	}
}

// transportKind reports the network failure behind err, if any.
func transportKind(err error) provider.TransportKind {
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Transport
	}
	return provider.TransportNone
}

// classifyStreamError reads an in-stream error event. Vendors report quota and
// auth failures this way after answering 200.
func classifyStreamError(err *translator.StreamError) Class {
	text := strings.ToLower(err.Type + " " + err.Message)
	switch {
	case containsAny(text, "quota", "rate_limit", "rate limit", "exhausted", "usage limit", "too many requests"):
		return QuotaExceeded
	case containsAny(text, "unauthenticated", "authentication", "expired", "invalid_token", "unauthorized"):
		return AuthExpired
	case containsAny(text, "invalid_request", "invalid_argument", "not_found", "permission"):
		return Fatal
	default:
		return Transient
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// retryable reports whether a transient failure may be retried on the same
// account. An open breaker is transient but not worth retrying.
func retryable(err error) bool {
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return true
}
