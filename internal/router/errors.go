package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"combo-gateway/internal/account"
	"combo-gateway/internal/fallback"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// ErrorInfo maps a terminal pipeline error to the status and message shown
// to the caller. Vendor message text is kept where there is one.
func ErrorInfo(err error) translator.ErrorInfo {
	var (
		unsupported *translator.UnsupportedFormatError
		translation *translator.TranslationError
		exhausted   *fallback.ComboExhaustedError
		truncated   *stream.TruncatedError
		streamErr   *translator.StreamError
		execErr     *provider.ExecutionError
	)
	switch {
	case errors.As(err, &exhausted):
		return exhaustedInfo(exhausted)
	case errors.As(err, &unsupported):
		return info(http.StatusBadRequest, unsupported.Error())
	case errors.As(err, &translation):
		return info(http.StatusBadRequest, translation.Error())
	case errors.Is(err, account.ErrUnknownCombo):
		i := info(http.StatusNotFound, err.Error())
		i.Code = "model_not_found"
		return i
	case errors.Is(err, context.Canceled):
		return info(StatusClientClosedRequest, "request cancelled")
	case errors.As(err, &truncated):
		i := info(http.StatusBadGateway, truncated.Error())
		i.Code = "stream_truncated"
		return i
	case errors.As(err, &streamErr):
		i := info(http.StatusBadGateway, streamErr.Message)
		i.Code = streamErr.Type
		return i
	case errors.As(err, &execErr):
		return info(upstreamStatus(execErr.Status), execErr.Message)
	default:
		return info(http.StatusInternalServerError, err.Error())
	}
}

func exhaustedInfo(err *fallback.ComboExhaustedError) translator.ErrorInfo {
	message := err.Error()
	if n := len(err.Failures); n > 0 {
		var execErr *provider.ExecutionError
		if errors.As(err.Failures[n-1].Err, &execErr) && execErr.Message != "" {
			message = execErr.Message
		}
	}
	if err.AllQuota() {
		return info(http.StatusTooManyRequests, message)
	}
	return info(upstreamStatus(err.LastStatus()), message)
}

// upstreamStatus keeps client errors and reports everything else as a bad
// gateway.
func upstreamStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return http.StatusBadGateway
}

// RetryAfter returns the wait a caller should honour after err, or zero.
func RetryAfter(err error, now time.Time) time.Duration {
	var exhausted *fallback.ComboExhaustedError
	if errors.As(err, &exhausted) && exhausted.AllQuota() {
		return exhausted.RetryAfter(now)
	}
	return 0
}

func info(status int, message string) translator.ErrorInfo {
	return translator.ErrorInfo{Status: status, Type: errorType(status), Message: message}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == StatusClientClosedRequest:
		return "request_cancelled"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// errorClass labels a failed request for usage reporting.
func errorClass(err error) string {
	var exhausted *fallback.ComboExhaustedError
	switch {
	case errors.As(err, &exhausted):
		if exhausted.AllQuota() {
			return "exhausted_quota"
		}
		return "exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	var unsupported *translator.UnsupportedFormatError
	var translation *translator.TranslationError
	if errors.As(err, &unsupported) || errors.As(err, &translation) || errors.Is(err, account.ErrUnknownCombo) {
		return "invalid_request"
	}
	return fallback.Classify(err).String()
}
