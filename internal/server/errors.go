package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"combo-gateway/internal/router"
	"combo-gateway/internal/translator"
)

// handleError renders err as the error envelope of the caller's format.
// Requests outside a chat endpoint get the OpenAI shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	info := s.errorInfo(err)
	if info.Status == router.StatusClientClosedRequest {
		s.logger.Info("request cancelled by caller", "uri", c.Request().RequestURI)
	} else if info.Status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "uri", c.Request().RequestURI, "status", info.Status, "error", err)
	}

	if wait := router.RetryAfter(err, time.Now()); wait > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}

	codec, lookupErr := s.router.Formats().Lookup(callerFormat(c))
	if lookupErr != nil {
		codec, _ = s.router.Formats().Lookup(translator.FormatOpenAI)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(info.Status)
		return
	}
	if writeErr := c.Blob(info.Status, echo.MIMEApplicationJSON, codec.EncodeError(info)); writeErr != nil {
		s.logger.Debug("write error response", "error", writeErr)
	}
}

func (s *Server) errorInfo(err error) translator.ErrorInfo {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if he.Message != nil {
			message = fmt.Sprint(he.Message)
		}
		info := translator.ErrorInfo{Status: he.Code, Type: "invalid_request_error", Message: message}
		switch {
		case he.Code >= http.StatusInternalServerError:
			info.Type = "api_error"
		case he.Code == http.StatusNotFound:
			info.Type = "not_found_error"
		}
		return info
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return translator.ErrorInfo{Status: http.StatusGatewayTimeout, Type: "api_error", Message: "request timed out"}
	}
	return router.ErrorInfo(err)
}

func callerFormat(c echo.Context) translator.Format {
	if f, ok := c.Get(formatKey).(translator.Format); ok && f != "" {
		return f
	}
	return translator.FormatOpenAI
}
