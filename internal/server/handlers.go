package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"combo-gateway/internal/account"
	"combo-gateway/internal/router"
	"combo-gateway/internal/sse"
	"combo-gateway/internal/translator"
)

// formatKey stores the caller format of a request for the error handler.
const formatKey = "caller_format"

const (
	methodGenerate       = "generateContent"
	methodStreamGenerate = "streamGenerateContent"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	aliases, err := s.store.Aliases(c.Request().Context())
	if err != nil {
		return err
	}
	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(aliases))}
	for _, alias := range aliases {
		list.Data = append(list.Data, modelEntry{ID: alias, Object: "model", OwnedBy: "combo-gateway"})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleOpenAI(c echo.Context) error {
	return s.chat(c, router.Inbound{Format: translator.FormatOpenAI})
}

func (s *Server) handleClaude(c echo.Context) error {
	return s.chat(c, router.Inbound{Format: translator.FormatClaude})
}

// handleGemini serves /v1beta/models/{model}:{method}. The model and the
// stream flag come from the path.
func (s *Server) handleGemini(c echo.Context) error {
	c.Set(formatKey, translator.FormatGemini)
	model, method, ok := strings.Cut(c.Param("*"), ":")
	if !ok || model == "" {
		return echo.NewHTTPError(http.StatusNotFound, "expected /v1beta/models/{model}:{method}")
	}
	streaming, err := streamingMethod(method)
	if err != nil {
		return err
	}
	return s.chat(c, router.Inbound{Format: translator.FormatGemini, Model: model, Stream: &streaming})
}

// handleGeminiCLI serves /v1internal:{method}; the model travels in the
// envelope.
func (s *Server) handleGeminiCLI(c echo.Context) error {
	c.Set(formatKey, translator.FormatGeminiCLI)
	method, ok := strings.CutPrefix(c.Param("*"), ":")
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "expected /v1internal:{method}")
	}
	streaming, err := streamingMethod(method)
	if err != nil {
		return err
	}
	return s.chat(c, router.Inbound{Format: translator.FormatGeminiCLI, Stream: &streaming})
}

func streamingMethod(method string) (bool, error) {
	switch method {
	case methodGenerate:
		return false, nil
	case methodStreamGenerate:
		return true, nil
	default:
		return false, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unsupported method %q", method))
	}
}

// handleTranslate converts a request body between formats without executing
// it.
func (s *Server) handleTranslate(c echo.Context) error {
	from := translator.Format(c.Param("from"))
	to := translator.Format(c.Param("to"))
	c.Set(formatKey, from)

	body, err := readBody(c)
	if err != nil {
		return err
	}
	out, err := s.router.TranslateRequest(from, to, body)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, out)
}

func (s *Server) chat(c echo.Context, in router.Inbound) error {
	c.Set(formatKey, in.Format)
	body, err := readBody(c)
	if err != nil {
		return err
	}
	in.Body = body
	in.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)

	ctx := c.Request().Context()
	res, err := s.router.ExecuteChat(ctx, in, account.Resolver(s.store))
	if err != nil {
		return err
	}

	c.Response().Header().Set("X-Combo-Account", res.Routing.AccountID)
	if res.Stream == nil {
		return c.Blob(res.Status, echo.MIMEApplicationJSON, res.Body)
	}
	return s.writeStream(c, res)
}

// writeStream forwards caller events as they arrive. Once the status line is
// out a failure can only be reported as an in-stream error frame.
func (s *Server) writeStream(c echo.Context, res *router.Result) error {
	st := res.Stream
	defer st.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(res.Status)
	c.Response().Flush()

	ctx := c.Request().Context()
	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("stream cancelled by caller", "request_id", res.Routing.RequestID)
				return nil
			}
			s.logger.Warn("stream failed after first frame", "request_id", res.Routing.RequestID, "error", err)
			for _, frame := range st.ErrorEvents(err) {
				if writeErr := sse.Write(c.Response(), frame); writeErr != nil {
					break
				}
			}
			c.Response().Flush()
			return nil
		}
		if err := sse.Write(c.Response(), ev); err != nil {
			s.logger.Debug("write stream event", "request_id", res.Routing.RequestID, "error", err)
			return nil
		}
		c.Response().Flush()
	}
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is required")
	}
	return body, nil
}
