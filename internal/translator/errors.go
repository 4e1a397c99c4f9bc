package translator

import (
	"errors"
	"fmt"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidJSON    = errors.New("body is not valid JSON")
)

// UnsupportedFormatError reports a format key that is not registered or a body
// whose format cannot be recognised.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Format == "" {
		return "unable to detect request format"
	}
	return fmt.Sprintf("unsupported format %q", e.Format)
}

// TranslationError reports malformed input for a known format.
type TranslationError struct {
	Format Format
	Err    error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %v", e.Format, e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

func translationErr(f Format, err error) error {
	return &TranslationError{Format: f, Err: err}
}

// StreamError is an error event delivered inside an upstream stream.
type StreamError struct {
	Type    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return "upstream stream error: " + e.Message
	}
	return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
}
