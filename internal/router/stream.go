package router

import (
	"context"
	"errors"
	"io"
	"sync"

	"combo-gateway/internal/sse"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// Stream is a response stream already in the caller's format. Once the
// first event has been written the request can no longer fall back; a
// failure is delivered in-band with ErrorEvents.
type Stream struct {
	ctrl   *stream.Controller
	codec  translator.Codec
	once   sync.Once
	finish func(err error)
}

// Next returns the next caller event, io.EOF after the last one.
func (s *Stream) Next(ctx context.Context) (sse.Event, error) {
	ev, err := s.ctrl.Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		s.done(nil)
	case err != nil:
		s.done(err)
	}
	return ev, err
}

// ErrorEvents renders err as in-stream error events of the caller format.
func (s *Stream) ErrorEvents(err error) []sse.Event {
	return s.codec.NewStreamEncoder().EncodeError(ErrorInfo(err))
}

// Telemetry returns the current stream telemetry.
func (s *Stream) Telemetry() stream.Telemetry { return s.ctrl.Telemetry() }

// Close releases the upstream. A stream closed before its end is reported
// as cancelled.
func (s *Stream) Close() error {
	s.done(context.Canceled)
	return s.ctrl.Close()
}

func (s *Stream) done(err error) {
	s.once.Do(func() {
		if s.finish != nil {
			s.finish(err)
		}
	})
}
