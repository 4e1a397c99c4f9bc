// Package stream drives upstream event streams to the caller, translating
// frames when the formats differ and recording timing telemetry.
package stream

import (
	"context"
	"io"
	"sync"

	"combo-gateway/internal/sse"
)

// Source is a pull iterator over upstream events. Next returns io.EOF when
// the upstream closed. Close releases the connection and is idempotent.
type Source interface {
	Next(ctx context.Context) (sse.Event, error)
	Close() error
}

// SSESource reads events from a text/event-stream body.
type SSESource struct {
	body   io.ReadCloser
	reader *sse.Reader
	once   sync.Once
	err    error
}

// NewSSESource wraps an event-stream body.
func NewSSESource(body io.ReadCloser) *SSESource {
	return &SSESource{body: body, reader: sse.NewReader(body)}
}

func (s *SSESource) Next(ctx context.Context) (sse.Event, error) {
	if err := ctx.Err(); err != nil {
		return sse.Event{}, err
	}
	return s.reader.Next()
}

func (s *SSESource) Close() error {
	s.once.Do(func() { s.err = s.body.Close() })
	return s.err
}

type staticSource struct {
	events []sse.Event
}

// StaticSource replays a fixed event list, then reports io.EOF.
func StaticSource(events ...sse.Event) Source {
	return &staticSource{events: events}
}

func (s *staticSource) Next(ctx context.Context) (sse.Event, error) {
	if err := ctx.Err(); err != nil {
		return sse.Event{}, err
	}
	if len(s.events) == 0 {
		return sse.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *staticSource) Close() error { return nil }

// FuncSource adapts a pull function and a close function to a Source.
type FuncSource struct {
	NextFunc  func(ctx context.Context) (sse.Event, error)
	CloseFunc func() error
	once      sync.Once
	err       error
}

func (s *FuncSource) Next(ctx context.Context) (sse.Event, error) {
	return s.NextFunc(ctx)
}

func (s *FuncSource) Close() error {
	s.once.Do(func() {
		if s.CloseFunc != nil {
			s.err = s.CloseFunc()
		}
	})
	return s.err
}
