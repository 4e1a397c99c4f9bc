// Package usage receives one event per finished request and fans it out to
// recorders off the request path.
package usage

import (
	"context"
	"time"

	"combo-gateway/internal/models"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// Event describes one finished request.
type Event struct {
	RequestID      string
	Combo          string
	Provider       string
	AccountID      string
	Model          string
	CallerFormat   translator.Format
	UpstreamFormat translator.Format
	Stream         bool
	Success        bool
	// ErrorClass is empty on success.
	ErrorClass string
	Attempts   int
	Fallbacks  int
	Cooldowns  int
	Duration   time.Duration
	Telemetry  stream.Telemetry
	Usage      models.Usage
}

// Sink accepts usage events. Record must not block the caller.
type Sink interface {
	Record(Event)
}

// Recorder handles events on a worker goroutine.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(Event) {}
