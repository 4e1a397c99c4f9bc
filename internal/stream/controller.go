package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"combo-gateway/internal/models"
	"combo-gateway/internal/sse"
	"combo-gateway/internal/translator"
)

// Mode selects how upstream events reach the caller.
type Mode int

const (
	// Passthrough forwards upstream events unchanged. They are still decoded
	// for telemetry and terminal detection.
	Passthrough Mode = iota
	// Translate re-encodes every decoded chunk in the caller format.
	Translate
)

func (m Mode) String() string {
	if m == Translate {
		return "translate"
	}
	return "passthrough"
}

// TruncatedError reports an upstream stream that closed without its
// terminal event.
type TruncatedError struct {
	Events int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("upstream stream ended without a terminal event after %d events", e.Events)
}

// BeforeFirstFrame reports whether the upstream closed before sending anything.
func (e *TruncatedError) BeforeFirstFrame() bool { return e.Events == 0 }

// Config wires a Controller.
type Config struct {
	Mode    Mode
	Decoder translator.StreamDecoder
	// Encoder is required in Translate mode.
	Encoder      translator.StreamEncoder
	RequestStart time.Time
	// PromptChars sizes the prompt token estimate used when the upstream
	// reports no usage.
	PromptChars int
	// Observe, when set, receives every decoded chunk in order.
	Observe func(models.CanonicalChunk)
	Now     func() time.Time
}

// Controller pulls upstream events lazily and yields caller events in order.
// It holds at most the fan-out of a single upstream event.
type Controller struct {
	src     Source
	cfg     Config
	pending []sse.Event

	tel             Telemetry
	usage           *models.Usage
	completionChars int

	terminal bool
	done     bool
	err      error
}

// NewController returns a controller reading from src.
func NewController(src Source, cfg Config) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequestStart.IsZero() {
		cfg.RequestStart = cfg.Now()
	}
	return &Controller{
		src: src,
		cfg: cfg,
		tel: Telemetry{RequestStart: cfg.RequestStart},
	}
}

// Mode returns the configured mode.
func (c *Controller) Mode() Mode { return c.cfg.Mode }

// Next returns the next caller event. It returns io.EOF after the terminal
// event has been delivered, a *TruncatedError when the upstream closed early,
// and the context error once ctx is done.
func (c *Controller) Next(ctx context.Context) (sse.Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}
		if c.err != nil {
			return sse.Event{}, c.err
		}
		if c.done {
			return sse.Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return sse.Event{}, c.fail(err)
		}

		ev, err := c.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sse.Event{}, c.fail(&TruncatedError{Events: c.tel.Chunks})
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sse.Event{}, c.fail(ctxErr)
			}
			return sse.Event{}, c.fail(fmt.Errorf("read upstream stream: %w", err))
		}
		if err := c.handle(ev); err != nil {
			return sse.Event{}, c.fail(err)
		}
	}
}

func (c *Controller) handle(ev sse.Event) error {
	now := c.cfg.Now()
	if c.tel.FirstByte.IsZero() {
		c.tel.FirstByte = now
	}
	c.tel.Chunks++

	chunks, terminal, err := c.cfg.Decoder.Decode(ev)
	if err != nil {
		return err
	}

	if c.cfg.Mode == Passthrough {
		c.pending = append(c.pending, ev)
	}
	for _, chunk := range chunks {
		c.observe(chunk)
		if c.cfg.Mode == Translate {
			events, err := c.cfg.Encoder.Encode(chunk)
			if err != nil {
				return fmt.Errorf("encode stream chunk: %w", err)
			}
			c.pending = append(c.pending, events...)
		}
	}

	if terminal {
		c.tel.LastByte = now
		c.terminal = true
		c.done = true
		if c.cfg.Mode == Translate {
			c.pending = append(c.pending, c.cfg.Encoder.Finish()...)
		}
		_ = c.src.Close()
	}
	return nil
}

func (c *Controller) observe(chunk models.CanonicalChunk) {
	c.completionChars += len(chunk.ContentDelta)
	for _, call := range chunk.ToolCalls {
		c.completionChars += len(call.Name) + len(call.ArgumentsDelta)
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		c.usage = &u
	}
	if c.cfg.Observe != nil {
		c.cfg.Observe(chunk)
	}
}

func (c *Controller) fail(err error) error {
	c.err = err
	c.done = true
	_ = c.src.Close()
	return err
}

// Prime pulls the first caller event and holds it for the next call to
// Next, so that failures before any output can still be retried elsewhere.
func (c *Controller) Prime(ctx context.Context) error {
	ev, err := c.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	c.pending = append([]sse.Event{ev}, c.pending...)
	return nil
}

// Terminated reports whether the upstream delivered its terminal event.
func (c *Controller) Terminated() bool { return c.terminal }

// Err returns the error that ended the stream, if any.
func (c *Controller) Err() error { return c.err }

// Telemetry returns a snapshot of the stream telemetry. Token counts fall
// back to estimates when the upstream reported no usage.
func (c *Controller) Telemetry() Telemetry {
	tel := c.tel
	if c.usage != nil && !c.usage.IsZero() {
		tel.PromptTokens = c.usage.PromptTokens
		tel.CompletionTokens = c.usage.CompletionTokens
		return tel
	}
	tel.PromptTokens = EstimateTokens(c.cfg.PromptChars)
	tel.CompletionTokens = EstimateTokens(c.completionChars)
	tel.Estimated = true
	return tel
}

// Close releases the upstream.
func (c *Controller) Close() error {
	c.done = true
	return c.src.Close()
}

// Collect drains a stream into a whole response.
func Collect(ctx context.Context, src Source, dec translator.StreamDecoder, cfg Config) (*models.CanonicalResponse, Telemetry, error) {
	var acc models.Accumulator
	cfg.Mode = Passthrough
	cfg.Decoder = dec
	observe := cfg.Observe
	cfg.Observe = func(chunk models.CanonicalChunk) {
		acc.Add(chunk)
		if observe != nil {
			observe(chunk)
		}
	}

	ctrl := NewController(src, cfg)
	defer ctrl.Close()
	for {
		_, err := ctrl.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, ctrl.Telemetry(), err
		}
	}

	resp := acc.Response()
	tel := ctrl.Telemetry()
	if resp.Usage.IsZero() {
		resp.Usage = models.Usage{PromptTokens: tel.PromptTokens, CompletionTokens: tel.CompletionTokens}.Normalized()
	}
	return resp, tel, nil
}
