package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"combo-gateway/internal/sse"
	"combo-gateway/internal/translator"
)

func openAIEvents(terminal bool) []sse.Event {
	events := []sse.Event{
		{Data: []byte(`{"id":"c1","model":"gpt","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"gpt","choices":[{"index":0,"delta":{"content":" world"}}]}`)},
		{Data: []byte(`{"id":"c1","model":"gpt","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":8,"total_tokens":12}}`)},
	}
	if terminal {
		events = append(events, sse.Event{Data: []byte("[DONE]")})
	}
	return events
}

// tickClock returns a clock advancing one second per call.
func tickClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func drain(t *testing.T, ctrl *Controller) ([]sse.Event, error) {
	t.Helper()
	var out []sse.Event
	for {
		ev, err := ctrl.Next(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, ev)
	}
}

func TestController_PassthroughForwardsEventsAndRecordsTelemetry(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ctrl := NewController(StaticSource(openAIEvents(true)...), Config{
		Mode:         Passthrough,
		Decoder:      translator.NewOpenAI().NewStreamDecoder(),
		RequestStart: start,
		Now:          tickClock(start),
	})

	out, err := drain(t, ctrl)
	require.NoError(t, err)
	assert.Equal(t, openAIEvents(true), out)
	assert.True(t, ctrl.Terminated())

	tel := ctrl.Telemetry()
	assert.Equal(t, start.Add(time.Second), tel.FirstByte)
	assert.Equal(t, start.Add(4*time.Second), tel.LastByte)
	assert.True(t, !tel.RequestStart.After(tel.FirstByte) && !tel.FirstByte.After(tel.LastByte))
	assert.Equal(t, 4, tel.Chunks)
	assert.Equal(t, 4, tel.PromptTokens)
	assert.Equal(t, 8, tel.CompletionTokens)
	assert.False(t, tel.Estimated)
	assert.Equal(t, time.Second, tel.TimeToFirstByte())

	tps, ok := tel.Throughput()
	require.True(t, ok)
	assert.InDelta(t, 8.0/3.0, tps, 1e-9)
}

func TestController_TranslateEmitsCallerFormat(t *testing.T) {
	ctrl := NewController(StaticSource(openAIEvents(true)...), Config{
		Mode:    Translate,
		Decoder: translator.NewOpenAI().NewStreamDecoder(),
		Encoder: translator.NewClaude().NewStreamEncoder(),
	})

	out, err := drain(t, ctrl)
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "message_start", out[0].Name)
	assert.Equal(t, "message_stop", out[len(out)-1].Name)
}

func TestController_TruncatedStream(t *testing.T) {
	src := &trackingSource{Source: StaticSource(openAIEvents(false)...)}
	ctrl := NewController(src, Config{
		Mode:    Translate,
		Decoder: translator.NewOpenAI().NewStreamDecoder(),
		Encoder: translator.NewClaude().NewStreamEncoder(),
	})

	_, err := drain(t, ctrl)
	var truncated *TruncatedError
	require.ErrorAs(t, err, &truncated)
	assert.Equal(t, 3, truncated.Events)
	assert.False(t, truncated.BeforeFirstFrame())
	assert.False(t, ctrl.Terminated())
	assert.True(t, ctrl.Telemetry().LastByte.IsZero())
	assert.True(t, src.closed)

	_, ok := ctrl.Telemetry().Throughput()
	assert.False(t, ok)
}

func TestController_PrimeSurfacesEarlyFailure(t *testing.T) {
	ctrl := NewController(StaticSource(), Config{Decoder: translator.NewOpenAI().NewStreamDecoder()})
	err := ctrl.Prime(context.Background())
	var truncated *TruncatedError
	require.ErrorAs(t, err, &truncated)
	assert.True(t, truncated.BeforeFirstFrame())

	errEvent := sse.Event{Data: []byte(`{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`)}
	ctrl = NewController(StaticSource(errEvent), Config{Decoder: translator.NewOpenAI().NewStreamDecoder()})
	var serr *translator.StreamError
	assert.ErrorAs(t, ctrl.Prime(context.Background()), &serr)
}

func TestController_PrimeHoldsFirstEvent(t *testing.T) {
	ctrl := NewController(StaticSource(openAIEvents(true)...), Config{Decoder: translator.NewOpenAI().NewStreamDecoder()})
	require.NoError(t, ctrl.Prime(context.Background()))

	out, err := drain(t, ctrl)
	require.NoError(t, err)
	assert.Equal(t, openAIEvents(true), out)
}

func TestController_StopsOnCancellation(t *testing.T) {
	src := &trackingSource{Source: StaticSource(openAIEvents(true)...)}
	ctrl := NewController(src, Config{Decoder: translator.NewOpenAI().NewStreamDecoder()})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := ctrl.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = ctrl.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, src.closed)
	assert.Equal(t, 1, src.pulls)
}

func TestController_EstimatesTokensWithoutUsage(t *testing.T) {
	events := []sse.Event{
		{Data: []byte(`{"choices":[{"index":0,"delta":{"content":"12345678"}}]}`)},
		{Data: []byte(`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)},
		{Data: []byte("[DONE]")},
	}
	ctrl := NewController(StaticSource(events...), Config{
		Decoder:     translator.NewOpenAI().NewStreamDecoder(),
		PromptChars: 10,
	})
	_, err := drain(t, ctrl)
	require.NoError(t, err)

	tel := ctrl.Telemetry()
	assert.True(t, tel.Estimated)
	assert.Equal(t, 3, tel.PromptTokens)
	assert.Equal(t, 2, tel.CompletionTokens)
}

func TestCollect_AggregatesStream(t *testing.T) {
	resp, tel, err := Collect(context.Background(), StaticSource(openAIEvents(true)...),
		translator.NewOpenAI().NewStreamDecoder(), Config{})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Text())
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, 4, tel.Chunks)

	body, err := translator.NewGemini().EncodeResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", gjson.GetBytes(body, "candidates.0.content.parts.0.text").String())
}

func TestCalculateThroughput(t *testing.T) {
	tests := []struct {
		name   string
		tokens int
		d      time.Duration
		want   float64
		ok     bool
	}{
		{"normal", 100, 2 * time.Second, 50, true},
		{"zero duration", 100, 0, 0, false},
		{"negative duration", 100, -time.Second, 0, false},
		{"zero tokens", 0, time.Second, 0, false},
		{"negative tokens", -1, time.Second, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CalculateThroughput(tt.tokens, tt.d)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

type trackingSource struct {
	Source
	pulls  int
	closed bool
}

func (s *trackingSource) Next(ctx context.Context) (sse.Event, error) {
	s.pulls++
	return s.Source.Next(ctx)
}

func (s *trackingSource) Close() error {
	s.closed = true
	return s.Source.Close()
}
