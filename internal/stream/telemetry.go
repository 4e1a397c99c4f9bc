package stream

import "time"

// charsPerToken approximates tokenizer output when the upstream reports no
// usage.
const charsPerToken = 4

// Telemetry records the timing and token counts of one streamed response.
// LastByte is set only when the upstream sent an explicit terminal event.
type Telemetry struct {
	RequestStart     time.Time
	FirstByte        time.Time
	LastByte         time.Time
	Chunks           int
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
}

// TimeToFirstByte returns the delay between request start and the first
// upstream event, or zero when no event arrived.
func (t Telemetry) TimeToFirstByte() time.Duration {
	if t.FirstByte.IsZero() || t.RequestStart.IsZero() {
		return 0
	}
	return t.FirstByte.Sub(t.RequestStart)
}

// Throughput returns completion tokens per second over the first-to-last
// byte window.
func (t Telemetry) Throughput() (float64, bool) {
	if t.FirstByte.IsZero() || t.LastByte.IsZero() {
		return 0, false
	}
	return CalculateThroughput(t.CompletionTokens, t.LastByte.Sub(t.FirstByte))
}

// CalculateThroughput returns tokens per second. It reports false instead of
// dividing by a non-positive duration or counting nothing.
func CalculateThroughput(tokens int, d time.Duration) (float64, bool) {
	if d <= 0 || tokens <= 0 {
		return 0, false
	}
	return float64(tokens) / d.Seconds(), true
}

// EstimateTokens approximates the token count of n characters.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}
