package usage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyBuckets covers time to first byte from 50ms to 60s.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}

// throughputBuckets covers completion tokens per second.
var throughputBuckets = []float64{5, 10, 20, 40, 80, 160, 320}

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combo_gateway_requests_total",
			Help: "Finished requests",
		},
		[]string{"combo", "provider", "caller_format", "outcome"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combo_gateway_tokens_total",
			Help: "Tokens by direction",
		},
		[]string{"provider", "model", "direction"},
	)

	timeToFirstByte = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "combo_gateway_time_to_first_byte_seconds",
			Help:    "Delay until the first upstream stream event",
			Buckets: latencyBuckets,
		},
		[]string{"provider", "model"},
	)

	throughput = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "combo_gateway_stream_tokens_per_second",
			Help:    "Completion tokens per second between first and last byte",
			Buckets: throughputBuckets,
		},
		[]string{"provider", "model"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combo_gateway_fallbacks_total",
			Help: "Combo entries left behind",
		},
		[]string{"combo"},
	)

	cooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "combo_gateway_cooldowns_total",
			Help: "Accounts put into cooldown",
		},
		[]string{"combo"},
	)

	droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "combo_gateway_usage_events_dropped_total",
			Help: "Usage events dropped by a full queue",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		tokensTotal,
		timeToFirstByte,
		throughput,
		fallbacksTotal,
		cooldownsTotal,
		droppedEvents,
	)
}

// MetricsRecorder updates the Prometheus collectors.
type MetricsRecorder struct{}

func (MetricsRecorder) Record(_ context.Context, ev Event) error {
	outcome := "success"
	if !ev.Success {
		outcome = ev.ErrorClass
		if outcome == "" {
			outcome = "error"
		}
	}
	requestsTotal.WithLabelValues(ev.Combo, ev.Provider, string(ev.CallerFormat), outcome).Inc()

	if ev.Fallbacks > 0 {
		fallbacksTotal.WithLabelValues(ev.Combo).Add(float64(ev.Fallbacks))
	}
	if ev.Cooldowns > 0 {
		cooldownsTotal.WithLabelValues(ev.Combo).Add(float64(ev.Cooldowns))
	}
	if !ev.Success {
		return nil
	}

	if ev.Usage.PromptTokens > 0 {
		tokensTotal.WithLabelValues(ev.Provider, ev.Model, "input").Add(float64(ev.Usage.PromptTokens))
	}
	if ev.Usage.CompletionTokens > 0 {
		tokensTotal.WithLabelValues(ev.Provider, ev.Model, "output").Add(float64(ev.Usage.CompletionTokens))
	}
	if ttfb := ev.Telemetry.TimeToFirstByte(); ev.Stream && ttfb > 0 {
		timeToFirstByte.WithLabelValues(ev.Provider, ev.Model).Observe(ttfb.Seconds())
	}
	if tps, ok := ev.Telemetry.Throughput(); ok {
		throughput.WithLabelValues(ev.Provider, ev.Model).Observe(tps)
	}
	return nil
}
