package usage

import (
	"context"
	"log/slog"
)

// LogRecorder writes one structured line per event.
type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(ctx context.Context, ev Event) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"request_id", ev.RequestID,
		"combo", ev.Combo,
		"provider", ev.Provider,
		"account", ev.AccountID,
		"model", ev.Model,
		"caller_format", ev.CallerFormat,
		"upstream_format", ev.UpstreamFormat,
		"stream", ev.Stream,
		"attempts", ev.Attempts,
		"fallbacks", ev.Fallbacks,
		"duration", ev.Duration,
		"prompt_tokens", ev.Usage.PromptTokens,
		"completion_tokens", ev.Usage.CompletionTokens,
	}
	if ev.Stream {
		attrs = append(attrs, "ttfb", ev.Telemetry.TimeToFirstByte(), "estimated", ev.Telemetry.Estimated)
		if tps, ok := ev.Telemetry.Throughput(); ok {
			attrs = append(attrs, "tokens_per_second", tps)
		}
	}
	if !ev.Success {
		logger.WarnContext(ctx, "request failed", append(attrs, "error_class", ev.ErrorClass)...)
		return nil
	}
	logger.InfoContext(ctx, "request completed", attrs...)
	return nil
}
