// Package router drives one chat request through the pipeline: format
// detection, translation to the canonical model, account selection with
// fallback, upstream execution and translation of the answer back to the
// caller's format.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"combo-gateway/internal/account"
	"combo-gateway/internal/fallback"
	"combo-gateway/internal/models"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/sse"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
	"combo-gateway/internal/usage"
)

// errAdvance ends the attempts on one combo entry.
var errAdvance = errors.New("advance to next combo entry")

// Inbound is a raw caller request. Format is the endpoint hint and may be
// empty. Model and Stream override the body when the endpoint carries them
// in the URL. RequestID is generated when empty.
type Inbound struct {
	RequestID string
	Format    translator.Format
	Body      []byte
	Model     string
	Stream    *bool
}

// Routing records where a request was served.
type Routing struct {
	RequestID  string
	Combo      string
	Provider   string
	AccountID  string
	Model      string
	Attempts   int
	Selections int
	Fallbacks  int
}

// Result is a successful answer in the caller's format. Exactly one of Body
// and Stream is set.
type Result struct {
	Format  translator.Format
	Status  int
	Body    []byte
	Stream  *Stream
	Routing Routing
}

// Config wires a Router.
type Config struct {
	Formats   *translator.Registry
	Providers *provider.Registry
	Policy    *fallback.Policy
	Sink      usage.Sink
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Router dispatches caller requests across combos.
type Router struct {
	formats   *translator.Registry
	providers *provider.Registry
	policy    *fallback.Policy
	sink      usage.Sink
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New constructs a router. Formats defaults to every built-in format and
// Sink to a discarding sink.
func New(cfg Config) *Router {
	r := &Router{
		formats:   cfg.Formats,
		providers: cfg.Providers,
		policy:    cfg.Policy,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if r.formats == nil {
		r.formats = translator.DefaultRegistry()
	}
	if r.sink == nil {
		r.sink = usage.Discard{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	if r.policy == nil {
		r.policy = fallback.NewPolicy(fallback.Config{Now: r.now}, nil, r.logger)
	}
	return r
}

// Formats returns the format registry.
func (r *Router) Formats() *translator.Registry { return r.formats }

// ExecuteChat runs in through the pipeline. Errors are terminal and can be
// rendered with ErrorInfo; retryable upstream failures never surface until
// the combo is exhausted.
func (r *Router) ExecuteChat(ctx context.Context, in Inbound, resolve account.ComboResolver) (*Result, error) {
	id := in.RequestID
	if id == "" {
		id = r.newID()
	}
	ec := newExecutionContext(id, r.now(), r.logger)
	res, err := r.execute(ctx, ec, in, resolve)
	if err != nil {
		ec.transition(Failed)
		r.report(ec, stream.Telemetry{RequestStart: ec.Start}, models.Usage{}, err)
		if errors.Is(err, context.Canceled) {
			ec.logger.Info("request cancelled by caller")
		} else {
			ec.logger.Warn("request failed", "error", err)
		}
		return nil, err
	}
	return res, nil
}

func (r *Router) execute(ctx context.Context, ec *ExecutionContext, in Inbound, resolve account.ComboResolver) (*Result, error) {
	format, err := r.formats.Detect(in.Format, in.Body)
	if err != nil {
		return nil, err
	}
	ec.CallerFormat = format
	ec.transition(Detected)

	codec, err := r.formats.Lookup(format)
	if err != nil {
		return nil, err
	}
	req, err := codec.DecodeRequest(in.Body)
	if err != nil {
		return nil, err
	}
	if in.Model != "" {
		req = req.WithModel(in.Model)
	}
	if in.Stream != nil && req.Stream != *in.Stream {
		clone := *req
		clone.Stream = *in.Stream
		req = &clone
	}
	if req.Model == "" {
		return nil, &translator.TranslationError{Format: format, Err: errors.New("model must be provided")}
	}
	ec.Request = req
	ec.transition(Translated)

	combo, err := resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	ec.Progress = fallback.NewProgress(combo)
	ec.logger = ec.logger.With("combo", combo.Name)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := r.policy.SelectNext(ec.Progress)
		if errors.Is(err, fallback.ErrExhausted) {
			ec.transition(Exhausted)
			return nil, ec.Exhausted()
		}
		ec.entry = entry
		ec.transition(AccountSelected)

		res, err := r.runEntry(ctx, ec, entry, codec)
		if errors.Is(err, errAdvance) {
			continue
		}
		return res, err
	}
}

// runEntry executes against one combo entry until it succeeds or the policy
// moves on.
func (r *Router) runEntry(ctx context.Context, ec *ExecutionContext, entry account.Entry, caller translator.Codec) (*Result, error) {
	var (
		refresh bool
		stale   string
	)
	for {
		ec.transition(Executing)
		res, token, err := r.attempt(ctx, ec, entry, caller, refresh, stale)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		ec.transition(Classifying)
		switch r.policy.Decide(ctx, ec.Progress, entry, err) {
		case fallback.RetrySame:
			refresh = false
		case fallback.RefreshAndRetry:
			refresh, stale = true, token
		default:
			return nil, errAdvance
		}
		ec.transition(AccountSelected)
	}
}

// attempt performs one upstream call. It returns the access token the call
// used so a forced refresh can tell whether another request already
// replaced it.
func (r *Router) attempt(ctx context.Context, ec *ExecutionContext, entry account.Entry, caller translator.Codec, refresh bool, stale string) (*Result, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	acct := entry.Account
	guard, err := r.providers.Lookup(acct.Provider)
	if err != nil {
		return nil, "", err
	}

	if refresh {
		if err := guard.ForceRefresh(ctx, acct, stale); err != nil {
			return nil, stale, err
		}
	}
	creds, err := guard.Prepare(ctx, acct)
	if err != nil {
		return nil, acct.Credentials().AccessToken, err
	}

	req := ec.Request
	if entry.Model != "" {
		req = req.WithModel(entry.Model)
	}
	ec.UpstreamFormat = guard.Format(req.Model)
	ec.Attempts++
	ec.logger.Debug("executing upstream call",
		"provider", guard.Name(),
		"account", acct.ID,
		"model", req.Model,
		"attempt", ec.Attempts,
	)

	call, err := guard.Execute(ctx, creds, req)
	if err != nil {
		return nil, creds.AccessToken, err
	}
	res, err := r.respond(ctx, ec, caller, call)
	return res, creds.AccessToken, err
}

// respond turns a successful upstream call into the caller's shape. Any
// error returned here happened before the first caller byte and may still
// fall back.
func (r *Router) respond(ctx context.Context, ec *ExecutionContext, caller translator.Codec, call *provider.Call) (*Result, error) {
	upstream, err := r.formats.Lookup(call.Format)
	if err != nil {
		if call.Stream != nil {
			_ = call.Stream.Close()
		}
		return nil, err
	}
	cfg := stream.Config{
		RequestStart: ec.Start,
		PromptChars:  promptChars(ec.Request),
		Now:          r.now,
	}

	if call.Shape == provider.ShapeStream {
		if !ec.Request.Stream {
			resp, tel, err := stream.Collect(ctx, call.Stream, upstream.NewStreamDecoder(), cfg)
			if err != nil {
				return nil, err
			}
			return r.whole(ec, caller, upstream, nil, resp, tel)
		}

		cfg.Mode = stream.Translate
		if call.Format == ec.CallerFormat {
			cfg.Mode = stream.Passthrough
		}
		cfg.Decoder = upstream.NewStreamDecoder()
		cfg.Encoder = caller.NewStreamEncoder()
		ctrl := stream.NewController(call.Stream, cfg)
		if err := ctrl.Prime(ctx); err != nil {
			_ = ctrl.Close()
			return nil, err
		}
		return r.streaming(ec, caller, ctrl), nil
	}

	resp, err := upstream.DecodeResponse(call.Body)
	if err != nil {
		return nil, err
	}
	if !ec.Request.Stream {
		var raw []byte
		if call.Format == ec.CallerFormat {
			raw = call.Body
		}
		return r.whole(ec, caller, upstream, raw, resp, stream.Telemetry{RequestStart: ec.Start})
	}

	events, err := synthesize(caller, resp)
	if err != nil {
		return nil, err
	}
	cfg.Mode = stream.Passthrough
	cfg.Decoder = caller.NewStreamDecoder()
	ctrl := stream.NewController(stream.StaticSource(events...), cfg)
	return r.streaming(ec, caller, ctrl), nil
}

// whole completes a request answered with a single body. raw, when set, is
// the upstream body already in the caller's format.
func (r *Router) whole(ec *ExecutionContext, caller, upstream translator.Codec, raw []byte, resp *models.CanonicalResponse, tel stream.Telemetry) (*Result, error) {
	body := raw
	if body == nil {
		var err error
		body, err = caller.EncodeResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("encode %s response: %w", caller.Format(), err)
		}
	}
	ec.transition(WholeResponse)

	u := resp.Usage
	if u.IsZero() {
		u = models.Usage{
			PromptTokens:     stream.EstimateTokens(promptChars(ec.Request)),
			CompletionTokens: stream.EstimateTokens(len(resp.Text())),
		}
		tel.Estimated = true
	}
	u = u.Normalized()
	tel.PromptTokens, tel.CompletionTokens = u.PromptTokens, u.CompletionTokens

	ec.transition(Completed)
	r.report(ec, tel, u, nil)
	ec.logger.Info("request completed",
		"provider", ec.entry.Account.Provider,
		"account", ec.entry.Account.ID,
		"attempts", ec.Attempts,
		"upstream_format", upstream.Format(),
	)
	return &Result{
		Format:  ec.CallerFormat,
		Status:  http.StatusOK,
		Body:    body,
		Routing: ec.routing(),
	}, nil
}

func (r *Router) streaming(ec *ExecutionContext, caller translator.Codec, ctrl *stream.Controller) *Result {
	ec.transition(StreamingResponse)
	s := &Stream{ctrl: ctrl, codec: caller}
	s.finish = func(err error) {
		tel := ctrl.Telemetry()
		u := models.Usage{PromptTokens: tel.PromptTokens, CompletionTokens: tel.CompletionTokens}.Normalized()
		if err != nil {
			ec.transition(Failed)
			ec.logger.Warn("stream failed", "error", err, "chunks", tel.Chunks)
		} else {
			ec.transition(Completed)
			ec.logger.Info("stream completed", "chunks", tel.Chunks, "ttfb", tel.TimeToFirstByte())
		}
		r.report(ec, tel, u, err)
	}
	return &Result{
		Format:  ec.CallerFormat,
		Status:  http.StatusOK,
		Stream:  s,
		Routing: ec.routing(),
	}
}

// synthesize renders a whole canonical response as a caller stream.
func synthesize(caller translator.Codec, resp *models.CanonicalResponse) ([]sse.Event, error) {
	enc := caller.NewStreamEncoder()
	var events []sse.Event
	for _, chunk := range models.ChunksFromResponse(resp) {
		out, err := enc.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("encode %s stream: %w", caller.Format(), err)
		}
		events = append(events, out...)
	}
	return append(events, enc.Finish()...), nil
}

// report hands one usage event to the sink.
func (r *Router) report(ec *ExecutionContext, tel stream.Telemetry, u models.Usage, err error) {
	ev := usage.Event{
		RequestID:      ec.RequestID,
		CallerFormat:   ec.CallerFormat,
		UpstreamFormat: ec.UpstreamFormat,
		Success:        err == nil,
		Attempts:       ec.Attempts,
		Duration:       r.now().Sub(ec.Start),
		Telemetry:      tel,
		Usage:          u,
	}
	if ec.Request != nil {
		ev.Stream = ec.Request.Stream
		ev.Model = ec.Request.Model
	}
	if ec.Progress != nil {
		ev.Combo = ec.Combo.Name
		ev.Fallbacks = ec.Fallbacks()
		ev.Cooldowns = ec.Cooldowns
	}
	if ec.entry.Account != nil {
		ev.Provider = ec.entry.Account.Provider
		ev.AccountID = ec.entry.Account.ID
		if ec.entry.Model != "" {
			ev.Model = ec.entry.Model
		}
	}
	if err != nil {
		ev.ErrorClass = errorClass(err)
	}
	r.sink.Record(ev)
}

func promptChars(req *models.CanonicalRequest) int {
	if req == nil {
		return 0
	}
	n := 0
	for _, m := range req.Messages {
		n += len(m.Text())
	}
	return n
}
