package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"combo-gateway/internal/account"
	"combo-gateway/internal/models"
	"combo-gateway/internal/sse"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

// CredentialSaver persists refreshed credentials.
type CredentialSaver interface {
	SaveCredentials(ctx context.Context, acct *account.Account) error
}

// GuardConfig tunes the behaviour shared by every executor.
type GuardConfig struct {
	// RefreshMargin triggers a refresh when the token expires within it.
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	// Timeout bounds a call up to the first stream event, or up to the full
	// body otherwise. Zero disables it.
	Timeout time.Duration
	// IdleTimeout bounds each later wait for a stream event. Zero uses
	// Timeout.
	IdleTimeout time.Duration
	// BreakerFailures is the number of consecutive transient failures that
	// opens the breaker. Zero disables the breaker.
	BreakerFailures uint32
	BreakerOpen     time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Call is the outcome of one successful upstream execution. Exactly one of
// Body and Stream is set, according to Shape.
type Call struct {
	Shape  Shape
	Format translator.Format
	Status int
	Body   []byte
	Stream stream.Source
}

// Guard composes refresh gating, refresh collapsing, call timeouts, a
// circuit breaker and status classification around an Executor.
type Guard struct {
	exec    Executor
	saver   CredentialSaver
	cfg     GuardConfig
	logger  *slog.Logger
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

// NewGuard wraps exec. saver may be nil.
func NewGuard(exec Executor, saver CredentialSaver, cfg GuardConfig) *Guard {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		exec:   exec,
		saver:  saver,
		cfg:    cfg,
		logger: logger.With("component", "provider", "provider", exec.Name()),
	}
	if cfg.BreakerFailures > 0 {
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        exec.Name(),
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpen,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: countsAsHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			},
		})
	}
	return g
}

// Name returns the provider id.
func (g *Guard) Name() string { return g.exec.Name() }

// Format returns the upstream wire format for model.
func (g *Guard) Format(model string) translator.Format { return g.exec.Format(model) }

// Prepare refreshes the account when its token is due and returns the
// credentials to use for the next call.
func (g *Guard) Prepare(ctx context.Context, acct *account.Account) (account.Credentials, error) {
	if acct.NeedsRefresh(g.cfg.Now(), g.cfg.RefreshMargin) {
		err := g.refresh(ctx, acct, func(account.Credentials) bool {
			return acct.NeedsRefresh(g.cfg.Now(), g.cfg.RefreshMargin)
		})
		if err != nil {
			return account.Credentials{}, err
		}
	}
	return acct.Credentials(), nil
}

// ForceRefresh refreshes the account after the upstream rejected
// staleToken. A caller arriving after the token was already replaced reuses
// that result instead of refreshing again.
func (g *Guard) ForceRefresh(ctx context.Context, acct *account.Account, staleToken string) error {
	return g.refresh(ctx, acct, func(creds account.Credentials) bool {
		return creds.AccessToken == staleToken
	})
}

func (g *Guard) refresh(ctx context.Context, acct *account.Account, due func(account.Credentials) bool) error {
	ch := g.group.DoChan(acct.ID, func() (any, error) {
		creds := acct.Credentials()
		if !due(creds) {
			return nil, nil
		}
		if creds.RefreshToken == "" {
			return nil, &RefreshError{Provider: g.Name(), AccountID: acct.ID, Err: ErrNoRefreshToken}
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.RefreshTimeout)
		defer cancel()

		fresh, err := g.exec.RefreshCredentials(rctx, creds)
		if err != nil {
			return nil, &RefreshError{Provider: g.Name(), AccountID: acct.ID, Err: err}
		}
		acct.UpdateCredentials(fresh)
		g.logger.Info("credentials refreshed", "account", acct.ID, "expires_at", fresh.ExpiresAt)

		if g.saver != nil {
			if err := g.saver.SaveCredentials(rctx, acct); err != nil {
				g.logger.Warn("persist refreshed credentials", "account", acct.ID, "error", err)
			}
		}
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute performs one upstream call with creds. Non-2xx responses become
// *ExecutionError. A returned stream keeps the call context alive until it
// is closed; the call timeout keeps running until its first event and each
// later wait for an event is bounded by the idle timeout.
func (g *Guard) Execute(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	wd := newWatchdog(g.cfg.Timeout, func() { cancel(ErrTimeout) })

	call, err := g.run(callCtx, creds, req)
	if err != nil {
		wd.stop()
		cancel(nil)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if call.Shape != ShapeStream {
		wd.stop()
		cancel(nil)
		return call, nil
	}

	inner := call.Stream
	started := false
	call.Stream = &stream.FuncSource{
		NextFunc: func(nctx context.Context) (sse.Event, error) {
			window := g.cfg.Timeout
			if started {
				window = g.cfg.IdleTimeout
				wd.arm(window)
			}
			started = true
			ev, err := inner.Next(nctx)
			wd.stop()
			if err != nil && !errors.Is(err, io.EOF) && errors.Is(context.Cause(callCtx), ErrTimeout) {
				return ev, g.timeoutError(fmt.Sprintf("no stream event within %s", window))
			}
			return ev, err
		},
		CloseFunc: func() error {
			wd.stop()
			err := inner.Close()
			cancel(nil)
			return err
		},
	}
	return call, nil
}

// watchdog fires once when left armed past its window.
type watchdog struct {
	fire  func()
	timer *time.Timer
}

func newWatchdog(d time.Duration, fire func()) *watchdog {
	w := &watchdog{fire: fire}
	w.arm(d)
	return w
}

func (w *watchdog) arm(d time.Duration) {
	if d <= 0 {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(d, w.fire)
		return
	}
	w.timer.Reset(d)
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (g *Guard) run(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*Call, error) {
	if g.breaker == nil {
		return g.execute(ctx, creds, req)
	}
	result, err := g.breaker.Execute(func() (any, error) {
		return g.execute(ctx, creds, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ExecutionError{
				Provider: g.Name(),
				Kind:     KindTransient,
				Message:  "circuit breaker open",
				Err:      err,
			}
		}
		return nil, err
	}
	return result.(*Call), nil
}

func (g *Guard) execute(ctx context.Context, creds account.Credentials, req *models.CanonicalRequest) (*Call, error) {
	httpReq, err := g.exec.BuildRequest(ctx, creds, req)
	if err != nil {
		return nil, &ExecutionError{Provider: g.Name(), Kind: KindFatal, Message: err.Error(), Err: err}
	}

	resp, err := g.exec.Execute(httpReq)
	if err != nil {
		return nil, g.callFailure(ctx, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, NewStatusError(g.Name(), resp)
	}

	call := &Call{
		Shape:  g.exec.ClassifyResponseShape(resp),
		Format: g.exec.Format(req.Model),
		Status: resp.StatusCode,
	}
	if call.Shape == ShapeStream {
		src, err := g.exec.OpenStream(resp, req.Model)
		if err != nil {
			resp.Body.Close()
			return nil, g.callFailure(ctx, err)
		}
		call.Stream = src
		return call, nil
	}

	body, err := g.exec.ReadWhole(resp)
	if err != nil {
		return nil, g.callFailure(ctx, err)
	}
	call.Body = body
	return call, nil
}

// callFailure converts a transport error, separating the guard's own timeout
// from caller cancellation.
func (g *Guard) callFailure(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout):
		return g.timeoutError(fmt.Sprintf("no response within %s", g.cfg.Timeout))
	case cause != nil:
		return cause
	default:
		return TransportError(g.Name(), err)
	}
}

func (g *Guard) timeoutError(msg string) *ExecutionError {
	return &ExecutionError{
		Provider:  g.Name(),
		Kind:      KindTransient,
		Transport: TransportTimeout,
		Message:   msg,
		Retryable: true,
		Err:       ErrTimeout,
	}
}

// countsAsHealthy keeps caller cancellations and non-transient upstream
// answers out of the breaker's failure count.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind != KindTransient
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
