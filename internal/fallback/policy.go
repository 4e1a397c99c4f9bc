package fallback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"combo-gateway/internal/account"
	"combo-gateway/internal/provider"
)

// Action is what the orchestrator does after a failed attempt.
type Action int

const (
	// RetrySame repeats the call on the same entry.
	RetrySame Action = iota
	// RefreshAndRetry forces a credential refresh, then repeats the call.
	RefreshAndRetry
	// Advance moves to the next combo entry.
	Advance
)

func (a Action) String() string {
	switch a {
	case RetrySame:
		return "retry_same"
	case RefreshAndRetry:
		return "refresh_and_retry"
	default:
		return "advance"
	}
}

// CooldownSaver persists cooldown windows.
type CooldownSaver interface {
	SaveCooldown(ctx context.Context, acct *account.Account) error
}

// Config tunes the policy.
type Config struct {
	// TransientRetries caps same-account retries of retryable transient
	// failures.
	TransientRetries int
	// DefaultCooldown applies when neither the upstream nor the provider
	// configuration names a window.
	DefaultCooldown time.Duration
	// Cooldowns holds per-provider windows.
	Cooldowns map[string]time.Duration
	Now       func() time.Time
}

// Progress is the per-request fallback state: the position in the combo and
// the retry budget spent on each account. It is owned by one request.
type Progress struct {
	Combo      account.Combo
	Selections int
	Cooldowns  int

	position  int
	failures  map[string]Failure
	order     []string
	transient map[string]int
	authRetry map[string]bool
	refreshed map[string]bool
}

// NewProgress starts at the first entry of combo.
func NewProgress(combo account.Combo) *Progress {
	return &Progress{
		Combo:     combo,
		failures:  make(map[string]Failure),
		transient: make(map[string]int),
		authRetry: make(map[string]bool),
		refreshed: make(map[string]bool),
	}
}

// Fallbacks returns how many entries were left behind.
func (p *Progress) Fallbacks() int { return p.position }

// Failures returns the last failure of every account, in combo order.
func (p *Progress) Failures() []Failure {
	out := make([]Failure, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.failures[id])
	}
	return out
}

// Exhausted builds the aggregated error for a request that ran out of
// entries.
func (p *Progress) Exhausted() *ComboExhaustedError {
	return &ComboExhaustedError{Combo: p.Combo.Name, Failures: p.Failures()}
}

func (p *Progress) record(f Failure) {
	if _, seen := p.failures[f.AccountID]; !seen {
		p.order = append(p.order, f.AccountID)
	}
	p.failures[f.AccountID] = f
}

// Policy applies the fallback rules. It is safe for concurrent use; all
// per-request state lives in Progress.
type Policy struct {
	cfg    Config
	saver  CooldownSaver
	logger *slog.Logger
}

// NewPolicy returns a policy. saver may be nil.
func NewPolicy(cfg Config, saver CooldownSaver, logger *slog.Logger) *Policy {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = time.Minute
	}
	if cfg.TransientRetries < 0 {
		cfg.TransientRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{cfg: cfg, saver: saver, logger: logger.With("component", "fallback")}
}

// SelectNext returns the current entry, skipping accounts that are cooling
// down. A skipped account without an earlier failure in this request is
// recorded as a CooldownError. It returns ErrExhausted when the combo has no
// eligible entry left.
func (pol *Policy) SelectNext(p *Progress) (account.Entry, error) {
	now := pol.cfg.Now()
	for p.position < len(p.Combo.Entries) {
		entry := p.Combo.Entries[p.position]
		if entry.Account.CoolingDown(now) {
			until := entry.Account.CooledDownUntil()
			if _, seen := p.failures[entry.Account.ID]; !seen {
				p.record(Failure{
					AccountID: entry.Account.ID,
					Provider:  entry.Account.Provider,
					Model:     entry.Model,
					Class:     QuotaExceeded,
					Err:       &CooldownError{AccountID: entry.Account.ID, Until: until},
					Until:     until,
				})
			}
			pol.logger.Debug("skipping account in cooldown", "combo", p.Combo.Name, "account", entry.Account.ID, "until", until)
			p.position++
			continue
		}
		p.Selections++
		return entry, nil
	}
	return account.Entry{}, ErrExhausted
}

// Decide records err against entry and returns the next action. Quota
// failures put the account into cooldown before advancing.
func (pol *Policy) Decide(ctx context.Context, p *Progress, entry account.Entry, err error) Action {
	class := Classify(err)
	acct := entry.Account
	failure := Failure{
		AccountID: acct.ID,
		Provider:  acct.Provider,
		Model:     entry.Model,
		Class:     class,
		Err:       err,
	}

	action := Advance
	var refreshErr *provider.RefreshError
	switch {
	case errors.As(err, &refreshErr):
		switch {
		case errors.Is(err, provider.ErrNoRefreshToken), errors.Is(err, provider.ErrRefreshUnsupported):
			failure.Class = Fatal
		case p.refreshed[acct.ID]:
			failure.Class = Fatal
		default:
			p.refreshed[acct.ID] = true
			action = RefreshAndRetry
		}

	case class == AuthExpired:
		if !p.authRetry[acct.ID] {
			p.authRetry[acct.ID] = true
			action = RefreshAndRetry
		}

	case class == Transient:
		if retryable(err) && p.transient[acct.ID] < pol.cfg.TransientRetries {
			p.transient[acct.ID]++
			action = RetrySame
		}

	case class == QuotaExceeded:
		failure.Until = pol.coolDown(ctx, acct, err)
		p.Cooldowns++
	}

	p.record(failure)
	if action == Advance {
		p.position++
	}
	pol.logger.Debug("attempt failed",
		"combo", p.Combo.Name,
		"account", acct.ID,
		"class", failure.Class.String(),
		"transport", transportKind(err).String(),
		"action", action.String(),
		"error", err,
	)
	return action
}

// coolDown sets the cooldown window of acct and returns its end.
func (pol *Policy) coolDown(ctx context.Context, acct *account.Account, err error) time.Time {
	window := pol.cooldownWindow(acct.Provider, err)
	until := pol.cfg.Now().Add(window)
	acct.CoolDown(until, QuotaExceeded.String())
	pol.logger.Info("account cooling down", "account", acct.ID, "provider", acct.Provider, "until", until)

	if pol.saver != nil {
		if saveErr := pol.saver.SaveCooldown(ctx, acct); saveErr != nil {
			pol.logger.Warn("persist cooldown", "account", acct.ID, "error", saveErr)
		}
	}
	return acct.CooledDownUntil()
}

func (pol *Policy) cooldownWindow(providerName string, err error) time.Duration {
	var execErr *provider.ExecutionError
	if errors.As(err, &execErr) && execErr.RetryAfter > 0 {
		return execErr.RetryAfter
	}
	if d, ok := pol.cfg.Cooldowns[providerName]; ok && d > 0 {
		return d
	}
	return pol.cfg.DefaultCooldown
}
