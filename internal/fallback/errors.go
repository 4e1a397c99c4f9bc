package fallback

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"combo-gateway/internal/provider"
)

// ErrExhausted is returned by SelectNext when no eligible entry remains.
var ErrExhausted = errors.New("combo exhausted")

// Failure is the last error observed for one account. Until is set when the
// account is cooling down because of it.
type Failure struct {
	AccountID string
	Provider  string
	Model     string
	Class     Class
	Err       error
	Until     time.Time
}

// CooldownError records an account skipped because it is cooling down.
type CooldownError struct {
	AccountID string
	Until     time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("account %s cooling down until %s", e.AccountID, e.Until.UTC().Format(time.RFC3339))
}

// ComboExhaustedError aggregates the last failure of every account in combo
// order.
type ComboExhaustedError struct {
	Combo    string
	Failures []Failure
}

func (e *ComboExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("combo %q has no eligible accounts", e.Combo)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%s): %v", f.AccountID, f.Class, f.Err))
	}
	return fmt.Sprintf("combo %q exhausted: %s", e.Combo, strings.Join(parts, "; "))
}

// Unwrap exposes the last failure so errors.As finds the final upstream error.
func (e *ComboExhaustedError) Unwrap() error {
	if len(e.Failures) == 0 {
		return ErrExhausted
	}
	return e.Failures[len(e.Failures)-1].Err
}

// AllQuota reports whether every account failed on quota or was skipped
// while cooling down.
func (e *ComboExhaustedError) AllQuota() bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		var cooldown *CooldownError
		if f.Class != QuotaExceeded && !errors.As(f.Err, &cooldown) {
			return false
		}
	}
	return true
}

// RetryAfter returns the wait until the earliest cooldown among the failures
// expires, or zero when none is known.
func (e *ComboExhaustedError) RetryAfter(now time.Time) time.Duration {
	var earliest time.Time
	for _, f := range e.Failures {
		if f.Until.IsZero() {
			continue
		}
		if earliest.IsZero() || f.Until.Before(earliest) {
			earliest = f.Until
		}
	}
	if !earliest.After(now) {
		return 0
	}
	return earliest.Sub(now)
}

// LastStatus returns the upstream status of the most recent failure that
// carried one.
func (e *ComboExhaustedError) LastStatus() int {
	for i := len(e.Failures) - 1; i >= 0; i-- {
		var execErr *provider.ExecutionError
		if errors.As(e.Failures[i].Err, &execErr) && execErr.Status != 0 {
			return execErr.Status
		}
	}
	return 0
}
