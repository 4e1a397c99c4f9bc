// Package account holds upstream credentials, cooldown state and the combos
// that rank accounts for a model alias.
package account

import (
	"maps"
	"sync"
	"time"
)

// Credentials are the secrets used to call a provider. Extra carries
// provider-specific values such as a Cloud Code project id.
type Credentials struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Extra        map[string]string
}

// Clone returns a deep copy.
func (c Credentials) Clone() Credentials {
	c.Extra = maps.Clone(c.Extra)
	return c
}

// Token returns the secret presented upstream: the OAuth access token when
// present, otherwise the API key.
func (c Credentials) Token() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

// Account is one set of credentials for one provider. Mutable state is
// guarded so concurrent requests may share the same account.
type Account struct {
	ID       string
	Provider string

	mu              sync.Mutex
	creds           Credentials
	cooledDownUntil time.Time
	lastErrorClass  string
}

// New returns an account seeded with creds.
func New(id, provider string, creds Credentials) *Account {
	return &Account{ID: id, Provider: provider, creds: creds.Clone()}
}

// Credentials returns a snapshot of the current credentials.
func (a *Account) Credentials() Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds.Clone()
}

// UpdateCredentials replaces the stored credentials.
func (a *Account) UpdateCredentials(creds Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds.Clone()
}

// NeedsRefresh reports whether the access token expires within margin of now.
// Accounts without a refresh token or expiry never need a refresh.
func (a *Account) NeedsRefresh(now time.Time, margin time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.RefreshToken == "" || a.creds.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(a.creds.ExpiresAt)
}

// CoolDown excludes the account from selection until the given time. An
// existing later deadline is kept.
func (a *Account) CoolDown(until time.Time, class string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if until.After(a.cooledDownUntil) {
		a.cooledDownUntil = until
	}
	a.lastErrorClass = class
}

// CoolingDown reports whether the account is excluded at now.
func (a *Account) CoolingDown(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return now.Before(a.cooledDownUntil)
}

// CooledDownUntil returns the end of the current cooldown window.
func (a *Account) CooledDownUntil() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cooledDownUntil
}

// LastErrorClass returns the classification of the failure that last put the
// account into cooldown.
func (a *Account) LastErrorClass() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErrorClass
}
