package fallback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"combo-gateway/internal/account"
	"combo-gateway/internal/provider"
	"combo-gateway/internal/stream"
	"combo-gateway/internal/translator"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockSaver struct {
	mock.Mock
}

func (m *mockSaver) SaveCooldown(ctx context.Context, acct *account.Account) error {
	args := m.Called(ctx, acct)
	return args.Error(0)
}

func newCombo(n int) account.Combo {
	combo := account.Combo{Name: "smart"}
	for i := range n {
		acct := account.New(fmt.Sprintf("a%d", i+1), "openai", account.Credentials{APIKey: "sk"})
		combo.Entries = append(combo.Entries, account.Entry{Account: acct, Model: "gpt-4o"})
	}
	return combo
}

func newPolicy(saver CooldownSaver) *Policy {
	return NewPolicy(Config{
		TransientRetries: 1,
		DefaultCooldown:  time.Minute,
		Cooldowns:        map[string]time.Duration{"claude": 5 * time.Minute},
		Now:              func() time.Time { return now },
	}, saver, nil)
}

func quotaError() error {
	return provider.StatusError("openai", http.StatusTooManyRequests, http.Header{}, []byte(`{"error":{"message":"quota"}}`))
}

func TestPolicy_QuotaFailuresAdvance(t *testing.T) {
	const k = 3
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(k + 1))

	var served account.Entry
	for {
		entry, err := policy.SelectNext(progress)
		require.NoError(t, err)
		if progress.Selections <= k {
			assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, quotaError()))
			continue
		}
		served = entry
		break
	}

	assert.Equal(t, k+1, progress.Selections)
	assert.Equal(t, k, progress.Cooldowns)
	assert.Equal(t, k, progress.Fallbacks())
	assert.Equal(t, "a4", served.Account.ID)
	for _, e := range progress.Combo.Entries[:k] {
		assert.True(t, e.Account.CoolingDown(now))
		assert.Equal(t, "quota_exceeded", e.Account.LastErrorClass())
	}
}

func TestPolicy_AllCooledDown(t *testing.T) {
	combo := newCombo(3)
	for i, e := range combo.Entries {
		e.Account.CoolDown(now.Add(time.Duration(i+1)*time.Minute), "quota_exceeded")
	}
	policy := newPolicy(nil)
	progress := NewProgress(combo)

	_, err := policy.SelectNext(progress)
	require.ErrorIs(t, err, ErrExhausted)
	assert.Zero(t, progress.Selections)

	exhausted := progress.Exhausted()
	require.Len(t, exhausted.Failures, 3)
	for i, f := range exhausted.Failures {
		assert.Equal(t, combo.Entries[i].Account.ID, f.AccountID)
		var cooldown *CooldownError
		assert.ErrorAs(t, f.Err, &cooldown)
	}
	assert.True(t, exhausted.AllQuota())
	assert.Equal(t, time.Minute, exhausted.RetryAfter(now))
	assert.Zero(t, exhausted.LastStatus())
}

func TestPolicy_CooldownWindow(t *testing.T) {
	saver := &mockSaver{}
	saver.On("SaveCooldown", mock.Anything, mock.Anything).Return(nil)
	policy := newPolicy(saver)

	withHeader := provider.StatusError("openai", http.StatusTooManyRequests, http.Header{"Retry-After": {"30"}}, nil)
	claudeAcct := account.New("c1", "claude", account.Credentials{APIKey: "k"})
	geminiAcct := account.New("g1", "gemini", account.Credentials{APIKey: "k"})
	openaiAcct := account.New("o1", "openai", account.Credentials{APIKey: "k"})

	combo := account.Combo{Name: "c", Entries: []account.Entry{
		{Account: openaiAcct}, {Account: claudeAcct}, {Account: geminiAcct},
	}}
	progress := NewProgress(combo)

	policy.Decide(context.Background(), progress, combo.Entries[0], withHeader)
	policy.Decide(context.Background(), progress, combo.Entries[1], quotaError())
	policy.Decide(context.Background(), progress, combo.Entries[2], quotaError())

	assert.Equal(t, now.Add(30*time.Second), openaiAcct.CooledDownUntil())
	assert.Equal(t, now.Add(5*time.Minute), claudeAcct.CooledDownUntil())
	assert.Equal(t, now.Add(time.Minute), geminiAcct.CooledDownUntil())
	saver.AssertNumberOfCalls(t, "SaveCooldown", 3)

	exhausted := progress.Exhausted()
	assert.Equal(t, 30*time.Second, exhausted.RetryAfter(now))
	assert.Equal(t, http.StatusTooManyRequests, exhausted.LastStatus())
}

func TestPolicy_SaveCooldownFailureIsLogged(t *testing.T) {
	saver := &mockSaver{}
	saver.On("SaveCooldown", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	policy := newPolicy(saver)
	progress := NewProgress(newCombo(1))

	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, quotaError()))
	assert.True(t, entry.Account.CoolingDown(now))
	saver.AssertExpectations(t)
}

func TestPolicy_AuthExpiredRefreshesOnce(t *testing.T) {
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(2))
	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)

	unauthorized := provider.StatusError("openai", http.StatusUnauthorized, http.Header{}, nil)
	assert.Equal(t, RefreshAndRetry, policy.Decide(context.Background(), progress, entry, unauthorized))
	assert.Equal(t, 0, progress.Fallbacks())
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, unauthorized))

	next, err := policy.SelectNext(progress)
	require.NoError(t, err)
	assert.Equal(t, "a2", next.Account.ID)
	assert.False(t, entry.Account.CoolingDown(now))
}

func TestPolicy_RefreshErrorEscalates(t *testing.T) {
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(2))
	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)

	refreshErr := &provider.RefreshError{Provider: "openai", AccountID: "a1", Err: errors.New("invalid_grant")}
	assert.Equal(t, RefreshAndRetry, policy.Decide(context.Background(), progress, entry, refreshErr))
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, refreshErr))

	failures := progress.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, Fatal, failures[0].Class)
}

func TestPolicy_UnrefreshableAccountAdvances(t *testing.T) {
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(2))
	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)

	noToken := &provider.RefreshError{Provider: "openai", AccountID: "a1", Err: provider.ErrNoRefreshToken}
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, noToken))
	assert.Equal(t, Fatal, progress.Failures()[0].Class)
}

func TestPolicy_TransientRetryCap(t *testing.T) {
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(2))
	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)

	serverErr := provider.StatusError("openai", http.StatusBadGateway, http.Header{}, nil)
	assert.Equal(t, RetrySame, policy.Decide(context.Background(), progress, entry, serverErr))
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, serverErr))

	entry, err = policy.SelectNext(progress)
	require.NoError(t, err)
	breakerOpen := &provider.ExecutionError{Provider: "openai", Kind: provider.KindTransient, Message: "circuit breaker open"}
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, breakerOpen))

	_, err = policy.SelectNext(progress)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, progress.Selections)
	assert.False(t, progress.Exhausted().AllQuota())
	assert.Equal(t, http.StatusBadGateway, progress.Exhausted().LastStatus())
}

func TestPolicy_FatalAdvancesWithoutRetry(t *testing.T) {
	policy := newPolicy(nil)
	progress := NewProgress(newCombo(2))
	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)

	badRequest := provider.StatusError("openai", http.StatusBadRequest, http.Header{}, []byte(`{"error":{"message":"bad"}}`))
	assert.Equal(t, Advance, policy.Decide(context.Background(), progress, entry, badRequest))
	assert.False(t, entry.Account.CoolingDown(now))
}

func TestPolicy_CooledAccountKeepsRealFailure(t *testing.T) {
	acct := account.New("a1", "openai", account.Credentials{APIKey: "sk"})
	combo := account.Combo{Name: "twice", Entries: []account.Entry{
		{Account: acct, Model: "gpt-4o"},
		{Account: acct, Model: "gpt-4o-mini"},
	}}
	policy := newPolicy(nil)
	progress := NewProgress(combo)

	entry, err := policy.SelectNext(progress)
	require.NoError(t, err)
	policy.Decide(context.Background(), progress, entry, quotaError())

	_, err = policy.SelectNext(progress)
	require.ErrorIs(t, err, ErrExhausted)

	failures := progress.Failures()
	require.Len(t, failures, 1)
	var execErr *provider.ExecutionError
	assert.ErrorAs(t, failures[0].Err, &execErr)
}

func TestComboExhaustedError_Error(t *testing.T) {
	err := &ComboExhaustedError{Combo: "smart", Failures: []Failure{
		{AccountID: "a1", Class: QuotaExceeded, Err: errors.New("slow down")},
		{AccountID: "a2", Class: Fatal, Err: io.ErrClosedPipe},
	}}
	assert.Equal(t, `combo "smart" exhausted: a1 (quota_exceeded): slow down; a2 (fatal): io: read/write on closed pipe`, err.Error())
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	empty := &ComboExhaustedError{Combo: "none"}
	assert.ErrorIs(t, empty, ErrExhausted)
	assert.False(t, empty.AllQuota())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"status quota", quotaError(), QuotaExceeded},
		{"status auth", provider.StatusError("p", 401, http.Header{}, nil), AuthExpired},
		{"refresh failure", &provider.RefreshError{Err: errors.New("x")}, AuthExpired},
		{"stream quota", &translator.StreamError{Type: "resource_exhausted", Message: "limit"}, QuotaExceeded},
		{"stream auth", &translator.StreamError{Type: "authentication_error", Message: "token expired"}, AuthExpired},
		{"stream invalid", &translator.StreamError{Type: "invalid_request_error", Message: "bad"}, Fatal},
		{"stream overloaded", &translator.StreamError{Type: "overloaded_error", Message: "Overloaded"}, Transient},
		{"truncated", fmt.Errorf("prime: %w", &stream.TruncatedError{}), Transient},
		{"timeout", provider.ErrTimeout, Transient},
		{"unexpected eof", io.ErrUnexpectedEOF, Transient},
		{"net error", timeoutErr{}, Transient},
		{"translation", &translator.TranslationError{Format: translator.FormatOpenAI, Err: errors.New("bad")}, Fatal},
		{"unknown", errors.New("boom"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
