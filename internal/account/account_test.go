package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	apiKey := New("k", "openai", Credentials{APIKey: "sk"})
	assert.False(t, apiKey.NeedsRefresh(now, time.Minute))

	oauth := New("o", "claude", Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: now.Add(10 * time.Minute)})
	assert.False(t, oauth.NeedsRefresh(now, 5*time.Minute))
	assert.True(t, oauth.NeedsRefresh(now, 10*time.Minute))
	assert.True(t, oauth.NeedsRefresh(now.Add(time.Hour), 0))
}

func TestAccount_CredentialsAreCopied(t *testing.T) {
	a := New("a", "gemini-cli", Credentials{Extra: map[string]string{"project_id": "p1"}})
	snap := a.Credentials()
	snap.Extra["project_id"] = "mutated"
	assert.Equal(t, "p1", a.Credentials().Extra["project_id"])
}

func TestAccount_CoolDownKeepsLaterDeadline(t *testing.T) {
	now := time.Now()
	a := New("a", "openai", Credentials{})

	a.CoolDown(now.Add(time.Minute), "quota_exceeded")
	a.CoolDown(now.Add(time.Second), "quota_exceeded")

	assert.True(t, a.CoolingDown(now))
	assert.Equal(t, now.Add(time.Minute), a.CooledDownUntil())
	assert.False(t, a.CoolingDown(now.Add(2*time.Minute)))
	assert.Equal(t, "quota_exceeded", a.LastErrorClass())
}

func TestMemoryStore_ResolvesNamedCombosAndShorthand(t *testing.T) {
	a1 := New("a1", "openai", Credentials{APIKey: "1"})
	a2 := New("a2", "claude", Credentials{APIKey: "2"})
	a3 := New("a3", "openai", Credentials{APIKey: "3"})

	store, err := NewMemoryStore([]*Account{a1, a2, a3}, []ComboSpec{{
		Name: "smart",
		Entries: []EntrySpec{
			{Account: "a2", Model: "claude-sonnet-4"},
			{Account: "a1", Model: "gpt-4o"},
		},
	}})
	require.NoError(t, err)
	ctx := context.Background()

	combo, err := store.Combo(ctx, "smart")
	require.NoError(t, err)
	require.Len(t, combo.Entries, 2)
	assert.Same(t, a2, combo.Entries[0].Account)
	assert.Equal(t, "gpt-4o", combo.Entries[1].Model)

	combo, err = store.Combo(ctx, "openai/gpt-4o-mini")
	require.NoError(t, err)
	require.Len(t, combo.Entries, 2)
	assert.Same(t, a1, combo.Entries[0].Account)
	assert.Same(t, a3, combo.Entries[1].Account)
	assert.Equal(t, "gpt-4o-mini", combo.Entries[0].Model)

	_, err = store.Combo(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownCombo)
	_, err = store.Combo(ctx, "cohere/command")
	assert.ErrorIs(t, err, ErrUnknownCombo)

	aliases, err := store.Aliases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"smart"}, aliases)
}

func TestNewMemoryStore_RejectsUnknownAccount(t *testing.T) {
	_, err := NewMemoryStore(nil, []ComboSpec{{Name: "x", Entries: []EntrySpec{{Account: "ghost"}}}})
	assert.ErrorContains(t, err, "unknown account")
}
