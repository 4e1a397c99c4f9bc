package account

import (
	"context"
	"errors"
)

// ErrUnknownCombo indicates that no combo is registered under an alias.
var ErrUnknownCombo = errors.New("unknown model alias")

// Entry pairs an account with the upstream model to request from it.
type Entry struct {
	Account *Account
	Model   string
}

// Combo is an ordered, immutable list of entries tried for a model alias.
type Combo struct {
	Name    string
	Entries []Entry
}

// ComboResolver resolves the model named by a caller to a combo.
type ComboResolver func(ctx context.Context, model string) (Combo, error)

// Store is the boundary to whatever keeps accounts and combos. The engine
// reads combos through it and hands back refreshed credentials and cooldowns.
type Store interface {
	Combo(ctx context.Context, alias string) (Combo, error)
	Aliases(ctx context.Context) ([]string, error)
	SaveCredentials(ctx context.Context, acct *Account) error
	SaveCooldown(ctx context.Context, acct *Account) error
}

// Resolver adapts a Store to a ComboResolver.
func Resolver(s Store) ComboResolver {
	return s.Combo
}
