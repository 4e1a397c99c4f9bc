package account

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// ComboSpec names the entries of a combo by account id.
type ComboSpec struct {
	Name    string
	Entries []EntrySpec
}

// EntrySpec references an account and the model to request from it.
type EntrySpec struct {
	Account string
	Model   string
}

// MemoryStore keeps accounts and combos in process memory. Besides named
// combos it resolves "provider/model" to every account of that provider in
// registration order.
type MemoryStore struct {
	accounts []*Account
	byID     map[string]*Account
	combos   map[string]Combo
}

// NewMemoryStore indexes accounts and builds the named combos.
func NewMemoryStore(accounts []*Account, specs []ComboSpec) (*MemoryStore, error) {
	s := &MemoryStore{
		accounts: accounts,
		byID:     make(map[string]*Account, len(accounts)),
		combos:   make(map[string]Combo, len(specs)),
	}
	for _, a := range accounts {
		if _, dup := s.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account %q", a.ID)
		}
		s.byID[a.ID] = a
	}

	for _, spec := range specs {
		if _, dup := s.combos[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate combo %q", spec.Name)
		}
		combo := Combo{Name: spec.Name, Entries: make([]Entry, 0, len(spec.Entries))}
		for i, e := range spec.Entries {
			acct, ok := s.byID[e.Account]
			if !ok {
				return nil, fmt.Errorf("combo %q entry %d: unknown account %q", spec.Name, i, e.Account)
			}
			combo.Entries = append(combo.Entries, Entry{Account: acct, Model: e.Model})
		}
		s.combos[spec.Name] = combo
	}
	return s, nil
}

// Account returns the account registered under id.
func (s *MemoryStore) Account(id string) (*Account, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// Combo resolves alias to a named combo or a provider shorthand.
func (s *MemoryStore) Combo(_ context.Context, alias string) (Combo, error) {
	if combo, ok := s.combos[alias]; ok {
		return combo, nil
	}

	provider, model, ok := strings.Cut(alias, "/")
	if ok && provider != "" && model != "" {
		combo := Combo{Name: alias}
		for _, a := range s.accounts {
			if a.Provider == provider {
				combo.Entries = append(combo.Entries, Entry{Account: a, Model: model})
			}
		}
		if len(combo.Entries) > 0 {
			return combo, nil
		}
	}
	return Combo{}, fmt.Errorf("%w: %s", ErrUnknownCombo, alias)
}

// Aliases lists the named combos in sorted order.
func (s *MemoryStore) Aliases(context.Context) ([]string, error) {
	names := make([]string, 0, len(s.combos))
	for name := range s.combos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// SaveCredentials is a no-op: the account already holds the new values.
func (s *MemoryStore) SaveCredentials(context.Context, *Account) error { return nil }

// SaveCooldown is a no-op for the same reason.
func (s *MemoryStore) SaveCooldown(context.Context, *Account) error { return nil }
