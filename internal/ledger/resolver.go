// Package ledger decides which logical ledger a device session is viewing.
package ledger

import (
	"fmt"
	"strings"

	"github.com/kirana-ledger/ledger/internal/types"
)

// LinkStore persists the linked-ledger override.
type LinkStore interface {
	LinkedLedgerID() (string, bool)
	SetLinkedLedgerID(id string) error
	ClearLinkedLedgerID() error
}

// Resolver maps a principal to the active ledger id.
type Resolver struct {
	store LinkStore
}

// NewResolver creates a resolver backed by store.
func NewResolver(store LinkStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the linked ledger override if present, else the
// principal's own id.
func (r *Resolver) Resolve(p types.Principal) string {
	if id, ok := r.store.LinkedLedgerID(); ok {
		return id
	}
	return p.ID
}

// Linked returns the override, if any.
func (r *Resolver) Linked() (string, bool) {
	return r.store.LinkedLedgerID()
}

// Link stores id as the override. Callers must hard-reset the sync engine
// afterwards.
func (r *Resolver) Link(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("ledger id cannot be empty")
	}
	if err := r.store.SetLinkedLedgerID(id); err != nil {
		return fmt.Errorf("failed to link ledger: %w", err)
	}
	return nil
}

// Unlink removes the override so the principal's own ledger is used again.
func (r *Resolver) Unlink() error {
	if err := r.store.ClearLinkedLedgerID(); err != nil {
		return fmt.Errorf("failed to unlink ledger: %w", err)
	}
	return nil
}
