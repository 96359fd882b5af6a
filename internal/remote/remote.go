// Package remote defines the contract for the shared, multi-writer ledger
// collection and helpers common to every backend.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kirana-ledger/ledger/internal/types"
)

// CollectionName is the leaf collection holding a ledger's transactions.
const CollectionName = "daily_finances"

// DefaultAppID namespaces collections when no application id is configured.
const DefaultAppID = "default-app-id"

// SnapshotFunc receives the complete current result set of a collection.
type SnapshotFunc func(txs []types.Transaction)

// ErrorFunc receives the single fatal error ending a subscription.
type ErrorFunc func(err error)

// Adapter is a live, subscribable document collection keyed by ledger id.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Subscribe establishes a live view of the ledger's collection.
	//
	// onSnapshot is invoked with the full result set (not a diff) immediately
	// and again after every change, in order, until unsubscribe is called.
	// On a fatal connectivity or permission error onError is invoked exactly
	// once and no further snapshots are delivered.
	//
	// The returned unsubscribe func is safe to call more than once.
	Subscribe(ctx context.Context, ledgerID string, onSnapshot SnapshotFunc, onError ErrorFunc) (unsubscribe func())

	// Append creates one record; the store assigns id and timestamp.
	// Any error means the record was not persisted.
	Append(ctx context.Context, ledgerID string, in types.TransactionInput) (string, error)

	// RemoveByID deletes one record. Deleting a missing id is not an error.
	RemoveByID(ctx context.Context, ledgerID, id string) error

	// BulkAppend appends every input independently and returns the assigned
	// ids, aligned with ins; a failed append leaves an empty id. A failure in
	// one append never aborts the others; the returned error joins the
	// individual failures.
	BulkAppend(ctx context.Context, ledgerID string, ins []types.TransactionInput) ([]string, error)
}

// CollectionPath returns the address of a ledger's collection, namespaced by
// application so two deployments never collide.
func CollectionPath(appID, ledgerID string) string {
	if appID == "" {
		appID = DefaultAppID
	}
	return fmt.Sprintf("artifacts/%s/users/%s/%s", appID, ledgerID, CollectionName)
}

// AppendFunc appends a single input.
type AppendFunc func(ctx context.Context, in types.TransactionInput) (string, error)

// BulkAppendEach runs append for every input concurrently and returns the
// assigned ids in input order. Failures are joined into the returned error.
func BulkAppendEach(ctx context.Context, ins []types.TransactionInput, appendOne AppendFunc) ([]string, error) {
	var (
		ids  = make([]string, len(ins))
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i, in := range ins {
		wg.Add(1)
		go func(i int, in types.TransactionInput) {
			defer wg.Done()
			id, err := appendOne(ctx, in)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("record %d (%s %q): %w", i, in.Date, in.Description, err))
				mu.Unlock()
				return
			}
			ids[i] = id
		}(i, in)
	}
	wg.Wait()

	return ids, errors.Join(errs...)
}

// Appended counts the non-empty ids returned by BulkAppend.
func Appended(ids []string) int {
	n := 0
	for _, id := range ids {
		if id != "" {
			n++
		}
	}
	return n
}

// Unavailable wraps err as a RemoteUnavailable failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, types.ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
}
