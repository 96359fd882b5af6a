// Package memory provides an in-process Remote Store Adapter.
//
// Collections live in a map and every change fans the complete snapshot out
// to each live subscriber, synchronously and in order. A callback may write
// to the store; the resulting snapshot is delivered after it returns. Fault
// injection hooks make it the test double for the sync engine.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/types"
)

// ErrUnavailable is returned while the store is marked unavailable.
var ErrUnavailable = errors.New("memory store unavailable")

type subscriber struct {
	id         int
	collection string
	onSnapshot remote.SnapshotFunc
	onError    remote.ErrorFunc
	closed     bool

	// pending snapshots in publish order; one goroutine drains at a time.
	pending    [][]types.Transaction
	delivering bool
}

// Store is an in-memory multi-writer collection store.
type Store struct {
	appID string
	now   func() time.Time

	mu          sync.Mutex
	collections map[string][]types.Transaction
	subs        map[int]*subscriber
	nextSubID   int
	unavailable bool
	reject      func(types.TransactionInput) error
}

var _ remote.Adapter = (*Store)(nil)

// New creates an empty store namespaced by appID.
func New(appID string) *Store {
	return &Store{
		appID:       appID,
		now:         time.Now,
		collections: make(map[string][]types.Transaction),
		subs:        make(map[int]*subscriber),
	}
}

// SetClock overrides the server timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetUnavailable makes every write fail (and new subscriptions error) while true.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// SetReject installs a per-record rejection hook used by Append and BulkAppend.
func (s *Store) SetReject(reject func(types.TransactionInput) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = reject
}

// FailSubscriptions ends every live subscription with err.
func (s *Store) FailSubscriptions(err error) {
	s.mu.Lock()
	var failed []*subscriber
	for id, sub := range s.subs {
		sub.closed = true
		failed = append(failed, sub)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	for _, sub := range failed {
		sub.onError(remote.Unavailable(err))
	}
}

// SubscriberCount returns the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Docs returns a copy of the ledger's collection in insertion order.
func (s *Store) Docs(ledgerID string) []types.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Transaction(nil), s.collections[remote.CollectionPath(s.appID, ledgerID)]...)
}

// Seed inserts records as if written by another device.
func (s *Store) Seed(ledgerID string, txs ...types.Transaction) {
	path := remote.CollectionPath(s.appID, ledgerID)
	s.mu.Lock()
	for _, tx := range txs {
		tx.Origin = types.OriginRemote
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if tx.Timestamp.IsZero() {
			tx.Timestamp = s.now()
		}
		s.collections[path] = append(s.collections[path], tx)
	}
	s.mu.Unlock()
	s.publish(path)
}

// Subscribe implements remote.Adapter.
func (s *Store) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	path := remote.CollectionPath(s.appID, ledgerID)

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		onError(remote.Unavailable(ErrUnavailable))
		return func() {}
	}
	s.nextSubID++
	sub := &subscriber{
		id:         s.nextSubID,
		collection: path,
		onSnapshot: onSnapshot,
		onError:    onError,
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	s.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			sub.closed = true
			delete(s.subs, sub.id)
			s.mu.Unlock()
		})
	}
}

// Append implements remote.Adapter.
func (s *Store) Append(ctx context.Context, ledgerID string, in types.TransactionInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", remote.Unavailable(err)
	}
	path := remote.CollectionPath(s.appID, ledgerID)

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return "", remote.Unavailable(ErrUnavailable)
	}
	if s.reject != nil {
		if err := s.reject(in); err != nil {
			s.mu.Unlock()
			return "", remote.Unavailable(err)
		}
	}
	tx := types.Transaction{
		ID:          uuid.NewString(),
		Origin:      types.OriginRemote,
		Date:        in.Date,
		Description: in.Description,
		Income:      in.Income,
		Expense:     in.Expense,
		Timestamp:   s.now(),
	}
	s.collections[path] = append(s.collections[path], tx)
	s.mu.Unlock()

	s.publish(path)
	return tx.ID, nil
}

// RemoveByID implements remote.Adapter.
func (s *Store) RemoveByID(ctx context.Context, ledgerID, id string) error {
	if err := ctx.Err(); err != nil {
		return remote.Unavailable(err)
	}
	path := remote.CollectionPath(s.appID, ledgerID)

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return remote.Unavailable(ErrUnavailable)
	}
	docs := s.collections[path]
	found := false
	for i, tx := range docs {
		if tx.ID == id {
			s.collections[path] = append(docs[:i:i], docs[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.publish(path)
	}
	return nil
}

// BulkAppend implements remote.Adapter.
func (s *Store) BulkAppend(ctx context.Context, ledgerID string, ins []types.TransactionInput) ([]string, error) {
	return remote.BulkAppendEach(ctx, ins, func(ctx context.Context, in types.TransactionInput) (string, error) {
		return s.Append(ctx, ledgerID, in)
	})
}

// publish delivers the current snapshot of path to its subscribers.
func (s *Store) publish(path string) {
	s.mu.Lock()
	var targets []*subscriber
	for _, sub := range s.subs {
		if sub.collection == path {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		s.deliver(sub)
	}
}

// deliver queues the current snapshot for sub and drains the queue unless
// another call is already draining it.
func (s *Store) deliver(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.closed {
		return
	}
	sub.pending = append(sub.pending, append([]types.Transaction(nil), s.collections[sub.collection]...))
	if sub.delivering {
		return
	}

	sub.delivering = true
	for len(sub.pending) > 0 && !sub.closed {
		snapshot := sub.pending[0]
		sub.pending = sub.pending[1:]

		s.mu.Unlock()
		sub.onSnapshot(snapshot)
		s.mu.Lock()
	}
	sub.delivering = false
	sub.pending = nil
}

// String describes the store for logs.
func (s *Store) String() string {
	return fmt.Sprintf("memory(%s)", s.appID)
}
