package local

import (
	"encoding/json"
	"fmt"

	"github.com/kirana-ledger/ledger/internal/types"
)

// Queue is the pending transaction log of one ledger.
//
// Load and Save fail soft: errors are logged and never returned, so callers
// never block on persistence. Use the Try variants when the error matters.
type Queue struct {
	db       *DB
	ledgerID string
}

// Queue returns the pending queue addressed by ledgerID.
func (db *DB) Queue(ledgerID string) *Queue {
	return &Queue{db: db, ledgerID: ledgerID}
}

// LedgerID returns the ledger this queue is addressed by.
func (q *Queue) LedgerID() string {
	return q.ledgerID
}

func (q *Queue) key() string {
	return queueKeyPrefix + q.ledgerID
}

// Load returns the queued transactions, or an empty slice on any error.
func (q *Queue) Load() []types.Transaction {
	txs, err := q.TryLoad()
	if err != nil {
		q.db.logger.Printf("WARNING: %v", err)
		return []types.Transaction{}
	}
	return txs
}

// TryLoad returns the queued transactions in stored order.
func (q *Queue) TryLoad() ([]types.Transaction, error) {
	value, ok, err := q.db.Get(q.key())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	if !ok || value == "" {
		return []types.Transaction{}, nil
	}

	var txs []types.Transaction
	if err := json.Unmarshal([]byte(value), &txs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse queue %s: %v", types.ErrPersistence, q.ledgerID, err)
	}
	for i := range txs {
		txs[i].Normalize()
	}
	return txs, nil
}

// Save replaces the whole queue. Errors are logged and dropped.
func (q *Queue) Save(txs []types.Transaction) {
	if err := q.TrySave(txs); err != nil {
		q.db.logger.Printf("WARNING: %v", err)
	}
}

// TrySave replaces the whole queue in a single write.
func (q *Queue) TrySave(txs []types.Transaction) error {
	if txs == nil {
		txs = []types.Transaction{}
	}
	data, err := json.Marshal(txs)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal queue %s: %v", types.ErrPersistence, q.ledgerID, err)
	}
	if err := q.db.Set(q.key(), string(data)); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return nil
}

// Clear empties the queue. Errors are logged and dropped.
func (q *Queue) Clear() {
	if err := q.db.Delete(q.key()); err != nil {
		q.db.logger.Printf("WARNING: %v: %v", types.ErrPersistence, err)
	}
}
