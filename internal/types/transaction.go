// Package types defines the core data structures shared by the ledger packages.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used for Transaction.Date.
const DateLayout = "2006-01-02"

// LocalIDPrefix marks ids minted on the device before the record reaches the
// remote store. Dispatch uses Origin; the prefix only keeps ids readable and
// lets records written by older clients be classified on load.
const LocalIDPrefix = "local_"

// Origin tells which store owns a transaction.
type Origin int

const (
	// OriginUnknown is the zero value; it never survives Normalize.
	OriginUnknown Origin = iota
	// OriginLocal is a record queued on the device, not yet uploaded.
	OriginLocal
	// OriginRemote is a record created in the shared remote collection.
	OriginRemote
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the origin as its name.
func (o Origin) MarshalJSON() ([]byte, error) {
	if o == OriginUnknown {
		return []byte(`""`), nil
	}
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes "local" / "remote"; anything else becomes OriginUnknown.
func (o *Origin) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	switch s {
	case "local":
		*o = OriginLocal
	case "remote":
		*o = OriginRemote
	default:
		*o = OriginUnknown
	}
	return nil
}

// Transaction is one ledger entry. Records are immutable once created.
type Transaction struct {
	ID          string          `json:"id"`
	Origin      Origin          `json:"origin"`
	Date        string          `json:"date"` // YYYY-MM-DD
	Description string          `json:"description"`
	Income      decimal.Decimal `json:"income"`
	Expense     decimal.Decimal `json:"expense"`

	// Timestamp is the creation instant. It only breaks ties between records
	// sharing a Date; local and server clocks agree on coarse ordering only.
	Timestamp time.Time `json:"timestamp"`
}

// Input returns the user-supplied fields of the transaction.
func (t Transaction) Input() TransactionInput {
	return TransactionInput{
		Date:        t.Date,
		Description: t.Description,
		Income:      t.Income,
		Expense:     t.Expense,
	}
}

// IsLocal reports whether the record is still queued on the device.
func (t Transaction) IsLocal() bool {
	return t.Origin == OriginLocal
}

// Normalize fills in the origin of records persisted without one,
// classifying them by id prefix.
func (t *Transaction) Normalize() {
	if t.Origin != OriginUnknown {
		return
	}
	if strings.HasPrefix(t.ID, LocalIDPrefix) {
		t.Origin = OriginLocal
	} else {
		t.Origin = OriginRemote
	}
}

// TransactionInput holds the fields a caller supplies to create a transaction.
type TransactionInput struct {
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Income      decimal.Decimal `json:"income"`
	Expense     decimal.Decimal `json:"expense"`
}

// Validate checks the input before it reaches any store.
func (in TransactionInput) Validate() error {
	if _, err := time.Parse(DateLayout, in.Date); err != nil {
		return fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrValidation, in.Date)
	}
	if in.Income.IsNegative() {
		return fmt.Errorf("%w: income must not be negative (got %s)", ErrValidation, in.Income)
	}
	if in.Expense.IsNegative() {
		return fmt.Errorf("%w: expense must not be negative (got %s)", ErrValidation, in.Expense)
	}
	if in.Income.IsZero() && in.Expense.IsZero() {
		return fmt.Errorf("%w: income or expense must be nonzero", ErrValidation)
	}
	return nil
}

// NewLocalID mints a provisional id for a record created on the device.
func NewLocalID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d_%s", LocalIDPrefix, now.UnixMilli(), suffix)
}

// Less reports whether a sorts before b: date descending, then timestamp
// descending. The id is a final tie-breaker so the order is total.
func Less(a, b Transaction) bool {
	if a.Date != b.Date {
		return a.Date > b.Date
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// Sort orders txs in place, most recent first.
func Sort(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return Less(txs[i], txs[j])
	})
}
