package local

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PIN constraints.
const (
	MinPINLength = 4
	MaxPINLength = 6
)

// ErrWrongPIN is returned when a PIN does not match the stored hash.
var ErrWrongPIN = errors.New("incorrect PIN")

// LinkedLedgerID returns the linked-ledger override, if any.
// Read errors are logged and treated as "no override".
func (db *DB) LinkedLedgerID() (string, bool) {
	value, ok, err := db.Get(linkedLedgerKey)
	if err != nil {
		db.logger.Printf("WARNING: %v", err)
		return "", false
	}
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// SetLinkedLedgerID stores the linked-ledger override.
func (db *DB) SetLinkedLedgerID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("linked ledger id cannot be empty")
	}
	return db.Set(linkedLedgerKey, id)
}

// ClearLinkedLedgerID removes the override so the principal's own ledger is used.
func (db *DB) ClearLinkedLedgerID() error {
	return db.Delete(linkedLedgerKey)
}

// DisplayName returns the stored display name, or "" when unset.
func (db *DB) DisplayName() string {
	value, _, err := db.Get(userNameKey)
	if err != nil {
		db.logger.Printf("WARNING: %v", err)
		return ""
	}
	return value
}

// SetDisplayName stores the display name.
func (db *DB) SetDisplayName(name string) error {
	return db.Set(userNameKey, strings.TrimSpace(name))
}

// HasPIN reports whether a device PIN has been set.
func (db *DB) HasPIN() bool {
	_, ok, err := db.Get(pinKey)
	return err == nil && ok
}

// SetPIN validates and stores a new PIN as a bcrypt hash.
func (db *DB) SetPIN(pin string) error {
	if err := ValidatePIN(pin); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash PIN: %w", err)
	}
	return db.Set(pinKey, string(hash))
}

// VerifyPIN checks pin against the stored hash. With no PIN set every
// attempt fails.
func (db *DB) VerifyPIN(pin string) error {
	hash, ok, err := db.Get(pinKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no PIN set")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrWrongPIN
	}
	return nil
}

// ChangePIN replaces the PIN after checking the current one. When no PIN is
// set yet, old is ignored.
func (db *DB) ChangePIN(old, newPIN string) error {
	if db.HasPIN() {
		if err := db.VerifyPIN(old); err != nil {
			return err
		}
	}
	return db.SetPIN(newPIN)
}

// ValidatePIN checks length and that the PIN is numeric.
func ValidatePIN(pin string) error {
	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		return fmt.Errorf("PIN must be %d-%d digits", MinPINLength, MaxPINLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}
	return nil
}
