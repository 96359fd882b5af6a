package types

import "errors"

var (
	// ErrValidation marks a transaction input rejected before reaching a store.
	ErrValidation = errors.New("invalid transaction")

	// ErrPersistence marks a Local Store read or write failure. These are
	// recovered locally and only ever logged.
	ErrPersistence = errors.New("local persistence failed")

	// ErrRemoteUnavailable marks a Remote Store failure: network, permission
	// or a closed subscription.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrAuthDegraded marks a failed sign-in; the session continues with an
	// ephemeral offline principal.
	ErrAuthDegraded = errors.New("sign-in failed, using offline principal")

	// ErrNoLedger is returned by mutations issued before a ledger is resolved.
	ErrNoLedger = errors.New("no active ledger")
)
