package types

// Well-known ids for principals that never reach the remote store.
const (
	// LocalUserID is used when no remote backend is configured at all.
	LocalUserID = "local-user"
	// OfflineUserID is used when a configured remote rejected sign-in.
	OfflineUserID = "offline-user"
)

// Principal is the opaque identity the engine works with.
type Principal struct {
	ID string `json:"id"`
	// Ephemeral principals only ever write to the local queue.
	Ephemeral bool `json:"ephemeral"`
}

// LocalPrincipal returns the principal used without any remote configuration.
func LocalPrincipal() Principal {
	return Principal{ID: LocalUserID, Ephemeral: true}
}

// OfflinePrincipal returns the principal used after a failed sign-in.
func OfflinePrincipal() Principal {
	return Principal{ID: OfflineUserID, Ephemeral: true}
}

// IsZero reports whether no principal has been established yet.
func (p Principal) IsZero() bool {
	return p.ID == ""
}

// SyncStatus is derived from connectivity and upload activity.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusSyncing SyncStatus = "syncing"
	StatusLocal   SyncStatus = "local"
)
