// Package sync provides the local-first synchronization engine for a ledger.
//
// Overview
//
// The Engine owns the in-memory view of the active ledger. It merges the
// live remote snapshot with the device-resident queue of transactions that
// have not reached the remote store yet, filters both through the session's
// deleted-id overlay and exposes the result sorted by date (most recent
// first).
//
// Architecture
//
//	                    AddTransaction / DeleteTransaction
//	                                 ↓
//	  identity.Client ──→ Engine ←── ledger.Resolver (active ledger id)
//	                      ↙    ↘
//	         local.Queue         remote.Adapter
//	   (pending, local_ ids)     (live snapshot, server ids)
//	                      ↘    ↙
//	              Transactions() = (remote ∪ queue) − overlay
//
// States
//
//	Initializing ──snapshot──→ RemoteLive ──online edge──→ Uploading ──→ RemoteLive
//	     │                         │
//	     └──ephemeral / offline────┴──subscription error──→ LocalOnly
//
// A subscription error degrades the session to LocalOnly; it is not retried
// until the principal or the active ledger changes.
//
// Usage
//
//	store, err := local.Open(filepath.Join(dataDir, "ledger.db"), nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	engine := sync.New(store, adapter, identity.NewClient(provider, nil),
//	    ledger.NewResolver(store), sync.DefaultConfig())
//	if err := engine.Start(ctx); err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	tx, err := engine.AddTransaction(ctx, types.TransactionInput{...})
//
//	// Connectivity edges come from the daemon's probe loop
//	engine.SetOnline(ctx, false)
//	engine.SetOnline(ctx, true) // uploads the queue
//
// Error Handling
//
// Local Store failures are logged and never returned. Remote failures on
// writes are returned to the caller wrapped in types.ErrRemoteUnavailable;
// remote failures on the live subscription only change the engine's state.
//
// Thread Safety
//
// The Engine is safe for concurrent use. Its mutex is never held across an
// adapter call, and snapshot callbacks from a torn-down subscription are
// discarded by generation number.
package sync
