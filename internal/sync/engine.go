package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	gosync "sync"
	"time"

	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/report"
	"github.com/kirana-ledger/ledger/internal/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("sync engine closed")

	// ErrNoRemote is returned by Sync when no remote store is configured.
	ErrNoRemote = errors.New("no remote store configured")

	// ErrUploadInProgress is returned by Sync while another upload runs.
	ErrUploadInProgress = errors.New("upload already in progress")
)

// State is the engine's store mode.
type State int

const (
	StateInitializing State = iota
	StateRemoteLive
	StateLocalOnly
	StateUploading
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRemoteLive:
		return "remote-live"
	case StateLocalOnly:
		return "local-only"
	case StateUploading:
		return "uploading"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Identity supplies and upgrades the session principal.
type Identity interface {
	Init(ctx context.Context) (types.Principal, error)
	Upgrade(ctx context.Context) (types.Principal, error)
}

// Resolver maps the principal to the active ledger and stores the override.
type Resolver interface {
	Resolve(p types.Principal) string
	Link(id string) error
	Unlink() error
}

// Config holds engine options.
type Config struct {
	// Logger receives engine logs. Defaults to stderr with a "[sync] " prefix.
	Logger *log.Logger

	// StartOffline makes Start assume no connectivity until SetOnline(true).
	StartOffline bool

	// UploadOnStart treats Start as an Offline→Online edge: queued entries
	// left by an earlier process are uploaded once the session is live.
	UploadOnStart bool

	// Now is the clock for local ids and timestamps.
	Now func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{Now: time.Now}
}

// Engine is the sync engine for one device session.
type Engine struct {
	store    *local.DB
	remote   remote.Adapter
	identity Identity
	resolver Resolver
	cfg      Config
	logger   *log.Logger

	mu               gosync.Mutex
	principal        types.Principal
	ledgerID         string
	state            State
	online           bool
	uploading        bool
	lastUploadFailed bool
	remoteFailed     bool
	closed           bool

	// subscribing is set while Subscribe runs for generation subscribingGen.
	subscribing    bool
	subscribingGen uint64

	remoteTxs []types.Transaction
	localTxs  []types.Transaction
	overlay   map[string]struct{}

	gen         uint64
	unsubscribe func()

	listeners  map[int]func()
	listenerID int
}

// New creates an engine. adapter may be nil when no remote store is
// configured; the session then stays LocalOnly.
//
// Example:
//
//	engine := sync.New(store, nil, identity.NewClient(nil, nil), ledger.NewResolver(store), sync.DefaultConfig())
func New(store *local.DB, adapter remote.Adapter, id Identity, resolver Resolver, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:     store,
		remote:    adapter,
		identity:  id,
		resolver:  resolver,
		cfg:       cfg,
		logger:    cfg.Logger,
		state:     StateInitializing,
		online:    !cfg.StartOffline,
		overlay:   make(map[string]struct{}),
		listeners: make(map[int]func()),
	}
}

// Start signs in, resolves the active ledger and mounts it.
func (e *Engine) Start(ctx context.Context) error {
	p, err := e.identity.Init(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize identity: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.principal = p
	e.ledgerID = e.resolver.Resolve(p)
	e.gen++
	ledgerID := e.ledgerID
	e.mu.Unlock()

	if ledgerID == "" {
		return types.ErrNoLedger
	}
	e.logger.Printf("Session started: principal=%s ephemeral=%v ledger=%s", p.ID, p.Ephemeral, ledgerID)

	e.mount(ctx)

	if e.cfg.UploadOnStart && e.isOnline() && !p.Ephemeral && e.remote != nil {
		if _, err := e.upload(ctx); err != nil {
			e.logger.Printf("WARNING: startup upload failed: %v", err)
		}
	}
	return nil
}

// Transactions returns the unified view: remote snapshot and local queue,
// minus the overlay, sorted date descending then timestamp descending.
func (e *Engine) Transactions() []types.Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := make([]types.Transaction, 0, len(e.remoteTxs)+len(e.localTxs))
	seen := make(map[string]struct{}, cap(view))
	for _, set := range [][]types.Transaction{e.remoteTxs, e.localTxs} {
		for _, tx := range set {
			if _, deleted := e.overlay[tx.ID]; deleted {
				continue
			}
			if _, dup := seen[tx.ID]; dup {
				continue
			}
			seen[tx.ID] = struct{}{}
			view = append(view, tx)
		}
	}
	types.Sort(view)
	return view
}

// Totals aggregates the unified view.
func (e *Engine) Totals() report.Summary {
	return report.Totals(e.Transactions())
}

// Pending returns the number of queued local-origin transactions.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.localTxs)
}

// Status derives the sync status from connectivity and upload activity.
func (e *Engine) Status() types.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case !e.online:
		return types.StatusLocal
	case e.uploading:
		return types.StatusSyncing
	case e.lastUploadFailed:
		return types.StatusLocal
	case e.state == StateLocalOnly:
		return types.StatusLocal
	case e.state == StateInitializing:
		return types.StatusSyncing
	default:
		return types.StatusSynced
	}
}

// State returns the current store mode.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.uploading {
		return StateUploading
	}
	return e.state
}

// LedgerID returns the active ledger id.
func (e *Engine) LedgerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledgerID
}

// Principal returns the session principal.
func (e *Engine) Principal() types.Principal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.principal
}

// Online reports the last connectivity edge seen.
func (e *Engine) Online() bool {
	return e.isOnline()
}

// OnChange registers fn to be called after every change to the view or
// status. fn runs on the goroutine that caused the change, with no engine
// lock held, and must not block. The returned func removes the listener.
func (e *Engine) OnChange(fn func()) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.listenerID
	e.listenerID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Settle blocks until the engine leaves Initializing and Uploading, or ctx
// is done, and returns the state it settled in.
func (e *Engine) Settle(ctx context.Context) State {
	changed := make(chan struct{}, 1)
	remove := e.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	for {
		e.mu.Lock()
		st, closed := e.state, e.closed
		if e.uploading {
			st = StateUploading
		}
		e.mu.Unlock()

		if closed || (st != StateInitializing && st != StateUploading) {
			return st
		}
		select {
		case <-ctx.Done():
			return st
		case <-changed:
		}
	}
}

// AddTransaction validates in and records it: straight into the remote
// collection while live, otherwise into the local queue.
func (e *Engine) AddTransaction(ctx context.Context, in types.TransactionInput) (types.Transaction, error) {
	if err := in.Validate(); err != nil {
		return types.Transaction{}, err
	}
	in.Description = strings.TrimSpace(in.Description)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.Transaction{}, ErrClosed
	}
	if e.ledgerID == "" {
		e.mu.Unlock()
		return types.Transaction{}, types.ErrNoLedger
	}

	if !e.remoteWritableLocked() {
		now := e.cfg.Now()
		tx := types.Transaction{
			ID:          types.NewLocalID(now),
			Origin:      types.OriginLocal,
			Date:        in.Date,
			Description: in.Description,
			Income:      in.Income,
			Expense:     in.Expense,
			Timestamp:   now,
		}
		e.localTxs = append(e.localTxs, tx)
		types.Sort(e.localTxs)
		e.queueLocked().Save(e.localTxs)
		e.mu.Unlock()

		e.notify()
		return tx, nil
	}

	ledgerID := e.ledgerID
	e.mu.Unlock()

	id, err := e.remote.Append(ctx, ledgerID, in)
	if err != nil {
		return types.Transaction{}, fmt.Errorf("failed to add transaction: %w", remote.Unavailable(err))
	}
	return types.Transaction{
		ID:          id,
		Origin:      types.OriginRemote,
		Date:        in.Date,
		Description: in.Description,
		Income:      in.Income,
		Expense:     in.Expense,
		Timestamp:   e.cfg.Now(),
	}, nil
}

// DeleteTransaction hides id from the view immediately, then removes it from
// whichever store holds it. A failed remote delete is logged and returned
// but the id stays hidden for the rest of the session.
func (e *Engine) DeleteTransaction(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: transaction id cannot be empty", types.ErrValidation)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.ledgerID == "" {
		e.mu.Unlock()
		return types.ErrNoLedger
	}

	e.overlay[id] = struct{}{}

	if e.originLocked(id) == types.OriginLocal || !e.remoteCapableLocked() {
		kept := e.localTxs[:0:0]
		for _, tx := range e.localTxs {
			if tx.ID != id {
				kept = append(kept, tx)
			}
		}
		e.localTxs = kept
		e.queueLocked().Save(e.localTxs)
		e.mu.Unlock()

		e.notify()
		return nil
	}

	ledgerID := e.ledgerID
	e.mu.Unlock()
	e.notify()

	if err := e.remote.RemoveByID(ctx, ledgerID, id); err != nil {
		e.logger.Printf("WARNING: failed to delete %s from remote store: %v", id, err)
		return fmt.Errorf("failed to delete transaction %s: %w", id, remote.Unavailable(err))
	}
	return nil
}

// SetOnline feeds a connectivity edge to the engine. Repeated values are
// ignored. The Offline→Online edge upgrades an offline principal, uploads
// the queue and re-establishes the live subscription; its error is logged
// and returned.
func (e *Engine) SetOnline(ctx context.Context, online bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.online == online {
		e.mu.Unlock()
		return nil
	}
	e.online = online
	e.mu.Unlock()
	e.notify()

	if !online {
		e.logger.Printf("Offline: new transactions will be queued locally")
		return nil
	}

	e.logger.Printf("Online: syncing queued transactions")
	if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrNoRemote) {
		e.logger.Printf("WARNING: sync after reconnect failed: %v", err)
		return err
	}
	return nil
}

// Sync upgrades an offline principal if needed, uploads every queued entry
// and makes sure the live subscription is established. It returns the
// number of records uploaded.
func (e *Engine) Sync(ctx context.Context) (int, error) {
	if e.remote == nil {
		return 0, ErrNoRemote
	}
	if err := e.upgrade(ctx); err != nil {
		e.mu.Lock()
		e.lastUploadFailed = true
		e.mu.Unlock()
		e.notify()
		return 0, err
	}

	n, err := e.upload(ctx)
	e.subscribe(ctx)
	return n, err
}

// Relink stores id as the linked-ledger override and hard-resets the engine.
func (e *Engine) Relink(ctx context.Context, id string) error {
	if err := e.resolver.Link(id); err != nil {
		return err
	}
	return e.Reset(ctx)
}

// Unlink removes the linked-ledger override and hard-resets the engine.
func (e *Engine) Unlink(ctx context.Context) error {
	if err := e.resolver.Unlink(); err != nil {
		return err
	}
	return e.Reset(ctx)
}

// Reset tears down the live subscription, clears all in-memory state
// (snapshot, queue copy, overlay), re-resolves the active ledger and mounts
// it again.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	unsubscribe := e.teardownLocked()
	e.overlay = make(map[string]struct{})
	e.remoteFailed = false
	e.lastUploadFailed = false
	old := e.ledgerID
	e.ledgerID = e.resolver.Resolve(e.principal)
	ledgerID := e.ledgerID
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.notify()

	if ledgerID == "" {
		return types.ErrNoLedger
	}
	if old != ledgerID {
		e.logger.Printf("Active ledger changed: %s -> %s", old, ledgerID)
	}

	e.mount(ctx)
	return nil
}

// Close unsubscribes and stops delivering changes. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubscribe := e.teardownLocked()
	listeners := e.listeners
	e.listeners = make(map[int]func())
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	// Last notification, so waiters observe the close.
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// mount loads the queue of the active ledger and subscribes when possible.
func (e *Engine) mount(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.adoptEphemeralQueuesLocked()
	e.localTxs = e.queueLocked().Load()
	types.Sort(e.localTxs)
	e.remoteTxs = nil
	e.state = StateLocalOnly
	e.mu.Unlock()

	e.notify()
	e.subscribe(ctx)
}

// subscribe registers the live view if the session can have one and does
// not have one yet. A call left behind by a reset drops its subscription
// and retries for the current generation.
func (e *Engine) subscribe(ctx context.Context) {
	e.mu.Lock()
	if e.remote == nil || e.closed || e.principal.Ephemeral || !e.online ||
		e.remoteFailed || e.unsubscribe != nil || (e.subscribing && e.subscribingGen == e.gen) {
		e.mu.Unlock()
		return
	}
	gen := e.gen
	ledgerID := e.ledgerID
	e.subscribing = true
	e.subscribingGen = gen
	e.state = StateInitializing
	e.mu.Unlock()
	e.notify()

	unsubscribe := e.remote.Subscribe(ctx, ledgerID,
		func(txs []types.Transaction) { e.onSnapshot(gen, txs) },
		func(err error) { e.onSubscriptionError(gen, err) },
	)

	e.mu.Lock()
	if e.subscribingGen == gen {
		e.subscribing = false
	}
	if gen != e.gen || e.closed {
		closed := e.closed
		e.mu.Unlock()
		unsubscribe()
		if !closed {
			e.subscribe(ctx)
		}
		return
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
}

func (e *Engine) onSnapshot(gen uint64, txs []types.Transaction) {
	e.mu.Lock()
	if gen != e.gen || e.closed || e.remoteFailed {
		e.mu.Unlock()
		return
	}
	snapshot := make([]types.Transaction, len(txs))
	for i, tx := range txs {
		tx.Origin = types.OriginRemote
		snapshot[i] = tx
	}
	e.remoteTxs = snapshot
	if e.state == StateInitializing {
		e.state = StateRemoteLive
	}
	e.mu.Unlock()

	e.notify()
}

func (e *Engine) onSubscriptionError(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}
	e.logger.Printf("WARNING: live subscription for %s failed, continuing local-only: %v", e.ledgerID, err)
	e.remoteFailed = true
	e.remoteTxs = nil
	e.localTxs = e.queueLocked().Load()
	types.Sort(e.localTxs)
	e.state = StateLocalOnly
	e.mu.Unlock()

	e.notify()
}

// upgrade retries sign-in for an offline principal and remounts under the
// new principal's ledger.
func (e *Engine) upgrade(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	p := e.principal
	e.mu.Unlock()

	if !p.Ephemeral {
		return nil
	}
	if p.ID != types.OfflineUserID {
		return fmt.Errorf("%w: no identity provider configured", types.ErrAuthDegraded)
	}

	np, err := e.identity.Upgrade(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.principal = np
	unsubscribe := e.teardownLocked()
	e.remoteFailed = false
	e.ledgerID = e.resolver.Resolve(np)
	ledgerID := e.ledgerID
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.logger.Printf("Signed in as %s, ledger %s", np.ID, ledgerID)

	e.mount(ctx)
	return nil
}

// upload replays the local-origin entries of the queue into the remote
// store. The queue is cleared only when every record in the batch was
// appended. Records deleted while the upload was in flight are removed from
// the remote store again.
func (e *Engine) upload(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if e.uploading {
		e.mu.Unlock()
		return 0, ErrUploadInProgress
	}
	if !e.online {
		e.mu.Unlock()
		return 0, remote.Unavailable(errors.New("offline"))
	}
	if e.principal.Ephemeral {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: principal %s cannot write to the remote store", types.ErrAuthDegraded, e.principal.ID)
	}
	var batch []types.Transaction
	for _, tx := range e.localTxs {
		if tx.IsLocal() {
			batch = append(batch, tx)
		}
	}
	if len(batch) == 0 {
		e.lastUploadFailed = false
		e.mu.Unlock()
		e.notify()
		return 0, nil
	}
	ledgerID := e.ledgerID
	gen := e.gen
	e.uploading = true
	e.mu.Unlock()
	e.notify()

	e.logger.Printf("Uploading %d queued transactions to %s", len(batch), ledgerID)

	inputs := make([]types.TransactionInput, len(batch))
	for i, tx := range batch {
		inputs[i] = tx.Input()
	}
	assigned, err := e.remote.BulkAppend(ctx, ledgerID, inputs)
	n := remote.Appended(assigned)

	complete := err == nil && n == len(batch)
	if err == nil && !complete {
		err = remote.Unavailable(fmt.Errorf("only %d of %d records uploaded", n, len(batch)))
	}

	e.mu.Lock()
	var retract []string
	if gen == e.gen {
		for i, tx := range batch {
			if i >= len(assigned) || assigned[i] == "" {
				continue
			}
			if _, deleted := e.overlay[tx.ID]; deleted {
				e.overlay[assigned[i]] = struct{}{}
				retract = append(retract, assigned[i])
			}
		}
	}
	e.uploading = false
	e.lastUploadFailed = !complete
	if complete {
		e.dequeueLocked(ledgerID, batch)
	}
	e.mu.Unlock()
	e.notify()

	for _, id := range retract {
		if rerr := e.remote.RemoveByID(ctx, ledgerID, id); rerr != nil {
			e.logger.Printf("WARNING: failed to delete %s uploaded after it was deleted locally: %v", id, rerr)
		}
	}

	if !complete {
		e.logger.Printf("WARNING: upload incomplete (%d/%d), queue kept: %v", n, len(batch), err)
		return n, err
	}
	e.logger.Printf("Uploaded %d transactions", n)
	return n, nil
}

// dequeueLocked removes an uploaded batch from the persisted queue of
// ledgerID. Entries queued while the upload was in flight are kept.
func (e *Engine) dequeueLocked(ledgerID string, batch []types.Transaction) {
	uploaded := make(map[string]struct{}, len(batch))
	for _, tx := range batch {
		uploaded[tx.ID] = struct{}{}
	}

	q := e.store.Queue(ledgerID)
	current := q.Load()
	if ledgerID == e.ledgerID {
		current = e.localTxs
	}

	remaining := current[:0:0]
	for _, tx := range current {
		if _, ok := uploaded[tx.ID]; !ok {
			remaining = append(remaining, tx)
		}
	}

	if len(remaining) == 0 {
		q.Clear()
	} else {
		q.Save(remaining)
	}
	if ledgerID == e.ledgerID {
		e.localTxs = remaining
	}
}

// adoptEphemeralQueuesLocked moves entries queued under an ephemeral
// principal's ledger into the active ledger's queue once a real principal
// is signed in.
func (e *Engine) adoptEphemeralQueuesLocked() {
	if e.principal.Ephemeral {
		return
	}

	target := e.queueLocked()
	merged, err := target.TryLoad()
	if err != nil {
		e.logger.Printf("WARNING: not adopting offline queues: %v", err)
		return
	}

	var sources []*local.Queue
	for _, id := range []string{types.LocalUserID, types.OfflineUserID} {
		if id == e.ledgerID {
			continue
		}
		q := e.store.Queue(id)
		txs := q.Load()
		if len(txs) == 0 {
			continue
		}
		merged = append(merged, txs...)
		sources = append(sources, q)
	}
	if len(sources) == 0 {
		return
	}

	if err := target.TrySave(merged); err != nil {
		e.logger.Printf("WARNING: not adopting offline queues: %v", err)
		return
	}
	for _, q := range sources {
		q.Clear()
	}
	e.logger.Printf("Adopted queued transactions from %d offline session(s) into %s", len(sources), e.ledgerID)
}

// teardownLocked invalidates the current subscription and snapshot. The
// returned unsubscribe func must be called after releasing mu.
func (e *Engine) teardownLocked() func() {
	e.gen++
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.remoteTxs = nil
	e.localTxs = nil
	e.state = StateInitializing
	return unsubscribe
}

func (e *Engine) queueLocked() *local.Queue {
	return e.store.Queue(e.ledgerID)
}

func (e *Engine) remoteCapableLocked() bool {
	return e.remote != nil && !e.principal.Ephemeral
}

func (e *Engine) remoteWritableLocked() bool {
	return e.remoteCapableLocked() && e.online && e.state != StateLocalOnly && !e.remoteFailed
}

// originLocked finds which store holds id. Unknown ids are classified by
// their prefix.
func (e *Engine) originLocked(id string) types.Origin {
	for _, tx := range e.localTxs {
		if tx.ID == id {
			return types.OriginLocal
		}
	}
	for _, tx := range e.remoteTxs {
		if tx.ID == id {
			return types.OriginRemote
		}
	}
	probe := types.Transaction{ID: id}
	probe.Normalize()
	return probe.Origin
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) notify() {
	e.mu.Lock()
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
