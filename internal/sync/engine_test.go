package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/identity"
	"github.com/kirana-ledger/ledger/internal/ledger"
	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/remote/memory"
	"github.com/kirana-ledger/ledger/internal/types"
)

// switchProvider signs in as principal, or fails with err when set.
type switchProvider struct {
	mu        gosync.Mutex
	principal types.Principal
	err       error
}

func (p *switchProvider) SignIn(ctx context.Context) (types.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return types.Principal{}, p.err
	}
	return p.principal, nil
}

func (p *switchProvider) set(principal types.Principal, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.principal, p.err = principal, err
}

// clock advances one second per reading.
type clock struct {
	mu gosync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	db     *local.DB
	store  *memory.Store
	auth   *switchProvider
	engine *Engine
}

// setupEngine wires an engine to a temporary local store and an in-memory
// remote. The engine is not started.
func setupEngine(t *testing.T, adapter remote.Adapter, store *memory.Store, cfg Config) *testEnv {
	t.Helper()

	quiet := log.New(io.Discard, "", 0)
	db, err := local.Open(filepath.Join(t.TempDir(), "ledger.db"), quiet)
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	auth := &switchProvider{principal: types.Principal{ID: "uid-1"}}
	var provider identity.Provider = auth
	if adapter == nil {
		provider = nil
	}

	cfg.Logger = quiet
	cfg.Now = newClock().Now

	e := New(db, adapter, identity.NewClient(provider, quiet), ledger.NewResolver(db), cfg)
	t.Cleanup(func() { _ = e.Close() })

	return &testEnv{db: db, store: store, auth: auth, engine: e}
}

// setupOnline returns a started engine signed in as uid-1 with a live
// subscription to the in-memory remote.
func setupOnline(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New("test-app")
	env := setupEngine(t, store, store, DefaultConfig())
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return env
}

func input(date, desc string, income, expense int64) types.TransactionInput {
	return types.TransactionInput{
		Date:        date,
		Description: desc,
		Income:      decimal.NewFromInt(income),
		Expense:     decimal.NewFromInt(expense),
	}
}

func ids(txs []types.Transaction) map[string]bool {
	m := make(map[string]bool, len(txs))
	for _, tx := range txs {
		m[tx.ID] = true
	}
	return m
}

func TestStart_LocalOnlyWithoutRemote(t *testing.T) {
	env := setupEngine(t, nil, nil, DefaultConfig())

	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if got := env.engine.State(); got != StateLocalOnly {
		t.Errorf("State() = %s, want local-only", got)
	}
	if got := env.engine.Status(); got != types.StatusLocal {
		t.Errorf("Status() = %s, want local", got)
	}
	if got := env.engine.LedgerID(); got != types.LocalUserID {
		t.Errorf("LedgerID() = %q, want %q", got, types.LocalUserID)
	}
}

func TestStart_RemoteLive(t *testing.T) {
	env := setupOnline(t)

	if got := env.engine.State(); got != StateRemoteLive {
		t.Errorf("State() = %s, want remote-live", got)
	}
	if got := env.engine.Status(); got != types.StatusSynced {
		t.Errorf("Status() = %s, want synced", got)
	}
	if got := env.store.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
}

func TestAddTransaction_OfflineSortedAndPresentOnce(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	dates := []string{"2024-05-03", "2024-05-01", "2024-05-03", "2024-05-02", "2024-04-30"}
	added := make(map[string]bool)
	for i, d := range dates {
		tx, err := env.engine.AddTransaction(ctx, input(d, "entry", int64(i+1), 0))
		if err != nil {
			t.Fatalf("AddTransaction() failed: %v", err)
		}
		if tx.Origin != types.OriginLocal {
			t.Errorf("offline add has origin %s, want local", tx.Origin)
		}
		added[tx.ID] = true
	}

	view := env.engine.Transactions()
	if len(view) != len(dates) {
		t.Fatalf("view has %d records, want %d", len(view), len(dates))
	}
	seen := make(map[string]int)
	for i, tx := range view {
		seen[tx.ID]++
		if i > 0 && types.Less(tx, view[i-1]) {
			t.Errorf("view not sorted at %d: %s/%s before %s/%s",
				i, view[i-1].Date, view[i-1].Timestamp, tx.Date, tx.Timestamp)
		}
	}
	for id := range added {
		if seen[id] != 1 {
			t.Errorf("record %s appears %d times", id, seen[id])
		}
	}

	if got := len(env.db.Queue("uid-1").Load()); got != len(dates) {
		t.Errorf("persisted queue has %d records, want %d", got, len(dates))
	}
	if got := len(store.Docs("uid-1")); got != 0 {
		t.Errorf("remote received %d records while offline", got)
	}
}

func TestAddTransaction_SameDateTieBreakAndTotals(t *testing.T) {
	env := setupEngine(t, nil, nil, DefaultConfig())
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	milk, err := env.engine.AddTransaction(ctx, input("2024-05-01", "Milk", 150, 0))
	if err != nil {
		t.Fatalf("AddTransaction(Milk) failed: %v", err)
	}
	rent, err := env.engine.AddTransaction(ctx, input("2024-05-01", "Rent", 0, 500))
	if err != nil {
		t.Fatalf("AddTransaction(Rent) failed: %v", err)
	}

	view := env.engine.Transactions()
	if len(view) != 2 {
		t.Fatalf("view has %d records, want 2", len(view))
	}
	if view[0].ID != rent.ID || view[1].ID != milk.ID {
		t.Errorf("view order = [%s, %s], want Rent before Milk", view[0].Description, view[1].Description)
	}

	totals := env.engine.Totals()
	if !totals.Income.Equal(decimal.NewFromInt(150)) || !totals.Expense.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Totals() = %s/%s, want 150/500", totals.Income, totals.Expense)
	}
}

func TestAddTransaction_ValidationRejected(t *testing.T) {
	env := setupEngine(t, nil, nil, DefaultConfig())
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	_, err := env.engine.AddTransaction(ctx, input("2024-05-01", "nothing", 0, 0))
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("AddTransaction() error = %v, want ErrValidation", err)
	}
	if got := len(env.engine.Transactions()); got != 0 {
		t.Errorf("rejected record reached the view")
	}
	if got := len(env.db.Queue(types.LocalUserID).Load()); got != 0 {
		t.Errorf("rejected record reached the queue")
	}
}

func TestAddTransaction_OnlineGoesRemote(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	tx, err := env.engine.AddTransaction(ctx, input("2024-05-01", "Milk", 150, 0))
	if err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if tx.Origin != types.OriginRemote {
		t.Errorf("online add has origin %s, want remote", tx.Origin)
	}
	if got := len(env.store.Docs("uid-1")); got != 1 {
		t.Errorf("remote has %d records, want 1", got)
	}
	if got := len(env.db.Queue("uid-1").Load()); got != 0 {
		t.Errorf("queue has %d records, want 0", got)
	}
	if !ids(env.engine.Transactions())[tx.ID] {
		t.Errorf("remote record %s missing from view", tx.ID)
	}
}

func TestAddTransaction_RemoteErrorPropagates(t *testing.T) {
	env := setupOnline(t)
	env.store.SetUnavailable(true)

	_, err := env.engine.AddTransaction(context.Background(), input("2024-05-01", "Milk", 150, 0))
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Fatalf("AddTransaction() error = %v, want ErrRemoteUnavailable", err)
	}
	if got := len(env.engine.Transactions()); got != 0 {
		t.Errorf("failed add reached the view")
	}
}

func TestOfflineEdge_QueuesLocallyAndKeepsSubscription(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	if err := env.engine.SetOnline(ctx, false); err != nil {
		t.Fatalf("SetOnline(false) failed: %v", err)
	}
	if got := env.engine.Status(); got != types.StatusLocal {
		t.Errorf("Status() = %s, want local", got)
	}
	if got := env.store.SubscriberCount(); got != 1 {
		t.Errorf("subscription dropped on offline edge")
	}

	tx, err := env.engine.AddTransaction(ctx, input("2024-05-01", "Milk", 150, 0))
	if err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if tx.Origin != types.OriginLocal {
		t.Errorf("offline add has origin %s, want local", tx.Origin)
	}
	if got := len(env.store.Docs("uid-1")); got != 0 {
		t.Errorf("remote received a record while offline")
	}
}

// observingAdapter reports the view at the moment a remote delete is issued.
type observingAdapter struct {
	*memory.Store
	onRemove func(id string)
}

func (a *observingAdapter) RemoveByID(ctx context.Context, ledgerID, id string) error {
	a.onRemove(id)
	return a.Store.RemoveByID(ctx, ledgerID, id)
}

func TestDeleteTransaction_HiddenBeforeNetworkCall(t *testing.T) {
	store := memory.New("test-app")
	adapter := &observingAdapter{Store: store}
	env := setupEngine(t, adapter, store, DefaultConfig())
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	store.Seed("uid-1", types.Transaction{ID: "remote-1", Date: "2024-05-01", Income: decimal.NewFromInt(10)})

	called := false
	adapter.onRemove = func(id string) {
		called = true
		if ids(env.engine.Transactions())[id] {
			t.Errorf("record %s still visible when the remote delete was issued", id)
		}
	}

	if err := env.engine.DeleteTransaction(ctx, "remote-1"); err != nil {
		t.Fatalf("DeleteTransaction() failed: %v", err)
	}
	if !called {
		t.Fatal("remote delete was not issued for a remote record")
	}
	if got := len(store.Docs("uid-1")); got != 0 {
		t.Errorf("remote still has %d records", got)
	}
}

func TestDeleteTransaction_LocalRemovedFromQueue(t *testing.T) {
	store := memory.New("test-app")
	adapter := &observingAdapter{Store: store, onRemove: func(string) {}}
	env := setupEngine(t, adapter, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	keep, _ := env.engine.AddTransaction(ctx, input("2024-05-01", "keep", 1, 0))
	drop, _ := env.engine.AddTransaction(ctx, input("2024-05-01", "drop", 2, 0))

	adapter.onRemove = func(id string) {
		t.Errorf("remote delete issued for local record %s", id)
	}
	if err := env.engine.DeleteTransaction(ctx, drop.ID); err != nil {
		t.Fatalf("DeleteTransaction() failed: %v", err)
	}

	view := ids(env.engine.Transactions())
	if view[drop.ID] || !view[keep.ID] {
		t.Errorf("view after delete = %v", view)
	}
	queued := env.db.Queue("uid-1").Load()
	if len(queued) != 1 || queued[0].ID != keep.ID {
		t.Errorf("queue after delete = %+v", queued)
	}
}

func TestDeleteTransaction_StaleSnapshotCannotResurrect(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	env.store.Seed("uid-1", types.Transaction{ID: "remote-1", Date: "2024-05-01", Income: decimal.NewFromInt(10)})

	env.store.SetUnavailable(true)
	err := env.engine.DeleteTransaction(ctx, "remote-1")
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Fatalf("DeleteTransaction() error = %v, want ErrRemoteUnavailable", err)
	}
	env.store.SetUnavailable(false)

	// The record still exists server side and comes back in the next snapshot.
	env.store.Seed("uid-1", types.Transaction{ID: "remote-2", Date: "2024-05-02", Income: decimal.NewFromInt(20)})

	view := ids(env.engine.Transactions())
	if view["remote-1"] {
		t.Error("deleted record reappeared after a later snapshot")
	}
	if !view["remote-2"] {
		t.Error("new record missing from view")
	}
}

func TestOnlineEdge_UploadsQueue(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	const n = 3
	for i := 0; i < n; i++ {
		if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", "queued", int64(i+1), 0)); err != nil {
			t.Fatalf("AddTransaction() failed: %v", err)
		}
	}

	if err := env.engine.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline(true) failed: %v", err)
	}

	if got := len(env.db.Queue("uid-1").Load()); got != 0 {
		t.Errorf("queue has %d records after upload, want 0", got)
	}
	if got := len(store.Docs("uid-1")); got != n {
		t.Errorf("remote has %d records, want %d", got, n)
	}
	if got := env.engine.Status(); got != types.StatusSynced {
		t.Errorf("Status() = %s, want synced", got)
	}
	if got := env.engine.State(); got != StateRemoteLive {
		t.Errorf("State() = %s, want remote-live", got)
	}

	view := env.engine.Transactions()
	if len(view) != n {
		t.Fatalf("view has %d records, want %d", len(view), n)
	}
	for _, tx := range view {
		if tx.Origin != types.OriginRemote {
			t.Errorf("record %s has origin %s after upload", tx.ID, tx.Origin)
		}
	}
}

func TestOnlineEdge_AdapterFailsOutright(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", "queued", int64(i+1), 0)); err != nil {
			t.Fatalf("AddTransaction() failed: %v", err)
		}
	}

	store.SetUnavailable(true)
	if err := env.engine.SetOnline(ctx, true); err == nil {
		t.Fatal("expected SetOnline(true) to report the failed upload")
	}

	if got := len(env.db.Queue("uid-1").Load()); got != 2 {
		t.Errorf("queue has %d records, want 2", got)
	}
	if got := env.engine.Status(); got != types.StatusLocal {
		t.Errorf("Status() = %s, want local", got)
	}
}

func TestBulkUpload_PartialFailureKeepsQueue(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	for _, desc := range []string{"ok-1", "bad", "ok-2"} {
		if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", desc, 1, 0)); err != nil {
			t.Fatalf("AddTransaction() failed: %v", err)
		}
	}

	store.SetReject(func(in types.TransactionInput) error {
		if in.Description == "bad" {
			return errors.New("rejected")
		}
		return nil
	})

	if err := env.engine.SetOnline(ctx, true); err == nil {
		t.Fatal("expected partial upload to be reported")
	}

	if got := len(store.Docs("uid-1")); got != 2 {
		t.Errorf("remote has %d records, want 2", got)
	}
	if got := len(env.db.Queue("uid-1").Load()); got != 3 {
		t.Errorf("queue has %d records, want the full batch of 3", got)
	}
	if got := env.engine.Status(); got != types.StatusLocal {
		t.Errorf("Status() = %s, want local", got)
	}
}

func TestSync_ManualUpload(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", "queued", 1, 0)); err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}

	if _, err := env.engine.Sync(ctx); err == nil {
		t.Error("expected Sync() to fail while offline")
	}

	if err := env.engine.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline(true) failed: %v", err)
	}
	n, err := env.engine.Sync(ctx)
	if err != nil || n != 0 {
		t.Errorf("Sync() on empty queue = %d, %v", n, err)
	}
}

func TestSync_NoRemote(t *testing.T) {
	env := setupEngine(t, nil, nil, DefaultConfig())
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if _, err := env.engine.Sync(context.Background()); !errors.Is(err, ErrNoRemote) {
		t.Errorf("Sync() error = %v, want ErrNoRemote", err)
	}
}

func TestUploadOnStart(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{UploadOnStart: true})
	env.db.Queue("uid-1").Save([]types.Transaction{{
		ID:        "local_1_abc",
		Origin:    types.OriginLocal,
		Date:      "2024-05-01",
		Income:    decimal.NewFromInt(5),
		Expense:   decimal.Zero,
		Timestamp: time.Unix(1714557600, 0),
	}})

	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if got := len(store.Docs("uid-1")); got != 1 {
		t.Errorf("remote has %d records, want 1", got)
	}
	if got := env.engine.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}
}

func TestSubscriptionError_FallsBackToLocalOnly(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	env.store.Seed("uid-1", types.Transaction{ID: "remote-1", Date: "2024-05-01", Income: decimal.NewFromInt(10)})
	env.store.FailSubscriptions(errors.New("permission denied"))

	if got := env.engine.State(); got != StateLocalOnly {
		t.Errorf("State() = %s, want local-only", got)
	}
	if got := env.engine.Status(); got != types.StatusLocal {
		t.Errorf("Status() = %s, want local", got)
	}

	tx, err := env.engine.AddTransaction(ctx, input("2024-05-02", "after failure", 1, 0))
	if err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if tx.Origin != types.OriginLocal {
		t.Errorf("add after subscription failure has origin %s, want local", tx.Origin)
	}

	// Reconnecting does not retry the subscription.
	_ = env.engine.SetOnline(ctx, false)
	_ = env.engine.SetOnline(ctx, true)
	if got := env.store.SubscriberCount(); got != 0 {
		t.Errorf("subscription re-established %d times", got)
	}
}

func TestUpgrade_AdoptsOfflineQueue(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, DefaultConfig())
	ctx := context.Background()

	env.auth.set(types.Principal{}, errors.New("network down"))
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := env.engine.Principal().ID; got != types.OfflineUserID {
		t.Fatalf("Principal() = %q, want %q", got, types.OfflineUserID)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", "offline", int64(i+1), 0)); err != nil {
			t.Fatalf("AddTransaction() failed: %v", err)
		}
	}

	env.auth.set(types.Principal{ID: "uid-1"}, nil)
	_ = env.engine.SetOnline(ctx, false)
	if err := env.engine.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline(true) failed: %v", err)
	}

	if got := env.engine.LedgerID(); got != "uid-1" {
		t.Errorf("LedgerID() = %q, want uid-1", got)
	}
	if got := len(store.Docs("uid-1")); got != 2 {
		t.Errorf("remote has %d records, want 2", got)
	}
	if got := len(env.db.Queue(types.OfflineUserID).Load()); got != 0 {
		t.Errorf("offline queue still has %d records", got)
	}
	if got := len(env.db.Queue("uid-1").Load()); got != 0 {
		t.Errorf("ledger queue still has %d records", got)
	}
}

func TestRelink_HardReset(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	env.store.Seed("uid-1", types.Transaction{ID: "own-1", Date: "2024-05-01", Income: decimal.NewFromInt(1)})
	env.store.Seed("shop-99", types.Transaction{ID: "shop-1", Date: "2024-05-01", Income: decimal.NewFromInt(2)})

	var mixed bool
	env.engine.OnChange(func() {
		view := ids(env.engine.Transactions())
		if view["own-1"] && view["shop-1"] {
			mixed = true
		}
	})

	if err := env.engine.Relink(ctx, "shop-99"); err != nil {
		t.Fatalf("Relink() failed: %v", err)
	}

	view := ids(env.engine.Transactions())
	if view["own-1"] || !view["shop-1"] {
		t.Errorf("view after relink = %v, want only shop-1", view)
	}
	if mixed {
		t.Error("records from both ledgers were visible at the same time")
	}
	if got := env.engine.LedgerID(); got != "shop-99" {
		t.Errorf("LedgerID() = %q, want shop-99", got)
	}
	if got := env.store.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	if err := env.engine.Unlink(ctx); err != nil {
		t.Fatalf("Unlink() failed: %v", err)
	}
	view = ids(env.engine.Transactions())
	if !view["own-1"] || view["shop-1"] {
		t.Errorf("view after unlink = %v, want only own-1", view)
	}
}

// capturingAdapter keeps every snapshot callback handed to Subscribe.
type capturingAdapter struct {
	*memory.Store

	mu        gosync.Mutex
	callbacks []remote.SnapshotFunc
}

func (a *capturingAdapter) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	a.mu.Lock()
	a.callbacks = append(a.callbacks, onSnapshot)
	a.mu.Unlock()
	return a.Store.Subscribe(ctx, ledgerID, onSnapshot, onError)
}

func TestRelink_StaleCallbackIgnored(t *testing.T) {
	store := memory.New("test-app")
	adapter := &capturingAdapter{Store: store}
	env := setupEngine(t, adapter, store, DefaultConfig())
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if err := env.engine.Relink(ctx, "shop-99"); err != nil {
		t.Fatalf("Relink() failed: %v", err)
	}

	adapter.mu.Lock()
	stale := adapter.callbacks[0]
	adapter.mu.Unlock()

	stale([]types.Transaction{{ID: "ghost", Date: "2024-05-01", Income: decimal.NewFromInt(1)}})

	if ids(env.engine.Transactions())["ghost"] {
		t.Error("snapshot from the torn-down subscription reached the view")
	}
}

func TestClose(t *testing.T) {
	env := setupOnline(t)

	if err := env.engine.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := env.engine.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if got := env.store.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after Close, want 0", got)
	}
	if _, err := env.engine.AddTransaction(context.Background(), input("2024-05-01", "x", 1, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("AddTransaction() after Close = %v, want ErrClosed", err)
	}
}

// delayedAdapter holds back the subscription until release is closed.
type delayedAdapter struct {
	*memory.Store
	release chan struct{}
}

func (a *delayedAdapter) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	stop := make(chan struct{})
	var mu gosync.Mutex
	var inner func()

	go func() {
		select {
		case <-stop:
			return
		case <-a.release:
		}
		un := a.Store.Subscribe(ctx, ledgerID, onSnapshot, onError)
		mu.Lock()
		inner = un
		mu.Unlock()
	}()

	var once gosync.Once
	return func() {
		once.Do(func() {
			close(stop)
			mu.Lock()
			defer mu.Unlock()
			if inner != nil {
				inner()
			}
		})
	}
}

func TestSettle_WaitsForFirstSnapshot(t *testing.T) {
	store := memory.New("test-app")
	adapter := &delayedAdapter{Store: store, release: make(chan struct{})}
	env := setupEngine(t, adapter, store, DefaultConfig())

	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if got := env.engine.State(); got != StateInitializing {
		t.Fatalf("State() = %s before first snapshot, want initializing", got)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if got := env.engine.Settle(short); got != StateInitializing {
		t.Errorf("Settle() with expired ctx = %s, want initializing", got)
	}

	close(adapter.release)

	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if got := env.engine.Settle(ctx); got != StateRemoteLive {
		t.Errorf("Settle() = %s, want remote-live", got)
	}
}

func TestSettle_ReturnsOnClose(t *testing.T) {
	store := memory.New("test-app")
	adapter := &delayedAdapter{Store: store, release: make(chan struct{})}
	env := setupEngine(t, adapter, store, DefaultConfig())

	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	done := make(chan State, 1)
	go func() { done <- env.engine.Settle(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	_ = env.engine.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Settle() did not return after Close")
	}
}

func TestOnChange_Remove(t *testing.T) {
	env := setupEngine(t, nil, nil, DefaultConfig())
	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	calls := 0
	remove := env.engine.OnChange(func() { calls++ })

	if _, err := env.engine.AddTransaction(context.Background(), input("2024-05-01", "a", 1, 0)); err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if calls == 0 {
		t.Fatal("listener was not called")
	}

	remove()
	before := calls
	if _, err := env.engine.AddTransaction(context.Background(), input("2024-05-01", "b", 1, 0)); err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if calls != before {
		t.Errorf("removed listener called %d more times", calls-before)
	}
}

// gatedSubscribeAdapter blocks the first Subscribe call until release is closed.
type gatedSubscribeAdapter struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}

	mu    gosync.Mutex
	calls int
}

func (a *gatedSubscribeAdapter) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	a.mu.Lock()
	a.calls++
	first := a.calls == 1
	a.mu.Unlock()

	if first {
		close(a.entered)
		<-a.release
	}
	return a.Store.Subscribe(ctx, ledgerID, onSnapshot, onError)
}

func TestRelink_DuringInFlightSubscribe(t *testing.T) {
	store := memory.New("test-app")
	adapter := &gatedSubscribeAdapter{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	env := setupEngine(t, adapter, store, DefaultConfig())
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- env.engine.Start(ctx) }()

	select {
	case <-adapter.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Start never reached Subscribe")
	}

	if err := env.engine.Relink(ctx, "shop-2"); err != nil {
		t.Fatalf("Relink() failed: %v", err)
	}
	close(adapter.release)
	if err := <-started; err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if got := env.engine.LedgerID(); got != "shop-2" {
		t.Errorf("LedgerID() = %s, want shop-2", got)
	}
	if got := env.engine.State(); got != StateRemoteLive {
		t.Errorf("State() = %s, want remote-live", got)
	}
	if got := env.engine.Status(); got != types.StatusSynced {
		t.Errorf("Status() = %s, want synced", got)
	}
	if got := store.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	store.Seed("shop-2", types.Transaction{ID: "shop-1", Date: "2024-05-01", Income: decimal.NewFromInt(5)})
	if !ids(env.engine.Transactions())["shop-1"] {
		t.Error("live view of the relinked ledger is not delivering")
	}
}

// gatedBulkAdapter blocks BulkAppend until release is closed.
type gatedBulkAdapter struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (a *gatedBulkAdapter) BulkAppend(ctx context.Context, ledgerID string, ins []types.TransactionInput) ([]string, error) {
	close(a.entered)
	<-a.release
	return a.Store.BulkAppend(ctx, ledgerID, ins)
}

func TestDeleteTransaction_DuringUpload(t *testing.T) {
	store := memory.New("test-app")
	adapter := &gatedBulkAdapter{Store: store, entered: make(chan struct{}), release: make(chan struct{})}
	env := setupEngine(t, adapter, store, Config{StartOffline: true})
	ctx := context.Background()
	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	gone, err := env.engine.AddTransaction(ctx, input("2024-05-01", "mistake", 10, 0))
	if err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}
	if _, err := env.engine.AddTransaction(ctx, input("2024-05-01", "keep", 20, 0)); err != nil {
		t.Fatalf("AddTransaction() failed: %v", err)
	}

	online := make(chan error, 1)
	go func() { online <- env.engine.SetOnline(ctx, true) }()

	select {
	case <-adapter.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never reached BulkAppend")
	}
	if err := env.engine.DeleteTransaction(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteTransaction() failed: %v", err)
	}
	close(adapter.release)
	if err := <-online; err != nil {
		t.Fatalf("SetOnline(true) failed: %v", err)
	}

	docs := store.Docs("uid-1")
	if len(docs) != 1 || docs[0].Description != "keep" {
		t.Errorf("remote docs = %+v, want only the kept record", docs)
	}
	view := env.engine.Transactions()
	if len(view) != 1 || view[0].Description != "keep" {
		t.Errorf("view = %+v, want only the kept record", view)
	}
	if got := len(env.db.Queue("uid-1").Load()); got != 0 {
		t.Errorf("queue has %d records after upload, want 0", got)
	}
}

func TestUpload_SkipsRemoteOriginEntries(t *testing.T) {
	store := memory.New("test-app")
	env := setupEngine(t, store, store, Config{StartOffline: true})
	ctx := context.Background()

	env.db.Queue("uid-1").Save([]types.Transaction{
		{ID: "legacy-7", Date: "2024-04-30", Description: "already uploaded", Income: decimal.NewFromInt(7)},
		{ID: "local_1714550400000_abcdefghi", Origin: types.OriginLocal, Date: "2024-05-01", Description: "queued", Income: decimal.NewFromInt(3)},
	})

	if err := env.engine.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := env.engine.SetOnline(ctx, true); err != nil {
		t.Fatalf("SetOnline(true) failed: %v", err)
	}

	docs := store.Docs("uid-1")
	if len(docs) != 1 || docs[0].Description != "queued" {
		t.Errorf("remote docs = %+v, want only the local-origin record", docs)
	}
	queue := env.db.Queue("uid-1").Load()
	if len(queue) != 1 || queue[0].ID != "legacy-7" {
		t.Errorf("queue = %+v, want only legacy-7", queue)
	}
}

func TestOnChange_ListenerAddsWhileLive(t *testing.T) {
	env := setupOnline(t)
	ctx := context.Background()

	var once gosync.Once
	remove := env.engine.OnChange(func() {
		once.Do(func() {
			if _, err := env.engine.AddTransaction(ctx, input("2024-05-02", "from listener", 2, 0)); err != nil {
				t.Errorf("AddTransaction() from listener failed: %v", err)
			}
		})
	})
	defer remove()

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.store.Seed("uid-1", types.Transaction{ID: "remote-1", Date: "2024-05-01", Income: decimal.NewFromInt(1)})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("snapshot delivery deadlocked on a listener that writes")
	}

	if got := len(env.engine.Transactions()); got != 2 {
		t.Errorf("view has %d records, want 2", got)
	}
}
