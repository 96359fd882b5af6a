package wsremote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/server"
	"github.com/kirana-ledger/ledger/internal/types"
)

const testSecret = "test-secret"

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := server.New(&server.Config{
		DBPath:    filepath.Join(t.TempDir(), "server.db"),
		JWTSecret: testSecret,
		Mode:      gin.TestMode,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = s.Stop() })
	return ts
}

func setupClient(t *testing.T, ts *httptest.Server, customToken string) (*Client, *TokenProvider, string) {
	t.Helper()

	provider := NewTokenProvider(ts.URL, customToken, nil)
	p, err := provider.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	c := New(Config{
		BaseURL: ts.URL,
		Tokens:  provider,
		Logger:  log.New(io.Discard, "", 0),
	})
	return c, provider, p.ID
}

type snapshots struct {
	mu   sync.Mutex
	got  [][]types.Transaction
	errs []error
	ch   chan struct{}
}

func newSnapshots() *snapshots {
	return &snapshots{ch: make(chan struct{}, 64)}
}

func (s *snapshots) onSnapshot(txs []types.Transaction) {
	s.mu.Lock()
	s.got = append(s.got, txs)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *snapshots) onError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

// waitFor blocks until cond holds or the deadline passes.
func (s *snapshots) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		ok := cond()
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.ch:
		case <-deadline:
			t.Fatal("timed out waiting for live feed")
		}
	}
}

func (s *snapshots) last() []types.Transaction {
	if len(s.got) == 0 {
		return nil
	}
	return s.got[len(s.got)-1]
}

func input(date, desc string, income, expense int64) types.TransactionInput {
	return types.TransactionInput{
		Date:        date,
		Description: desc,
		Income:      decimal.NewFromInt(income),
		Expense:     decimal.NewFromInt(expense),
	}
}

func TestTokenProvider_Anonymous(t *testing.T) {
	ts := setupServer(t)

	provider := NewTokenProvider(ts.URL, "", nil)
	if _, err := provider.Token(); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("Expected ErrNotSignedIn before sign-in, got %v", err)
	}

	p, err := provider.SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if p.ID == "" || p.Ephemeral {
		t.Errorf("Expected durable anonymous principal, got %+v", p)
	}
	if provider.UID() != p.ID {
		t.Errorf("UID() = %q, want %q", provider.UID(), p.ID)
	}
}

func TestTokenProvider_CustomToken(t *testing.T) {
	ts := setupServer(t)

	custom, err := server.MintCustomToken(testSecret, "shop-owner", time.Hour)
	if err != nil {
		t.Fatalf("MintCustomToken failed: %v", err)
	}
	p, err := NewTokenProvider(ts.URL, custom, nil).SignIn(context.Background())
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if p.ID != "shop-owner" {
		t.Errorf("Expected shop-owner, got %q", p.ID)
	}

	if _, err := NewTokenProvider(ts.URL, "not-a-token", nil).SignIn(context.Background()); err == nil {
		t.Error("Expected rejected custom token to fail")
	}
}

func TestTokenProvider_Unreachable(t *testing.T) {
	ts := setupServer(t)
	url := ts.URL
	ts.Close()

	_, err := NewTokenProvider(url, "", nil).SignIn(context.Background())
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Errorf("Expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestClient_AppendRemoveAndLiveFeed(t *testing.T) {
	ts := setupServer(t)
	c, _, ledgerID := setupClient(t, ts, "")

	rec := newSnapshots()
	unsubscribe := c.Subscribe(context.Background(), ledgerID, rec.onSnapshot, rec.onError)
	defer unsubscribe()

	rec.waitFor(t, func() bool { return len(rec.got) >= 1 })

	id, err := c.Append(context.Background(), ledgerID, input("2024-05-01", "Milk", 150, 0))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	rec.waitFor(t, func() bool {
		last := rec.last()
		return len(last) == 1 && last[0].ID == id
	})

	rec.mu.Lock()
	doc := rec.last()[0]
	rec.mu.Unlock()
	if doc.Origin != types.OriginRemote || doc.Income.IntPart() != 150 {
		t.Errorf("Unexpected doc: %+v", doc)
	}

	if err := c.RemoveByID(context.Background(), ledgerID, id); err != nil {
		t.Fatalf("RemoveByID failed: %v", err)
	}
	if err := c.RemoveByID(context.Background(), ledgerID, id); err != nil {
		t.Fatalf("second RemoveByID failed: %v", err)
	}
	rec.waitFor(t, func() bool { return len(rec.got) >= 3 && len(rec.last()) == 0 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Errorf("Expected no feed errors, got %v", rec.errs)
	}
}

func TestClient_BulkAppend(t *testing.T) {
	ts := setupServer(t)
	c, _, ledgerID := setupClient(t, ts, "")

	ins := []types.TransactionInput{
		input("2024-05-01", "a", 10, 0),
		input("2024-05-02", "b", 0, 20),
		input("2024-05-03", "c", 30, 0),
	}
	ids, err := c.BulkAppend(context.Background(), ledgerID, ins)
	if err != nil {
		t.Fatalf("BulkAppend failed: %v", err)
	}
	if n := remote.Appended(ids); n != len(ins) {
		t.Errorf("Expected %d written, got %d", len(ins), n)
	}

	docs, err := c.List(context.Background(), ledgerID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(docs) != len(ins) {
		t.Errorf("Expected %d docs, got %d", len(ins), len(docs))
	}
}

func TestClient_AppendRejected(t *testing.T) {
	ts := setupServer(t)
	c, _, ledgerID := setupClient(t, ts, "")

	_, err := c.Append(context.Background(), ledgerID, types.TransactionInput{Date: "2024-05-01"})
	if !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Errorf("Expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestClient_SubscribeWithoutToken(t *testing.T) {
	ts := setupServer(t)
	c := New(Config{BaseURL: ts.URL, Logger: log.New(io.Discard, "", 0)})

	rec := newSnapshots()
	unsubscribe := c.Subscribe(context.Background(), "l1", rec.onSnapshot, rec.onError)
	defer unsubscribe()

	rec.waitFor(t, func() bool { return len(rec.errs) == 1 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !errors.Is(rec.errs[0], types.ErrRemoteUnavailable) {
		t.Errorf("Expected ErrRemoteUnavailable, got %v", rec.errs[0])
	}
}

func TestClient_Probe(t *testing.T) {
	ts := setupServer(t)
	c := New(Config{BaseURL: ts.URL})

	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	ts.Close()
	if err := c.Probe(context.Background()); !errors.Is(err, types.ErrRemoteUnavailable) {
		t.Errorf("Expected ErrRemoteUnavailable after close, got %v", err)
	}
}

var _ remote.Adapter = (*Client)(nil)
