package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kirana-ledger/ledger/internal/config"
	"github.com/kirana-ledger/ledger/internal/daemon"
	"github.com/kirana-ledger/ledger/internal/identity"
	"github.com/kirana-ledger/ledger/internal/ledger"
	"github.com/kirana-ledger/ledger/internal/local"
	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/remote/dynamo"
	"github.com/kirana-ledger/ledger/internal/remote/wsremote"
	"github.com/kirana-ledger/ledger/internal/sync"
)

// settleTimeout bounds how long a command waits for the first remote
// snapshot before working from the local queue alone.
const settleTimeout = 10 * time.Second

// session is one device session: local store, optional remote, engine.
type session struct {
	db       *local.DB
	identity *identity.Client
	resolver *ledger.Resolver
	engine   *sync.Engine

	// prober is nil when no remote backend is configured.
	prober daemon.Prober
}

// openLocal opens the Local Store in the configured data directory.
func openLocal() (*local.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return local.Open(cfg.LocalDBPath(), newLogger("[local] "))
}

// openRemote builds the adapter, identity provider and prober for the
// configured backend. All three are nil for the "none" backend.
func openRemote(ctx context.Context, db *local.DB) (remote.Adapter, identity.Provider, daemon.Prober, error) {
	switch cfg.Remote.Backend {
	case config.BackendServer:
		tokens := wsremote.NewTokenProvider(cfg.Remote.URL, cfg.Remote.Token, nil)
		client := wsremote.New(wsremote.Config{
			BaseURL: cfg.Remote.URL,
			AppID:   cfg.AppID,
			Tokens:  tokens,
			Logger:  newLogger("[remote] "),
		})
		return client, tokens, client, nil

	case config.BackendDynamoDB:
		dcfg := dynamo.DefaultConfig()
		dcfg.Region = cfg.Remote.DynamoDB.Region
		dcfg.TableName = cfg.Remote.DynamoDB.Table
		dcfg.Endpoint = cfg.Remote.DynamoDB.Endpoint
		dcfg.AppID = cfg.AppID
		dcfg.PollInterval = cfg.Remote.DynamoDB.PollInterval
		dcfg.Logger = newLogger("[dynamo] ")
		store, err := dynamo.Open(ctx, dcfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.EnsureTable(ctx); err != nil {
			// An unreachable table is an offline start, not a fatal error.
			dcfg.Logger.Printf("WARNING: %v", err)
		}
		return store, identity.NewDeviceProvider(db), store, nil

	default:
		return nil, nil, nil, nil
	}
}

// openSession starts the sync engine. ctx must outlive the session: it
// bounds the live subscription.
func openSession(ctx context.Context) (*session, error) {
	db, err := openLocal()
	if err != nil {
		return nil, err
	}

	adapter, provider, prober, err := openRemote(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	online := true
	if prober != nil {
		if err := prober.Probe(ctx); err != nil {
			newLogger("[session] ").Printf("Remote unreachable, starting offline: %v", err)
			online = false
		}
	}

	s := &session{
		db:       db,
		identity: identity.NewClient(provider, newLogger("[identity] ")),
		resolver: ledger.NewResolver(db),
		prober:   prober,
	}

	ecfg := sync.DefaultConfig()
	ecfg.Logger = newLogger("[sync] ")
	ecfg.StartOffline = !online
	ecfg.UploadOnStart = true
	s.engine = sync.New(db, adapter, s.identity, s.resolver, ecfg)

	if err := s.engine.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}

	settleCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	s.engine.Settle(settleCtx)
	return s, nil
}

// Close stops the engine and closes the local store.
func (s *session) Close() {
	if s.engine != nil {
		_ = s.engine.Close()
	}
	_ = s.identity.Close()
	_ = s.db.Close()
}

// mustOpenSession opens a session or exits.
func mustOpenSession(ctx context.Context) *session {
	s, err := openSession(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting session: %v\n", err)
		os.Exit(1)
	}
	return s
}

func outputJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}
