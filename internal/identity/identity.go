// Package identity supplies the principal the sync engine works with.
//
// A Client wraps an optional Provider. Without a provider the session runs
// as the ephemeral local principal; when the provider fails the session
// degrades to the ephemeral offline principal and can later be upgraded.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/kirana-ledger/ledger/internal/types"
)

// Provider signs the device in against a remote identity service.
type Provider interface {
	SignIn(ctx context.Context) (types.Principal, error)
}

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("identity client closed")

// Client holds the session principal with an explicit init/teardown lifecycle.
type Client struct {
	provider Provider
	logger   *log.Logger

	mu        sync.RWMutex
	principal types.Principal
	closed    bool
}

// NewClient creates a client. provider may be nil when no remote is configured.
func NewClient(provider Provider, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	return &Client{provider: provider, logger: logger}
}

// Init establishes the session principal. It never fails on sign-in errors:
// those are logged and the offline principal is used. The returned error is
// non-nil only after Close.
func (c *Client) Init(ctx context.Context) (types.Principal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Principal{}, ErrClosed
	}
	c.principal = c.signIn(ctx)
	return c.principal, nil
}

// Upgrade retries sign-in when the session is running as the offline
// principal. Otherwise it returns the current principal unchanged.
func (c *Client) Upgrade(ctx context.Context) (types.Principal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return types.Principal{}, ErrClosed
	}
	if c.principal.ID != types.OfflineUserID {
		return c.principal, nil
	}

	p := c.signIn(ctx)
	if p.ID == types.OfflineUserID {
		return p, fmt.Errorf("upgrade failed: %w", types.ErrAuthDegraded)
	}
	c.logger.Printf("Upgraded offline session to %s", p.ID)
	c.principal = p
	return p, nil
}

// Current returns the session principal (zero before Init).
func (c *Client) Current() types.Principal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.principal
}

// HasProvider reports whether a remote identity service is configured.
func (c *Client) HasProvider() bool {
	return c.provider != nil
}

// Close ends the session. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.principal = types.Principal{}
	return nil
}

// signIn must be called with mu held.
func (c *Client) signIn(ctx context.Context) types.Principal {
	if c.provider == nil {
		return types.LocalPrincipal()
	}

	p, err := c.provider.SignIn(ctx)
	if err == nil && p.ID == "" {
		err = errors.New("provider returned an empty principal id")
	}
	if err != nil {
		c.logger.Printf("WARNING: %v: %v", types.ErrAuthDegraded, err)
		return types.OfflinePrincipal()
	}
	return p
}
