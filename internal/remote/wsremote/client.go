// Package wsremote implements the Remote Store Adapter against the ledger
// server: writes over HTTP, the live view over a websocket feed.
package wsremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/types"
)

// maxSnapshotBytes bounds a single snapshot frame.
const maxSnapshotBytes = 16 << 20

// TokenSource supplies the bearer token for requests.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a fixed session token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", ErrNotSignedIn
	}
	return string(t), nil
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the ledger server, e.g. http://localhost:8787
	BaseURL string

	// AppID namespaces collections (default: remote.DefaultAppID)
	AppID string

	// Tokens supplies the bearer token.
	Tokens TokenSource

	// HTTPClient for REST calls (default: 15s timeout)
	HTTPClient *http.Client

	// Logger (default: stderr logger)
	Logger *log.Logger
}

// Client is a remote.Adapter backed by the ledger server.
type Client struct {
	baseURL string
	appID   string
	tokens  TokenSource
	http    *http.Client
	logger  *log.Logger
}

var _ remote.Adapter = (*Client)(nil)

// New creates a client.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if cfg.AppID == "" {
		cfg.AppID = remote.DefaultAppID
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appID:   cfg.AppID,
		tokens:  cfg.Tokens,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

func (c *Client) collectionURL(ledgerID string) string {
	return fmt.Sprintf("%s/v1/artifacts/%s/users/%s/%s",
		c.baseURL, url.PathEscape(c.appID), url.PathEscape(ledgerID), remote.CollectionName)
}

// Append implements remote.Adapter.
func (c *Client) Append(ctx context.Context, ledgerID string, in types.TransactionInput) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}

	var resp remote.AppendResponse
	if err := c.do(ctx, http.MethodPost, c.collectionURL(ledgerID), body, &resp, http.StatusCreated); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RemoveByID implements remote.Adapter.
func (c *Client) RemoveByID(ctx context.Context, ledgerID, id string) error {
	u := c.collectionURL(ledgerID) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, u, nil, nil, http.StatusNoContent, http.StatusOK, http.StatusNotFound)
}

// BulkAppend implements remote.Adapter.
func (c *Client) BulkAppend(ctx context.Context, ledgerID string, ins []types.TransactionInput) ([]string, error) {
	return remote.BulkAppendEach(ctx, ins, func(ctx context.Context, in types.TransactionInput) (string, error) {
		return c.Append(ctx, ledgerID, in)
	})
}

// List fetches the collection once.
func (c *Client) List(ctx context.Context, ledgerID string) ([]types.Transaction, error) {
	var resp remote.ListResponse
	if err := c.do(ctx, http.MethodGet, c.collectionURL(ledgerID), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

// Probe checks that the server is reachable.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build probe: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return remote.Unavailable(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return remote.Unavailable(fmt.Errorf("health check returned %s", resp.Status))
	}
	return nil
}

// Subscribe implements remote.Adapter. The feed runs until unsubscribe is
// called or ctx is done; a dial, read or server-side error ends it with a
// single onError.
func (c *Client) Subscribe(ctx context.Context, ledgerID string, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) func() {
	ctx, cancel := context.WithCancel(ctx)

	var stopped atomic.Bool
	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			if stopped.Load() || ctx.Err() != nil {
				return
			}
			stopped.Store(true)
			onError(remote.Unavailable(err))
		})
	}

	go func() {
		defer cancel()

		token, err := c.tokens.Token()
		if err != nil {
			fail(err)
			return
		}

		wsURL := "ws" + strings.TrimPrefix(c.collectionURL(ledgerID), "http") + "/live"
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
		})
		if err != nil {
			fail(fmt.Errorf("failed to open live feed: %w", err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.SetReadLimit(maxSnapshotBytes)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				fail(fmt.Errorf("live feed closed: %w", err))
				return
			}

			var msg remote.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Printf("WARNING: ignoring malformed frame: %v", err)
				continue
			}

			switch msg.Type {
			case remote.MessageTypeSnapshot:
				if stopped.Load() {
					return
				}
				onSnapshot(msg.Docs)
			case remote.MessageTypeError:
				fail(errors.New(msg.Error))
				return
			}
		}
	}()

	return func() {
		stopped.Store(true)
		cancel()
	}
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out interface{}, okStatus ...int) error {
	token, err := c.tokens.Token()
	if err != nil {
		return remote.Unavailable(err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return remote.Unavailable(err)
	}
	defer resp.Body.Close()

	ok := false
	for _, s := range okStatus {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return remote.Unavailable(statusError(resp))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Unavailable(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e remote.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s %s: %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status, e.Error)
	}
	return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, resp.Status)
}
