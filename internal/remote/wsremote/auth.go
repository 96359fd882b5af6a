package wsremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirana-ledger/ledger/internal/remote"
	"github.com/kirana-ledger/ledger/internal/types"
)

// ErrNotSignedIn is returned for requests made before a successful SignIn.
var ErrNotSignedIn = errors.New("not signed in")

// TokenProvider signs in against the ledger server and keeps the session
// token. With a custom token it signs in as that token's uid; otherwise it
// requests an anonymous session.
//
// It implements identity.Provider and TokenSource.
type TokenProvider struct {
	baseURL     string
	customToken string
	http        *http.Client

	mu    sync.RWMutex
	token string
	uid   string
}

// NewTokenProvider creates a provider. customToken may be empty.
func NewTokenProvider(baseURL, customToken string, httpClient *http.Client) *TokenProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		customToken: strings.TrimSpace(customToken),
		http:        httpClient,
	}
}

// SignIn obtains a session token.
func (p *TokenProvider) SignIn(ctx context.Context) (types.Principal, error) {
	endpoint := p.baseURL + "/v1/auth/anonymous"
	var body []byte
	if p.customToken != "" {
		endpoint = p.baseURL + "/v1/auth/token"
		body, _ = json.Marshal(remote.CustomTokenRequest{Token: p.customToken})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.Principal{}, fmt.Errorf("failed to build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return types.Principal{}, remote.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Principal{}, fmt.Errorf("sign-in rejected: %w", statusError(resp))
	}

	var auth remote.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return types.Principal{}, fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	if auth.UID == "" || auth.Token == "" {
		return types.Principal{}, errors.New("sign-in response missing uid or token")
	}

	p.mu.Lock()
	p.token, p.uid = auth.Token, auth.UID
	p.mu.Unlock()

	return types.Principal{ID: auth.UID}, nil
}

// Token implements TokenSource.
func (p *TokenProvider) Token() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNotSignedIn
	}
	return p.token, nil
}

// UID returns the signed-in uid, or "" before SignIn.
func (p *TokenProvider) UID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uid
}
