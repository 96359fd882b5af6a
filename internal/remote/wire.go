package remote

import (
	"time"

	"github.com/kirana-ledger/ledger/internal/types"
)

// MessageType identifies a live-feed message from the ledger server.
type MessageType string

const (
	// MessageTypeSnapshot carries the complete current collection.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeError ends the feed.
	MessageTypeError MessageType = "error"
)

// Message is one websocket frame of the live feed.
type Message struct {
	Type       MessageType         `json:"type"`
	Collection string              `json:"collection"`
	Timestamp  time.Time           `json:"timestamp"`
	Docs       []types.Transaction `json:"docs,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// AuthResponse is returned by the sign-in endpoints.
type AuthResponse struct {
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	Anonymous bool      `json:"anonymous"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CustomTokenRequest exchanges a minted custom token for a session token.
type CustomTokenRequest struct {
	Token string `json:"token"`
}

// AppendResponse is returned after a record is created.
type AppendResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ListResponse holds a collection listing.
type ListResponse struct {
	Docs []types.Transaction `json:"docs"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
