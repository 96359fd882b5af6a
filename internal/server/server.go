// Package server provides the shared ledger store that devices sync against.
//
// It exposes ledger collections over a small REST API and pushes the complete
// collection to live websocket subscribers after every change, so a client
// can treat each frame as the authoritative result set.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/kirana-ledger/ledger/internal/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8787")
	Addr string

	// DBPath is the SQLite file holding all collections.
	DBPath string

	// JWTSecret signs session and custom tokens. Required.
	JWTSecret string

	// TokenTTL is the lifetime of issued session tokens (default: 30 days).
	TokenTTL time.Duration

	// Mode is the gin mode: debug, release or test (default: release).
	Mode string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     ":8787",
		DBPath:   "ledger-server.db",
		TokenTTL: 30 * 24 * time.Hour,
		Mode:     gin.ReleaseMode,
	}
}

// Server serves ledger collections and their live feeds.
type Server struct {
	cfg      *Config
	store    *Store
	engine   *gin.Engine
	listener net.Listener
	server   *http.Server

	// Live subscribers, keyed by connection, valued by collection path
	clients   map[*websocket.Conn]string
	clientsMu sync.RWMutex

	// Collections whose snapshot must be pushed
	broadcast chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New opens the document store and builds the router. Call Start to listen,
// or use Handler with an existing http.Server.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultConfig().TokenTTL
	}
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}

	store, err := OpenStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       config,
		store:     store,
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan string, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
	s.engine = s.routes()

	s.wg.Add(1)
	go s.broadcastLoop()

	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Ledger server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes live feeds, shuts the HTTP server down and closes the store.
func (s *Server) Stop() error {
	s.logger.Println("Stopping ledger server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}

	s.logger.Println("Ledger server stopped")
	return shutdownErr
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ClientCount returns the number of live subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast schedules a snapshot push for collection.
func (s *Server) Broadcast(collection string) {
	select {
	case s.broadcast <- collection:
	case <-s.ctx.Done():
	}
}

// broadcastLoop pushes snapshots one at a time so every subscriber sees
// them in write order.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case collection := <-s.broadcast:
			s.clientsMu.RLock()
			var targets []*websocket.Conn
			for conn, c := range s.clients {
				if c == collection {
					targets = append(targets, conn)
				}
			}
			s.clientsMu.RUnlock()

			if len(targets) == 0 {
				continue
			}

			msg := remote.Message{
				Type:       remote.MessageTypeSnapshot,
				Collection: collection,
				Timestamp:  time.Now().UTC(),
			}
			docs, err := s.store.List(s.ctx, collection)
			if err != nil {
				s.logger.Printf("WARNING: failed to load %s: %v", collection, err)
				msg.Type = remote.MessageTypeError
				msg.Error = "failed to load collection"
			}
			msg.Docs = docs

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal snapshot: %v", err)
				continue
			}

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// serveLive registers conn for collection and blocks until it disconnects.
func (s *Server) serveLive(conn *websocket.Conn, collection string) {
	s.clientsMu.Lock()
	s.clients[conn] = collection
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Subscriber connected to %s (total: %d)", collection, clientCount)

	// Initial snapshot goes through the loop to keep ordering
	s.Broadcast(collection)

	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Subscriber disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}
