// Package daemon keeps a long-running ledger session in step with its
// surroundings.
//
// The daemon:
//  1. Probes the remote store and turns reachability changes into
//     Offline→Online / Online→Offline edges on the sync engine
//  2. Watches the local data directory and, when another process changes
//     the ledger link, hard-resets the engine onto the newly resolved ledger
//  3. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirana-ledger/ledger/internal/types"
)

// Engine is the part of the sync engine the daemon drives.
type Engine interface {
	SetOnline(ctx context.Context, online bool) error
	Reset(ctx context.Context) error
	LedgerID() string
	Principal() types.Principal
}

// Prober reports whether the remote store is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// LinkSource reports the persisted ledger link.
type LinkSource interface {
	Linked() (string, bool)
}

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often remote reachability is checked
	ProbeInterval time.Duration

	// DebounceInterval is how long the data directory must be quiet
	// before the ledger link is re-read
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    10 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon drives connectivity edges and link changes into an engine.
type Daemon struct {
	engine  Engine
	prober  Prober
	links   LinkSource
	dataDir string
	config  *Config

	watcher *fsnotify.Watcher

	// Time of the last unprocessed directory event; zero when none
	pendingAt time.Time
	pendingMu sync.Mutex

	// Last reachability applied to the engine; nil before the first probe
	online *bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. prober may be nil when no remote store is
// configured; dataDir may be empty to disable link watching.
func New(engine Engine, prober Prober, links LinkSource, dataDir string, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if dataDir != "" && links == nil {
		return nil, errors.New("links cannot be nil when watching a data directory")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	d := &Daemon{
		engine:  engine,
		prober:  prober,
		links:   links,
		dataDir: dataDir,
		config:  config,
	}

	if dataDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the daemon. It blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Add(d.dataDir); err != nil {
			return fmt.Errorf("failed to watch data directory: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.dataDir)

		d.wg.Add(2)
		go d.watchEvents()
		go d.processPending()
	}

	if d.prober != nil {
		d.probeOnce()

		d.wg.Add(1)
		go d.probeLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// probeLoop checks reachability every ProbeInterval.
func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probeOnce()
		}
	}
}

// probeOnce applies a connectivity edge when reachability changed.
func (d *Daemon) probeOnce() {
	err := d.prober.Probe(d.ctx)
	if d.ctx.Err() != nil {
		return
	}
	online := err == nil

	if d.online != nil && *d.online == online {
		return
	}
	d.online = &online

	if online {
		d.config.Logger.Println("Remote reachable, going online")
	} else {
		d.config.Logger.Printf("Remote unreachable, going offline: %v", err)
	}
	if err := d.engine.SetOnline(d.ctx, online); err != nil {
		d.config.Logger.Printf("WARNING: connectivity change incomplete: %v", err)
	}
}

// watchEvents records data directory activity for debouncing.
func (d *Daemon) watchEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.pendingMu.Lock()
			d.pendingAt = time.Now()
			d.pendingMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending re-reads the link once the directory has been quiet for
// DebounceInterval.
func (d *Daemon) processPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.pendingMu.Lock()
			due := !d.pendingAt.IsZero() && time.Since(d.pendingAt) >= d.config.DebounceInterval
			if due {
				d.pendingAt = time.Time{}
			}
			d.pendingMu.Unlock()

			if due {
				d.CheckLink()
			}
		}
	}
}

// CheckLink resets the engine if the persisted link no longer resolves to
// the ledger it is mounted on. It reports whether a reset happened.
func (d *Daemon) CheckLink() bool {
	want := d.engine.Principal().ID
	if id, ok := d.links.Linked(); ok {
		want = id
	}
	have := d.engine.LedgerID()
	if want == "" || want == have {
		return false
	}

	d.config.Logger.Printf("Ledger link changed: %s -> %s", have, want)
	if err := d.engine.Reset(d.ctx); err != nil {
		d.config.Logger.Printf("WARNING: failed to switch ledger: %v", err)
	}
	return true
}
