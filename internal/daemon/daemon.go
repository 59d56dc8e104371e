// Package daemon provides the long-running sync process wrapped around the
// engine.
//
// The daemon:
// 1. Starts the engine and re-fetches remote changes on a fixed interval
// 2. Watches a drop directory and imports JSON record files as local entities
// 3. Consumes imported files so the directory acts as a spool
// 4. Handles graceful shutdown, stopping the engine last
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lockstep-sync/lockstep/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// FetchInterval is how often to run a full fetch across scopes.
	FetchInterval time.Duration

	// DebounceInterval is how long a dropped file must sit quiet before it
	// is imported. This batches rapid rewrites of the same file.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FetchInterval:    30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the engine lifecycle, periodic fetching and
// drop-directory imports.
type Daemon struct {
	engine   *engine.Engine
	importer *Importer
	dropDir  string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - eng: an assembled, not-yet-started engine
//   - importer: the drop-file importer
//   - dropDir: directory watched for record files (dropdir/*.json)
//
// Use Start() to bring the engine up and begin watching.
func New(eng *engine.Engine, importer *Importer, dropDir string) (*Daemon, error) {
	return NewWithConfig(eng, importer, dropDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, importer *Importer, dropDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if dropDir == "" {
		return nil, fmt.Errorf("dropDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      eng,
		importer:    importer,
		dropDir:     dropDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start brings the daemon up.
//
// The daemon will:
// 1. Start the engine (handshake, resume, observers, background fetch)
// 2. Import files dropped while the daemon was down
// 3. Watch the drop directory for new files
// 4. Re-fetch remote changes on the configured interval
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	if n, err := d.sweepDropDir(); err != nil {
		d.config.Logger.Printf("Warning: initial drop directory sweep failed: %v", err)
	} else if n > 0 {
		d.config.Logger.Printf("Imported %d records left in drop directory", n)
	}

	if err := d.watcher.Add(d.dropDir); err != nil {
		return fmt.Errorf("failed to watch drop directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.dropDir)

	// Start background goroutines
	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicFetch()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. The engine stops last so queued
// imports still reach its observers.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	// Signal shutdown
	d.cancel()

	// Close watcher
	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	// Wait for goroutines to finish
	d.wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.engine.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// SyncNow triggers one immediate fetch across every scope.
func (d *Daemon) SyncNow(ctx context.Context) error {
	return d.engine.SyncNow(ctx)
}

// sweepDropDir imports every record file already sitting in the drop
// directory. Files that import cleanly are consumed; failed files stay put
// and are reported again on the next start.
func (d *Daemon) sweepDropDir() (int, error) {
	paths, err := filepath.Glob(filepath.Join(d.dropDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list drop directory: %w", err)
	}

	total := 0
	for _, path := range paths {
		n, err := d.consumeDropFile(path)
		if err != nil {
			d.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
			continue
		}
		total += n
	}
	return total, nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only arrivals and rewrites matter; removals are the
			// daemon consuming files it already imported.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// Only process .json files
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been queued for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		if _, err := d.consumeDropFile(path); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
		delete(d.changeQueue, path)
	}
}

// consumeDropFile imports one drop file and removes it on success. A file
// that vanished between the event and processing is a no-op.
func (d *Daemon) consumeDropFile(path string) (int, error) {
	n, err := d.importer.ImportFile(d.ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.config.Logger.Printf("Warning: failed to remove consumed file %s: %v", path, err)
	}
	d.config.Logger.Printf("Imported %d records from %s", n, filepath.Base(path))
	return n, nil
}

// periodicFetch re-runs a full fetch on the configured interval.
func (d *Daemon) periodicFetch() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.engine.SyncNow(d.ctx); err != nil {
				d.config.Logger.Printf("Fetch error: %v", err)
			}
		}
	}
}
