// Package daemon implements the atelierd background service: one process per
// managed project directory, coordinating the backlog for every connected
// agent and editor.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/yaront1111/atelier/internal/activity"
	"github.com/yaront1111/atelier/internal/approval"
	"github.com/yaront1111/atelier/internal/claim"
	"github.com/yaront1111/atelier/internal/config"
	"github.com/yaront1111/atelier/internal/control"
	"github.com/yaront1111/atelier/internal/logging"
	"github.com/yaront1111/atelier/internal/migrate"
	"github.com/yaront1111/atelier/internal/persist"
	"github.com/yaront1111/atelier/internal/state"
	"github.com/yaront1111/atelier/internal/waitreg"
)

// DataDirName is the per-project directory holding all daemon state.
const DataDirName = ".atelier"

// ActivityLogName is the append-only activity stream inside the data dir.
const ActivityLogName = "activity.log"

// ArchiveDBName is the SQLite database old activity events are moved into.
const ArchiveDBName = "activity.db"

// Daemon is the per-project coordinator service. Every registry it owns
// (claims, waiters, timers) is a field constructed in New so two daemons in
// one process (tests) stay fully isolated and shutdown can cancel exactly
// what this instance created.
type Daemon struct {
	cfg         *config.Config
	projectPath string
	dataDir     string

	files     *persist.Store
	log       *activity.Log
	store     *state.Store
	claims    *claim.Coordinator
	waits     *waitreg.Registry
	approvals *approval.Scheduler
	server    *control.Server
	lock      *Lock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New builds a daemon for the project at projectPath, migrating the on-disk
// project record if it predates the current schema.
func New(cfg *config.Config, projectPath string) (*Daemon, error) {
	dataDir := filepath.Join(projectPath, DataDirName)
	files := persist.New(dataDir)
	if err := files.Init(); err != nil {
		return nil, fmt.Errorf("init data dir: %w", err)
	}

	if err := migrateProject(files); err != nil {
		return nil, err
	}

	log, err := activity.Open(filepath.Join(dataDir, ActivityLogName))
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}

	snap, err := files.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	store := state.New(files, log)
	store.Load(snap)

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:         cfg,
		projectPath: projectPath,
		dataDir:     dataDir,
		files:       files,
		log:         log,
		store:       store,
		claims:      claim.New(store),
		waits:       waitreg.New(store, cfg.Approval.DefaultWait, cfg.Approval.MaxWait),
		approvals:   approval.New(store),
		server:      control.NewServer(cfg.Daemon.Host, cfg.Daemon.BasePort, cfg.Daemon.PortSpan),
		ctx:         ctx,
		cancel:      cancel,
	}
	d.registerHandlers()
	return d, nil
}

// migrateProject brings the on-disk project record up to the current schema
// version. A missing record (project not yet initialized) is left alone.
func migrateProject(files *persist.Store) error {
	raw, err := files.LoadProjectRaw()
	if err != nil {
		return fmt.Errorf("read project record: %w", err)
	}
	if raw == nil {
		return nil
	}

	runner := migrate.NewRunner()
	migrated, applied, err := runner.Run(raw)
	if err != nil {
		return fmt.Errorf("migrate project record: %w", err)
	}
	if applied > 0 {
		if err := files.SaveProjectRaw(migrated); err != nil {
			return fmt.Errorf("save migrated project record: %w", err)
		}
		logging.Info("project record migrated",
			"applied", applied, "version", runner.Target())
	}
	return nil
}

// Store exposes the daemon's state store (used by tests and the CLI when
// embedding).
func (d *Daemon) Store() *state.Store {
	return d.store
}

// Port returns the control server's bound port. Valid once Run has started
// the server.
func (d *Daemon) Port() int {
	return d.server.Port()
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run() error {
	lock, err := AcquireLock(d.dataDir)
	if err != nil {
		return err
	}
	d.lock = lock

	if err := d.server.Start(); err != nil {
		// Fatal: release the lock so the next start can proceed.
		lock.Release()
		return fmt.Errorf("start control server: %w", err)
	}

	// The liveness record is written only after the server is accepting.
	if err := WriteLiveness(d.dataDir, d.server.Port(), d.projectPath); err != nil {
		d.server.Stop()
		lock.Release()
		return fmt.Errorf("write liveness record: %w", err)
	}

	d.log.Start(d.cfg.Activity.FlushInterval)

	d.wg.Add(2)
	go d.safeLoop("broadcast-loop", d.broadcastLoop)
	go d.safeLoop("watch-loop", func() { d.watchLoop(d.ctx) })

	logging.Info("daemon running",
		"project", d.projectPath, "port", d.server.Port(), "pid", os.Getpid())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return d.signalLoop(sigCh)
}

func (d *Daemon) signalLoop(sigCh <-chan os.Signal) error {
	sig := <-sigCh
	logging.Info("received shutdown signal", "signal", sig.String())

	shutdownDone := make(chan struct{})
	go func() {
		d.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logging.Info("graceful shutdown complete")
		return nil
	case sig2 := <-sigCh:
		logging.Warn("received second signal, forcing shutdown", "signal", sig2.String())
		d.forceCleanup()
		return fmt.Errorf("forced shutdown by signal: %s", sig2)
	case <-time.After(d.cfg.Daemon.ShutdownTimeout):
		logging.Warn("shutdown timeout exceeded, forcing exit")
		d.forceCleanup()
		return fmt.Errorf("shutdown timed out after %s", d.cfg.Daemon.ShutdownTimeout)
	}
}

// Shutdown performs the ordered, idempotent shutdown: stop watching files,
// close client connections, cancel every outstanding timer and waiter, flush
// the activity log, then remove the liveness record and lock.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.cancel()

		d.server.Stop()

		d.approvals.CancelAll()
		d.waits.Stop()
		d.claims.Stop()

		d.wg.Wait()
		d.store.Close()

		if err := d.log.Close(); err != nil {
			logging.Error("failed to flush activity log", "error", err)
		}

		RemoveLiveness(d.dataDir)
		d.lock.Release()

		logging.Flush(2 * time.Second)
	})
}

// forceCleanup is the best-effort cleanup path when graceful shutdown is
// abandoned.
func (d *Daemon) forceCleanup() {
	d.cancel()
	d.server.Stop()
	d.approvals.CancelAll()
	d.log.Close()
	RemoveLiveness(d.dataDir)
	d.lock.Release()
	logging.Flush(500 * time.Millisecond)
}

// broadcastLoop forwards every state change event to all connected clients.
func (d *Daemon) broadcastLoop() {
	events, unsubscribe := d.store.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.server.Broadcast(control.Reply{Type: ev.Type, Payload: ev.Payload})
		}
	}
}

// safeLoop wraps a background loop with panic recovery. A panicking loop
// takes the daemon down cleanly instead of silently dying.
func (d *Daemon) safeLoop(name string, fn func()) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "loop", name)
			d.cancel()
		}
	}()
	fn()
}
