package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"fringe/internal/arrival"
	"fringe/internal/config"
	"fringe/internal/convert"
	"fringe/internal/events"
	"fringe/internal/grouping"
	"fringe/internal/logging"
	"fringe/internal/metrics"
	"fringe/internal/notifications"
	"fringe/internal/preflight"
	"fringe/internal/queue"
	"fringe/internal/registry"
	"fringe/internal/services"
	"fringe/internal/sweeper"
	"fringe/internal/workers"
)

// Daemon coordinates the pipeline components and enforces single-instance
// execution via a lock file.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	bus      *events.Bus
	archive  *events.Archive
	notifier notifications.Service

	indexer   *arrival.Indexer
	engine    *grouping.Engine
	pool      *workers.Pool
	sweeper   *sweeper.Sweeper
	registry  *registry.Service
	relay     *notifications.Relay
	collector *metrics.Collector
	metricsrv *metrics.Server

	logPath  string
	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// Status represents daemon runtime information for the operator surfaces.
type Status struct {
	Running      bool
	PID          int
	StartedAt    time.Time
	Workers      int
	Health       queue.HealthSummary
	Converter    convert.ToolStatus
	Checks       []preflight.Result
	DatabasePath string
	LockPath     string
	SocketPath   string
	LogPath      string
	MetricsAddr  string
}

// New constructs a daemon and its pipeline components. The store, bus,
// archive, and converter are built by the caller so tests and the bootstrap
// can share them. The archive may be nil; event history then falls back to
// the in-memory buffer.
func New(cfg *config.Config, store *queue.Store, bus *events.Bus, archive *events.Archive, converter convert.Converter, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || bus == nil || converter == nil {
		return nil, errors.New("daemon requires config, store, bus, and converter")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	notifier := notifications.NewService(cfg)
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		bus:       bus,
		archive:   archive,
		notifier:  notifier,
		indexer:   arrival.NewIndexer(cfg, store, bus, logger),
		engine:    grouping.NewEngine(cfg, store, bus, logger),
		pool:      workers.NewPool(cfg, store, converter, bus, logger),
		sweeper:   sweeper.NewSweeper(cfg, store, bus, logger),
		registry:  registry.NewService(store, bus, logger),
		relay:     notifications.NewRelay(cfg, notifier, bus, logger),
		collector: metrics.NewCollector(store, cfg.ScanInterval(), logger),
		logPath:   filepath.Join(cfg.Paths.LogDir, "fringe.log"),
		lockPath:  cfg.LockPath(),
		lock:      flock.New(cfg.LockPath()),
	}
	if cfg.Metrics.Enabled {
		d.metricsrv = metrics.NewServer(cfg.Metrics.Listen, logger)
	}
	return d, nil
}

// Start acquires the daemon lock and launches every pipeline component.
// Components start in dependency order; a failure stops the ones already
// started and releases the lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another fringe daemon instance is already running")
	}

	for _, result := range preflight.RunAll(d.cfg) {
		if result.Passed {
			continue
		}
		d.logger.Warn("preflight check failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldImpact, "the pipeline may stall until this is fixed"),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.startComponents(runCtx); err != nil {
		cancel()
		d.cancel = nil
		d.stopComponents()
		if unlockErr := d.lock.Unlock(); unlockErr != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(unlockErr))
		}
		return err
	}

	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.publish(events.Event{Type: events.TypeDaemonStarted, Message: "fringe daemon started"})
	d.logger.Info("fringe daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("workers", d.pool.WorkerCount()),
	)
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	if d.metricsrv != nil {
		if err := d.metricsrv.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	d.collector.Start()
	if err := d.relay.Start(ctx); err != nil {
		return fmt.Errorf("start notification relay: %w", err)
	}
	if err := d.indexer.Start(ctx); err != nil {
		return fmt.Errorf("start arrival indexer: %w", err)
	}
	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("start clustering engine: %w", err)
	}
	if err := d.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := d.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	return nil
}

// stopComponents halts everything in reverse start order. Every component
// tolerates Stop before Start, so the Start-failure unwind reuses this.
func (d *Daemon) stopComponents() {
	d.sweeper.Stop()
	d.pool.Stop()
	d.engine.Stop()
	d.indexer.Stop()
	d.relay.Stop()
	d.collector.Stop()
	if d.metricsrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsrv.Stop(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown failed", logging.Error(err))
		}
	}
}

// Stop halts all components and releases the daemon lock. In-flight
// conversions are interrupted; their jobs keep their leases and become
// eligible again after lease expiry.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.publish(events.Event{Type: events.TypeDaemonStopping, Message: "fringe daemon stopping"})
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.stopComponents()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("fringe daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status assembles the runtime snapshot served to status surfaces.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue health: %w", err)
	}
	metricsAddr := ""
	if d.metricsrv != nil {
		metricsAddr = d.metricsrv.Addr()
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		Workers:      d.pool.WorkerCount(),
		Health:       health,
		Converter:    convert.CheckCommand(strings.TrimSpace(d.cfg.Converter.Command)),
		Checks:       preflight.RunAll(d.cfg),
		DatabasePath: d.cfg.DatabasePath(),
		LockPath:     d.lockPath,
		SocketPath:   d.cfg.SocketPath(),
		LogPath:      d.logPath,
		MetricsAddr:  metricsAddr,
	}, nil
}

// Observe manually indexes one fragment and immediately runs a clustering
// pass so the result is visible to the caller.
func (d *Daemon) Observe(ctx context.Context, path string, dec *float64) (*queue.Fragment, bool, error) {
	frag, created, err := d.indexer.Observe(ctx, path, dec)
	if err != nil {
		return nil, false, err
	}
	if _, err := d.engine.Reconcile(ctx); err != nil && !errors.Is(err, grouping.ErrReconcileActive) {
		d.logger.Warn("clustering pass after manual observe failed", logging.Error(err))
	}
	return frag, created, nil
}

// SweepNow runs a reconciliation sweep on demand.
func (d *Daemon) SweepNow(ctx context.Context) (sweeper.Report, error) {
	return d.sweeper.Sweep(ctx)
}

// ListGroups returns observation groups filtered by optional statuses.
func (d *Daemon) ListGroups(ctx context.Context, statuses []queue.GroupStatus) ([]*queue.Group, error) {
	return d.store.ListGroups(ctx, statuses...)
}

// GroupFragments returns the members of one observation group.
func (d *Daemon) GroupFragments(ctx context.Context, groupKey string) (*queue.Group, []*queue.Fragment, error) {
	group, err := d.store.GroupByKey(ctx, groupKey)
	if err != nil {
		return nil, nil, err
	}
	if group == nil {
		return nil, nil, services.Wrap(services.ErrNotFound, "daemon", "group_fragments",
			fmt.Sprintf("no observation group with key %s", groupKey), nil)
	}
	fragments, err := d.store.FragmentsForGroup(ctx, group.ID)
	if err != nil {
		return nil, nil, err
	}
	return group, fragments, nil
}

// ListJobs returns conversion jobs filtered by optional states.
func (d *Daemon) ListJobs(ctx context.Context, states []queue.State) ([]*queue.Job, error) {
	return d.store.ListJobs(ctx, states...)
}

// DeadLetters returns unresolved dead-lettered jobs.
func (d *Daemon) DeadLetters(ctx context.Context) ([]*queue.Job, error) {
	return d.store.DeadLetters(ctx)
}

// ResolveDeadLetter marks a dead-lettered job resolved, optionally requeueing
// a fresh attempt in the same transaction.
func (d *Daemon) ResolveDeadLetter(ctx context.Context, jobID int64, note string, requeue bool) (*queue.Job, error) {
	job, err := d.store.ResolveDeadLetter(ctx, jobID, note, requeue)
	if err != nil {
		return nil, err
	}
	d.publish(events.JobEvent(events.TypeJobResolved, job.ID, job.GroupKey, "dead-lettered job resolved").
		WithField("requeued", fmt.Sprintf("%t", requeue)))
	d.logger.Info("dead-lettered job resolved",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldGroupKey, job.GroupKey),
		logging.Bool("requeued", requeue),
	)
	return job, nil
}

// Products returns all registry rows.
func (d *Daemon) Products(ctx context.Context) ([]*queue.Product, error) {
	return d.registry.List(ctx)
}

// MissingProducts returns registry rows whose artifacts are absent.
func (d *Daemon) MissingProducts(ctx context.Context) ([]*queue.Product, error) {
	return d.registry.Missing(ctx)
}

// RetireProduct removes a registry row, leaving the artifact on disk.
func (d *Daemon) RetireProduct(ctx context.Context, fingerprint string) (*queue.Product, error) {
	return d.registry.Retire(ctx, fingerprint)
}

// Anomalies lists recorded findings.
func (d *Daemon) Anomalies(ctx context.Context, includeResolved bool) ([]*queue.Anomaly, error) {
	return d.store.ListAnomalies(ctx, includeResolved)
}

// ResolveAnomaly acknowledges a finding.
func (d *Daemon) ResolveAnomaly(ctx context.Context, id int64) (bool, error) {
	resolved, err := d.store.ResolveAnomaly(ctx, id)
	if err != nil {
		return false, err
	}
	if resolved {
		d.logger.Info("anomaly resolved", logging.Int64("anomaly_id", id))
	}
	return resolved, nil
}

// Events serves the bus long-poll for IPC followers.
func (d *Daemon) Events(ctx context.Context, since uint64, limit int, wait bool) ([]events.Event, uint64, error) {
	return d.bus.Fetch(ctx, since, limit, wait)
}

// EventHistory replays recent events from the archive, which survives daemon
// restarts. Without an archive it falls back to the in-memory buffer.
func (d *Daemon) EventHistory(limit int) ([]events.Event, error) {
	if d.archive != nil {
		return d.archive.Recent(limit)
	}
	evts, _ := d.bus.Tail(limit)
	return evts, nil
}

// QueueHealth returns aggregate pipeline counters.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// TestAlert sends a test notification through the configured webhook.
func (d *Daemon) TestAlert(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.WebhookURL) == "" {
		return false, "notifications.webhook_url is not configured", nil
	}
	err := d.notifier.Send(ctx, notifications.Alert{
		Severity: notifications.SeverityInfo,
		Title:    "Fringe - Test Alert",
		Message:  "alert delivery test",
	})
	if err != nil {
		return false, "failed to deliver test alert", err
	}
	return true, "test alert delivered", nil
}

func (d *Daemon) publish(evt events.Event) {
	if d.bus != nil {
		d.bus.Publish(evt)
	}
}
