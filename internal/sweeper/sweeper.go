// Package sweeper reconciles artifact storage against the product registry
// on a periodic, single-instance schedule. A sweep repairs what it safely
// can: orphan artifacts whose fingerprint can be recomputed from the name are
// re-registered, and rows whose artifacts reappeared are healed. Everything
// else is flagged as an anomaly for an operator. Sweeps never delete
// artifacts or registry rows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"fringe/internal/capture"
	"fringe/internal/config"
	"fringe/internal/events"
	"fringe/internal/fileutil"
	"fringe/internal/logging"
	"fringe/internal/metrics"
	"fringe/internal/queue"
	"fringe/internal/services"
)

// ErrSweepActive is returned when a sweep is requested while another is
// already running.
var ErrSweepActive = errors.New("a sweep is already running")

// Report summarizes one reconciliation pass.
type Report struct {
	ArtifactsSeen int   `json:"artifacts_seen"`
	Registered    int   `json:"registered"`
	Healed        int   `json:"healed"`
	Orphans       int   `json:"orphans"`
	Dangling      int   `json:"dangling"`
	PrunedJobs    int64 `json:"pruned_jobs"`
	FreeBytes     int64 `json:"free_bytes"`
}

// Sweeper runs reconciliation passes.
type Sweeper struct {
	cfg    *config.Config
	store  *queue.Store
	bus    *events.Bus
	logger *slog.Logger

	interval  time.Duration
	retention time.Duration
	lowSpace  int64

	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper constructs a sweeper from configuration.
func NewSweeper(cfg *config.Config, store *queue.Store, bus *events.Bus, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sweeper{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		logger:    logger.With(logging.String("component", "sweeper")),
		interval:  cfg.SweepInterval(),
		retention: cfg.QueueRetention(),
		lowSpace:  int64(cfg.Sweeper.LowSpaceGiB) << 30,
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop terminates the sweep loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSweepActive) {
		s.logger.Error("sweep failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "sweep_failed"),
			logging.String(logging.FieldErrorHint, "check artifact directory and state database access"),
		)
	}
}

// Sweep runs one reconciliation pass. Only one pass runs at a time; a second
// caller gets ErrSweepActive instead of queueing behind the first.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.runMu.TryLock() {
		return Report{}, ErrSweepActive
	}
	defer s.runMu.Unlock()

	// Every log line of one pass shares a correlation id.
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, s.logger)

	started := time.Now()
	metrics.SweepRuns.Inc()

	var report Report
	if err := s.scanArtifacts(ctx, &report); err != nil {
		return report, err
	}
	if err := s.checkRegistry(ctx, &report); err != nil {
		return report, err
	}
	if s.retention > 0 {
		pruned, err := s.store.PruneTerminal(ctx, s.retention)
		if err != nil {
			return report, fmt.Errorf("prune terminal jobs: %w", err)
		}
		report.PrunedJobs = pruned
	}
	s.reportHeadroom(logger, &report)

	duration := time.Since(started)
	metrics.SweepDuration.Observe(duration.Seconds())

	s.publish(events.Event{Type: events.TypeSweepCompleted, Message: "reconciliation sweep completed"}.
		WithInt("artifacts_seen", int64(report.ArtifactsSeen)).
		WithInt("registered", int64(report.Registered)).
		WithInt("healed", int64(report.Healed)).
		WithInt("orphans", int64(report.Orphans)).
		WithInt("dangling", int64(report.Dangling)).
		WithInt("pruned_jobs", report.PrunedJobs))
	logger.Info("sweep completed",
		logging.Int("artifacts_seen", report.ArtifactsSeen),
		logging.Int("registered", report.Registered),
		logging.Int("healed", report.Healed),
		logging.Int("orphans", report.Orphans),
		logging.Int("dangling", report.Dangling),
		logging.Int64("pruned_jobs", report.PrunedJobs),
		logging.Duration("duration", duration),
	)
	return report, nil
}

// scanArtifacts walks the artifact directory looking for measurement sets
// the registry does not know about.
func (s *Sweeper) scanArtifacts(ctx context.Context, report *Report) error {
	logger := logging.WithContext(ctx, s.logger)
	entries, err := os.ReadDir(s.cfg.Paths.ArtifactDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read artifact directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !strings.HasSuffix(entry.Name(), capture.ArtifactExt) {
			continue
		}
		report.ArtifactsSeen++
		path := filepath.Join(s.cfg.Paths.ArtifactDir, entry.Name())

		groupKey, ok := capture.GroupKeyFromArtifact(path)
		if !ok {
			report.Orphans++
			s.flagOrphan(ctx, path, "artifact name does not encode a capture timestamp")
			continue
		}
		fingerprint := capture.Fingerprint(groupKey)

		product, err := s.store.ProductByFingerprint(ctx, fingerprint)
		if err != nil {
			return fmt.Errorf("look up product for %s: %w", path, err)
		}
		if product != nil {
			continue
		}

		size, err := fileutil.Size(path)
		if err != nil || size == 0 {
			report.Orphans++
			s.flagOrphan(ctx, path, "artifact is empty or unreadable")
			continue
		}
		checksum := ""
		if !entry.IsDir() {
			if sum, err := fileutil.Checksum(path); err == nil {
				checksum = sum
			}
		}

		if _, err := s.store.RegisterReconciled(ctx, fingerprint, groupKey, path, size, checksum); err != nil {
			return fmt.Errorf("re-register %s: %w", path, err)
		}
		report.Registered++
		metrics.SweepFindings.WithLabelValues("reregistered").Inc()
		s.publish(events.GroupEvent(events.TypeProductRegistered, groupKey, "orphan artifact re-registered").
			WithField("artifact", path).
			WithField("fingerprint", fingerprint))
		logger.Info("orphan artifact re-registered",
			logging.String(logging.FieldGroupKey, groupKey),
			logging.String("artifact", path),
			logging.Int64("byte_size", size),
		)
	}
	return nil
}

// checkRegistry stats every registered artifact path, marking rows whose
// artifacts vanished and healing rows whose artifacts came back.
func (s *Sweeper) checkRegistry(ctx context.Context, report *Report) error {
	logger := logging.WithContext(ctx, s.logger)
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}

	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, statErr := os.Stat(product.ArtifactPath)
		switch {
		case statErr == nil:
			if product.Stored {
				continue
			}
			cleared, err := s.store.ClearProductMissing(ctx, product.Fingerprint)
			if err != nil {
				return fmt.Errorf("heal product %s: %w", product.Fingerprint, err)
			}
			if !cleared {
				continue
			}
			report.Healed++
			metrics.SweepFindings.WithLabelValues("healed").Inc()
			s.publish(events.GroupEvent(events.TypeProductRegistered, product.GroupKey, "missing artifact reappeared").
				WithField("artifact", product.ArtifactPath).
				WithField("fingerprint", product.Fingerprint))
			logger.Info("missing artifact reappeared; registry row healed",
				logging.String(logging.FieldGroupKey, product.GroupKey),
				logging.String("artifact", product.ArtifactPath),
			)
		case errors.Is(statErr, fs.ErrNotExist):
			report.Dangling++
			marked, err := s.store.MarkProductMissing(ctx, product.Fingerprint)
			if err != nil {
				return fmt.Errorf("mark product missing %s: %w", product.Fingerprint, err)
			}
			anomaly, created, err := s.store.RecordAnomaly(ctx, queue.ScopeRegistry, product.Fingerprint,
				queue.AnomalyDanglingRecord,
				fmt.Sprintf("registered artifact %s is gone from storage", product.ArtifactPath))
			if err != nil {
				return fmt.Errorf("record dangling anomaly: %w", err)
			}
			if marked {
				metrics.SweepFindings.WithLabelValues("dangling_record").Inc()
				evt := events.GroupEvent(events.TypeProductMissing, product.GroupKey, "registered artifact missing from storage").
					WithField("artifact", product.ArtifactPath).
					WithField("fingerprint", product.Fingerprint)
				if created {
					evt = evt.WithInt("anomaly_id", anomaly.ID)
				}
				s.publish(evt)
				logger.Warn("registered artifact missing from storage",
					logging.String(logging.FieldGroupKey, product.GroupKey),
					logging.String("artifact", product.ArtifactPath),
					logging.String(logging.FieldEventType, "product_missing"),
					logging.String(logging.FieldImpact, "the registry row is kept; restore or retire the artifact"),
				)
			}
		default:
			logger.Warn("could not stat registered artifact",
				logging.String("artifact", product.ArtifactPath),
				logging.Error(statErr),
			)
		}
	}
	return nil
}

// flagOrphan files an artifact-scoped anomaly; dedup happens in the store,
// so repeat sweeps do not multiply findings.
func (s *Sweeper) flagOrphan(ctx context.Context, path, detail string) {
	logger := logging.WithContext(ctx, s.logger)
	anomaly, created, err := s.store.RecordAnomaly(ctx, queue.ScopeArtifact, path, queue.AnomalyOrphanArtifact, detail)
	if err != nil {
		logger.Error("failed to record orphan anomaly",
			logging.String("artifact", path),
			logging.Error(err),
		)
		return
	}
	if !created {
		return
	}
	metrics.SweepFindings.WithLabelValues("orphan_artifact").Inc()
	s.publish(events.Event{Type: events.TypeAnomalyRecorded, Message: "orphan artifact flagged"}.
		WithField("kind", string(queue.AnomalyOrphanArtifact)).
		WithField("artifact", path).
		WithInt("anomaly_id", anomaly.ID))
	logger.Warn("orphan artifact flagged",
		logging.String("artifact", path),
		logging.String("detail", detail),
		logging.String(logging.FieldEventType, "orphan_artifact"),
		logging.String(logging.FieldErrorHint, "inspect with: fringe anomalies"),
	)
}

// reportHeadroom records free space on the artifact volume. Low headroom is
// reported, never acted on.
func (s *Sweeper) reportHeadroom(logger *slog.Logger, report *Report) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.cfg.Paths.ArtifactDir, &stat); err != nil {
		logger.Debug("statfs on artifact directory failed", logging.Error(err))
		return
	}
	report.FreeBytes = int64(stat.Bavail) * int64(stat.Bsize)
	if s.lowSpace > 0 && report.FreeBytes < s.lowSpace {
		logger.Warn("artifact volume is low on space",
			logging.Int64("free_bytes", report.FreeBytes),
			logging.Int64("low_space_bytes", s.lowSpace),
			logging.String(logging.FieldEventType, "low_disk_space"),
			logging.String(logging.FieldImpact, "conversions may start failing when the volume fills"),
		)
	}
}

func (s *Sweeper) publish(evt events.Event) {
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}
