// Package arrival implements the arrival indexer: every correlator fragment
// that lands in the incoming directory is validated and recorded in the
// durable index as an idempotent upsert. An inotify watcher reacts to new
// files immediately; a periodic rescan is the authoritative backstop, so a
// missed filesystem event never loses an arrival. No grouping logic lives
// here.
package arrival

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fringe/internal/capture"
	"fringe/internal/config"
	"fringe/internal/events"
	"fringe/internal/logging"
	"fringe/internal/metrics"
	"fringe/internal/queue"
	"fringe/internal/services"
)

// ScanResult summarizes one pass over the incoming directory.
type ScanResult struct {
	Observed   int `json:"observed"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Skipped    int `json:"skipped"`
}

// Indexer records fragment arrivals in the durable index.
type Indexer struct {
	cfg    *config.Config
	store  *queue.Store
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIndexer constructs an arrival indexer for the configured incoming
// directory.
func NewIndexer(cfg *config.Config, store *queue.Store, bus *events.Bus, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Indexer{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger.With(logging.String("component", "arrival")),
	}
}

// Observe validates and indexes one fragment file. Duplicate observation of
// an already-indexed fragment is a no-op reporting created=false. A non-nil
// dec is recorded as the fragment's coarse sky position; callers normally
// pass nil and leave position to the conversion result.
func (ix *Indexer) Observe(ctx context.Context, path string, dec *float64) (*queue.Fragment, bool, error) {
	name, ok := capture.ParseFragmentName(path)
	if !ok {
		return nil, false, services.Wrap(services.ErrValidation, "arrival", "observe",
			fmt.Sprintf("%q does not follow the <capture>_sbNN%s naming convention", filepath.Base(path), capture.FragmentExt), nil)
	}

	info, err := validateFragmentFile(path)
	if err != nil {
		return nil, false, err
	}

	frag, created, err := ix.store.ObserveFragment(ctx, queue.FragmentArrival{
		CaptureTime: name.CaptureTime,
		Ordinal:     name.Ordinal,
		Path:        path,
		ByteSize:    info.Size(),
		DecDegrees:  dec,
	})
	if err != nil {
		return nil, false, fmt.Errorf("index fragment %s: %w", path, err)
	}
	if created {
		metrics.FragmentsObserved.Inc()
		ix.publish(events.Event{
			Type:     events.TypeFragmentObserved,
			GroupKey: capture.GroupKey(name.CaptureTime),
			Message:  "fragment arrival indexed",
		}.WithInt("ordinal", int64(name.Ordinal)).WithField("path", path))
		ix.logger.Info("fragment arrival indexed",
			logging.String("path", path),
			logging.Int(logging.FieldOrdinal, name.Ordinal),
			logging.Int64("byte_size", info.Size()),
		)
	}
	return frag, created, nil
}

// validateFragmentFile accepts only existing, regular, readable, non-empty
// files.
func validateFragmentFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrValidation, "arrival", "observe",
				fmt.Sprintf("fragment %s does not exist", path), nil)
		}
		return nil, services.Wrap(services.ErrTransient, "arrival", "observe",
			fmt.Sprintf("stat fragment %s", path), err)
	}
	if !info.Mode().IsRegular() {
		return nil, services.Wrap(services.ErrValidation, "arrival", "observe",
			fmt.Sprintf("fragment %s is not a regular file", path), nil)
	}
	if info.Size() == 0 {
		return nil, services.Wrap(services.ErrValidation, "arrival", "observe",
			fmt.Sprintf("fragment %s is empty", path), nil)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "arrival", "observe",
			fmt.Sprintf("fragment %s is not readable", path), err)
	}
	file.Close()
	return info, nil
}

// Scan walks the incoming directory once, observing every parseable fragment
// file. Used for the bootstrap pass at daemon start and as the periodic
// rescan backstop behind the watcher.
func (ix *Indexer) Scan(ctx context.Context) (ScanResult, error) {
	var result ScanResult

	entries, err := os.ReadDir(ix.cfg.Paths.IncomingDir)
	if err != nil {
		return result, fmt.Errorf("read incoming directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(ix.cfg.Paths.IncomingDir, entry.Name())
		if _, ok := capture.ParseFragmentName(path); !ok {
			result.Skipped++
			ix.logger.Debug("skipping non-fragment file", logging.String("path", path))
			continue
		}

		_, created, err := ix.Observe(ctx, path, nil)
		switch {
		case err == nil && created:
			result.Observed++
		case err == nil:
			result.Duplicates++
		case errors.Is(err, services.ErrValidation):
			result.Rejected++
			metrics.FragmentsRejected.Inc()
			ix.logger.Warn("fragment rejected by validation",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "fragment_rejected"),
			)
		default:
			return result, err
		}
	}
	return result, nil
}

// Start launches the watcher (when enabled) and the periodic rescan loop,
// after one bootstrap scan so arrivals during downtime are recovered before
// live events are trusted.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return errors.New("arrival indexer already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.running = true
	ix.mu.Unlock()

	result, err := ix.Scan(runCtx)
	if err != nil {
		ix.mu.Lock()
		ix.running = false
		ix.cancel = nil
		ix.mu.Unlock()
		cancel()
		return fmt.Errorf("bootstrap scan: %w", err)
	}
	ix.logger.Info("bootstrap scan finished",
		logging.Int("observed", result.Observed),
		logging.Int("duplicates", result.Duplicates),
		logging.Int("rejected", result.Rejected),
		logging.Int("skipped", result.Skipped),
	)

	var watcher *fsnotify.Watcher
	if ix.cfg.Ingest.WatchEnabled {
		watcher, err = fsnotify.NewWatcher()
		if err == nil {
			err = watcher.Add(ix.cfg.Paths.IncomingDir)
		}
		if err != nil {
			// The rescan loop still indexes everything, just slower.
			ix.logger.Warn("filesystem watch unavailable; relying on periodic rescan",
				logging.Error(err),
				logging.String(logging.FieldEventType, "watch_unavailable"),
			)
			if watcher != nil {
				watcher.Close()
				watcher = nil
			}
		}
	}

	ix.wg.Add(1)
	go ix.run(runCtx, watcher)
	return nil
}

// Stop terminates the watcher and rescan loop.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.running {
		ix.mu.Unlock()
		return
	}
	cancel := ix.cancel
	ix.running = false
	ix.cancel = nil
	ix.mu.Unlock()

	cancel()
	ix.wg.Wait()
}

func (ix *Indexer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer ix.wg.Done()
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(ix.cfg.ScanInterval())
	defer ticker.Stop()

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			ix.handleWatchEvent(ctx, event)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			ix.logger.Warn("filesystem watch error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "watch_error"),
			)
		case <-ticker.C:
			if _, err := ix.Scan(ctx); err != nil && !errors.Is(err, context.Canceled) {
				ix.logger.Error("periodic rescan failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "rescan_failed"),
					logging.String(logging.FieldErrorHint, "check incoming directory permissions"),
				)
			}
		}
	}
}

// handleWatchEvent indexes files announced by inotify. Correlator writers are
// expected to move finished files into the incoming directory, so Create and
// Rename cover the normal flow. Write covers in-place writers; a file caught
// mid-copy fails validation here and the periodic rescan picks it up once it
// is complete.
func (ix *Indexer) handleWatchEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	if _, ok := capture.ParseFragmentName(event.Name); !ok {
		return
	}
	if _, _, err := ix.Observe(ctx, event.Name, nil); err != nil {
		if errors.Is(err, services.ErrValidation) {
			// Partial writes fail validation here; the rescan retries them.
			ix.logger.Debug("watched fragment not yet observable",
				logging.String("path", event.Name),
				logging.Error(err),
			)
			return
		}
		ix.logger.Error("failed to index watched fragment",
			logging.String("path", event.Name),
			logging.Error(err),
			logging.String(logging.FieldEventType, "observe_failed"),
			logging.String(logging.FieldErrorHint, "check state database access"),
		)
	}
}

func (ix *Indexer) publish(evt events.Event) {
	if ix.bus != nil {
		ix.bus.Publish(evt)
	}
}
