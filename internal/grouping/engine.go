// Package grouping implements the temporal clustering engine. A periodic
// Reconcile pass assigns unassigned fragments to open observation groups
// within the jitter tolerance of their anchor, opens new groups where none
// fit, files data integrity anomalies, and transitions groups to Complete
// (enqueueing the conversion job atomically) or Stale.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fringe/internal/capture"
	"fringe/internal/config"
	"fringe/internal/events"
	"fringe/internal/logging"
	"fringe/internal/metrics"
	"fringe/internal/queue"
)

// ErrReconcileActive reports that a reconcile pass is already running.
// Passes never overlap; callers should treat this as "try again later".
var ErrReconcileActive = errors.New("reconcile pass already active")

// Summary describes the effects of a single reconcile pass.
type Summary struct {
	Scanned   int `json:"scanned"`
	Assigned  int `json:"assigned"`
	Opened    int `json:"opened"`
	Completed int `json:"completed"`
	Stale     int `json:"stale"`
	Anomalies int `json:"anomalies"`
	Skipped   int `json:"skipped"`
}

// Engine is the single-instance clustering engine.
type Engine struct {
	cfg    *config.Config
	store  *queue.Store
	bus    *events.Bus
	logger *slog.Logger

	expected   int
	tolerance  time.Duration
	staleAfter time.Duration
	interval   time.Duration

	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewEngine constructs a clustering engine bound to the given store and bus.
func NewEngine(cfg *config.Config, store *queue.Store, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		logger:     logger.With(logging.String("component", "grouping")),
		expected:   cfg.Ingest.ExpectedFragments,
		tolerance:  cfg.Tolerance(),
		staleAfter: cfg.StaleAfter(),
		interval:   cfg.ReconcileInterval(),
		now:        time.Now,
	}
}

// Start begins the periodic reconcile loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("grouping engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(runCtx)
	return nil
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if _, err := e.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("reconcile pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "reconcile_failed"),
				logging.String(logging.FieldErrorHint, "check state database access"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile runs one clustering pass. Passes are serialized by a run-lock; a
// second caller gets ErrReconcileActive instead of a concurrent run.
func (e *Engine) Reconcile(ctx context.Context) (Summary, error) {
	if !e.runMu.TryLock() {
		return Summary{}, ErrReconcileActive
	}
	defer e.runMu.Unlock()

	var summary Summary
	if err := e.assignFragments(ctx, &summary); err != nil {
		return summary, err
	}
	if err := e.evaluateGroups(ctx, &summary); err != nil {
		return summary, err
	}

	if summary.Assigned > 0 || summary.Opened > 0 || summary.Completed > 0 || summary.Stale > 0 || summary.Anomalies > 0 {
		e.logger.Info("reconcile pass finished",
			logging.Int("scanned", summary.Scanned),
			logging.Int("assigned", summary.Assigned),
			logging.Int("opened", summary.Opened),
			logging.Int("completed", summary.Completed),
			logging.Int("stale", summary.Stale),
			logging.Int("anomalies", summary.Anomalies),
		)
	}
	return summary, nil
}

// candidate tracks an open group during a pass so repeated store reads are
// unnecessary while assigning a batch of fragments.
type candidate struct {
	id      int64
	key     string
	anchor  time.Time
	members int
}

func (e *Engine) assignFragments(ctx context.Context, summary *Summary) error {
	fragments, err := e.store.UnassignedFragments(ctx)
	if err != nil {
		return fmt.Errorf("load unassigned fragments: %w", err)
	}
	summary.Scanned = len(fragments)
	if len(fragments) == 0 {
		return nil
	}

	open, err := e.store.OpenGroups(ctx)
	if err != nil {
		return fmt.Errorf("load open groups: %w", err)
	}
	candidates := make([]*candidate, 0, len(open))
	for _, g := range open {
		candidates = append(candidates, &candidate{id: g.ID, key: g.GroupKey, anchor: g.AnchorTime, members: g.MemberCount})
	}

	// Fragments arrive in (capture_time, ordinal) order so assignment is
	// reproducible across passes and restarts.
	for _, frag := range fragments {
		if err := ctx.Err(); err != nil {
			return err
		}
		best := closestWithinTolerance(candidates, frag.CaptureTime, e.tolerance)
		if best == nil {
			created, err := e.openGroup(ctx, frag, summary)
			if err != nil {
				return err
			}
			if created == nil {
				summary.Skipped++
				continue
			}
			candidates = append(candidates, created)
			best = created
		}

		if best.members >= e.expected {
			detail := fmt.Sprintf("fragment %s (ordinal %d) would exceed %d expected members", frag.Path, frag.Ordinal, e.expected)
			if err := e.recordAnomaly(ctx, best.key, queue.AnomalyCardinalityExceeded, detail, summary); err != nil {
				return err
			}
			summary.Skipped++
			continue
		}

		if err := e.store.AssignFragment(ctx, frag.ID, best.id); err != nil {
			return fmt.Errorf("assign fragment %d: %w", frag.ID, err)
		}
		best.members++
		summary.Assigned++
	}
	return nil
}

// closestWithinTolerance picks the open group with the smallest anchor
// distance. Equidistant anchors resolve to the earlier one, so assignment is
// reproducible regardless of candidate order.
func closestWithinTolerance(candidates []*candidate, captureTime time.Time, tolerance time.Duration) *candidate {
	var best *candidate
	var bestDist time.Duration
	for _, cand := range candidates {
		dist := captureTime.Sub(cand.anchor)
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && cand.anchor.Before(best.anchor)) {
			best = cand
			bestDist = dist
		}
	}
	return best
}

// openGroup opens a new group anchored at the fragment's capture time. A nil
// return without error means the derived key already belongs to a closed
// group: the fragment is a late arrival and stays unassigned.
func (e *Engine) openGroup(ctx context.Context, frag *queue.Fragment, summary *Summary) (*candidate, error) {
	key := capture.GroupKey(frag.CaptureTime)
	existing, err := e.store.GroupByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check group key %s: %w", key, err)
	}
	if existing != nil {
		e.logger.Warn("late arrival for closed group left unassigned",
			logging.String(logging.FieldGroupKey, key),
			logging.String("fragment", frag.Path),
			logging.String("group_status", string(existing.Status)),
			logging.String(logging.FieldEventType, "late_arrival"),
		)
		return nil, nil
	}

	group, err := e.store.CreateGroup(ctx, frag.CaptureTime, e.expected)
	if err != nil {
		return nil, fmt.Errorf("open group %s: %w", key, err)
	}
	summary.Opened++
	e.publish(events.GroupEvent(events.TypeGroupOpened, group.GroupKey, "observation group opened").
		WithInt("expected", int64(group.ExpectedCount)))
	e.logger.Info("observation group opened",
		logging.String(logging.FieldGroupKey, group.GroupKey),
		logging.Int("expected", group.ExpectedCount),
	)
	return &candidate{id: group.ID, key: group.GroupKey, anchor: group.AnchorTime, members: 0}, nil
}

func (e *Engine) evaluateGroups(ctx context.Context, summary *Summary) error {
	open, err := e.store.OpenGroups(ctx)
	if err != nil {
		return fmt.Errorf("load open groups: %w", err)
	}

	for _, group := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		members, err := e.store.FragmentsForGroup(ctx, group.ID)
		if err != nil {
			return fmt.Errorf("load members for group %s: %w", group.GroupKey, err)
		}

		if err := e.fileMemberAnomalies(ctx, group, members, summary); err != nil {
			return err
		}
		unresolved, err := e.store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
		if err != nil {
			return fmt.Errorf("load anomalies for group %s: %w", group.GroupKey, err)
		}

		switch {
		case len(members) == group.ExpectedCount && len(unresolved) == 0:
			if err := e.completeGroup(ctx, group, members, summary); err != nil {
				return err
			}
		case e.now().Sub(group.CreatedAt) > e.staleAfter:
			if err := e.markStale(ctx, group, members, summary); err != nil {
				return err
			}
		}
	}
	return nil
}

// fileMemberAnomalies reports duplicate and impossible ordinals among a
// group's members. Unresolved group anomalies block completeness, so a group
// carrying one ages into Stale unless an operator resolves it first.
func (e *Engine) fileMemberAnomalies(ctx context.Context, group *queue.Group, members []*queue.Fragment, summary *Summary) error {
	byOrdinal := make(map[int]int, len(members))
	for _, member := range members {
		byOrdinal[member.Ordinal]++
		if member.Ordinal >= group.ExpectedCount {
			detail := fmt.Sprintf("ordinal %d outside expected range 0-%d (%s)", member.Ordinal, group.ExpectedCount-1, member.Path)
			if err := e.recordAnomaly(ctx, group.GroupKey, queue.AnomalyImpossibleOrdinal, detail, summary); err != nil {
				return err
			}
		}
	}
	for ordinal, count := range byOrdinal {
		if count > 1 {
			detail := fmt.Sprintf("ordinal %d claimed by %d fragments", ordinal, count)
			if err := e.recordAnomaly(ctx, group.GroupKey, queue.AnomalyDuplicateOrdinal, detail, summary); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) completeGroup(ctx context.Context, group *queue.Group, members []*queue.Fragment, summary *Summary) error {
	ordered := make([]*queue.Fragment, len(members))
	copy(ordered, members)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	paths := make([]string, 0, len(ordered))
	for _, member := range ordered {
		paths = append(paths, member.Path)
	}

	job, created, err := e.store.CompleteGroup(ctx, group.ID, queue.ConversionPayload{
		GroupKey:      group.GroupKey,
		FragmentPaths: paths,
	})
	if err != nil {
		return fmt.Errorf("complete group %s: %w", group.GroupKey, err)
	}
	summary.Completed++
	metrics.GroupsCompleted.Inc()

	e.publish(events.GroupEvent(events.TypeGroupCompleted, group.GroupKey, "observation group complete").
		WithInt("members", int64(len(members))))
	if created {
		e.publish(events.JobEvent(events.TypeJobEnqueued, job.ID, group.GroupKey, "conversion job enqueued"))
	}
	e.logger.Info("observation group complete",
		logging.String(logging.FieldGroupKey, group.GroupKey),
		logging.Int("members", len(members)),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Bool("job_created", created),
	)
	return nil
}

func (e *Engine) markStale(ctx context.Context, group *queue.Group, members []*queue.Fragment, summary *Summary) error {
	if !hasReference(members) {
		detail := fmt.Sprintf("reference fragment (ordinal 0) never arrived; %d of %d members present", len(members), group.ExpectedCount)
		if err := e.recordAnomaly(ctx, group.GroupKey, queue.AnomalyMissingReference, detail, summary); err != nil {
			return err
		}
	}

	marked, err := e.store.MarkGroupStale(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("mark group %s stale: %w", group.GroupKey, err)
	}
	if !marked {
		return nil
	}
	summary.Stale++
	metrics.GroupsStale.Inc()

	e.publish(events.GroupEvent(events.TypeGroupStale, group.GroupKey, "observation group aged out incomplete").
		WithInt("members", int64(len(members))).
		WithInt("expected", int64(group.ExpectedCount)))
	e.logger.Warn("observation group stale",
		logging.String(logging.FieldGroupKey, group.GroupKey),
		logging.Int("members", len(members)),
		logging.Int("expected", group.ExpectedCount),
		logging.String(logging.FieldEventType, "group_stale"),
		logging.String(logging.FieldImpact, "no conversion job will be created for this capture"),
	)
	return nil
}

func (e *Engine) recordAnomaly(ctx context.Context, groupKey string, kind queue.AnomalyKind, detail string, summary *Summary) error {
	anomaly, created, err := e.store.RecordAnomaly(ctx, queue.ScopeGroup, groupKey, kind, detail)
	if err != nil {
		return fmt.Errorf("record %s anomaly for group %s: %w", kind, groupKey, err)
	}
	if !created {
		return nil
	}
	summary.Anomalies++
	metrics.AnomaliesRecorded.WithLabelValues(string(kind)).Inc()
	e.publish(events.GroupEvent(events.TypeAnomalyRecorded, groupKey, detail).
		WithField("kind", string(kind)).
		WithInt("anomaly_id", anomaly.ID))
	e.logger.Warn("data integrity anomaly recorded",
		logging.String(logging.FieldGroupKey, groupKey),
		logging.String("kind", string(kind)),
		logging.String("detail", detail),
		logging.String(logging.FieldEventType, "anomaly_recorded"),
		logging.String(logging.FieldErrorHint, "inspect with: fringe anomalies"),
	)
	return nil
}

func (e *Engine) publish(evt events.Event) {
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}

func hasReference(members []*queue.Fragment) bool {
	for _, member := range members {
		if member.Ordinal == 0 {
			return true
		}
	}
	return false
}
