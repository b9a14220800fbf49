package grouping_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fringe/internal/capture"
	"fringe/internal/events"
	"fringe/internal/grouping"
	"fringe/internal/queue"
	"fringe/internal/testsupport"
)

func TestReconcileGroupsJitteredFragmentsTogether(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(4), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(5*time.Second), 1, "/data/a_sb01.hdf5", 128)

	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if summary.Opened != 1 {
		t.Fatalf("expected one new group, got %d", summary.Opened)
	}
	if summary.Assigned != 2 {
		t.Fatalf("expected both fragments assigned, got %d", summary.Assigned)
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if groups[0].MemberCount != 2 {
		t.Fatalf("expected 2 members, got %d", groups[0].MemberCount)
	}
	if groups[0].Status != queue.GroupOpen {
		t.Fatalf("expected group still open, got %s", groups[0].Status)
	}
}

func TestReconcileSeparatesFragmentsOutsideTolerance(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(4), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(2*time.Minute), 0, "/data/b_sb00.hdf5", 128)

	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
}

func TestTieBreakPrefersCloserThenEarlierAnchor(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(8), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	// Two anchors 100s apart so both groups stay distinct, with later
	// fragments landing inside both tolerance windows.
	first := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	second := first.Add(100 * time.Second)
	testsupport.ObserveFragment(t, store, first, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, second, 0, "/data/b_sb00.hdf5", 128)
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("seed Reconcile failed: %v", err)
	}

	// 40s past the first anchor: 40s vs 60s, the closer (first) anchor wins.
	closer := testsupport.ObserveFragment(t, store, first.Add(40*time.Second), 1, "/data/a_sb01.hdf5", 128)
	// Exactly between the anchors: equidistant, the earlier anchor wins.
	equidistant := testsupport.ObserveFragment(t, store, first.Add(50*time.Second), 2, "/data/a_sb02.hdf5", 128)
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	firstGroup, err := store.GroupByKey(ctx, capture.GroupKey(first))
	if err != nil || firstGroup == nil {
		t.Fatalf("first group lookup failed: %v", err)
	}
	for _, frag := range []*queue.Fragment{closer, equidistant} {
		assigned, err := store.FragmentByIdentity(ctx, frag.CaptureTime, frag.Ordinal)
		if err != nil {
			t.Fatalf("FragmentByIdentity failed: %v", err)
		}
		if assigned.GroupID == nil || *assigned.GroupID != firstGroup.ID {
			t.Fatalf("expected fragment ordinal %d in group %d, got %v", frag.Ordinal, firstGroup.ID, assigned.GroupID)
		}
	}
}

func TestCompleteGroupEnqueuesExactlyOneJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(4), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(32)
	engine := grouping.NewEngine(cfg, store, bus, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	for ordinal := 0; ordinal < 4; ordinal++ {
		testsupport.ObserveFragment(t, store, anchor.Add(time.Duration(ordinal)*time.Second), ordinal,
			fmt.Sprintf("/data/a_sb%02d.hdf5", ordinal), 128)
	}

	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Fatalf("expected one completed group, got %d", summary.Completed)
	}

	groupKey := capture.GroupKey(anchor)
	job, err := store.JobByKey(ctx, capture.Fingerprint(groupKey))
	if err != nil {
		t.Fatalf("JobByKey failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a conversion job keyed by the group fingerprint")
	}
	payload, err := job.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if payload.GroupKey != groupKey {
		t.Fatalf("expected payload group %s, got %s", groupKey, payload.GroupKey)
	}
	if len(payload.FragmentPaths) != 4 || payload.FragmentPaths[0] != "/data/a_sb00.hdf5" || payload.FragmentPaths[3] != "/data/a_sb03.hdf5" {
		t.Fatalf("expected subband-ordered fragment paths, got %v", payload.FragmentPaths)
	}

	// A second pass over the now-complete group must not enqueue again.
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(jobs))
	}

	tail, _ := bus.Tail(32)
	var sawCompleted, sawEnqueued bool
	for _, evt := range tail {
		switch evt.Type {
		case events.TypeGroupCompleted:
			sawCompleted = true
		case events.TypeJobEnqueued:
			sawEnqueued = true
		}
	}
	if !sawCompleted || !sawEnqueued {
		t.Fatalf("expected completion and enqueue events, got %#v", tail)
	}
}

func TestIncompleteGroupGoesStaleWithoutJob(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithExpectedFragments(4),
		testsupport.WithTolerance(60),
		testsupport.WithStaleAfter(0),
	)
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(32)
	engine := grouping.NewEngine(cfg, store, bus, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	// Only three of four members, reference fragment among them.
	for ordinal := 0; ordinal < 3; ordinal++ {
		testsupport.ObserveFragment(t, store, anchor.Add(time.Duration(ordinal)*time.Second), ordinal,
			fmt.Sprintf("/data/a_sb%02d.hdf5", ordinal), 128)
	}

	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if summary.Stale != 1 {
		t.Fatalf("expected one stale group, got %d", summary.Stale)
	}

	group, err := store.GroupByKey(ctx, capture.GroupKey(anchor))
	if err != nil || group == nil {
		t.Fatalf("group lookup failed: %v", err)
	}
	if group.Status != queue.GroupStale {
		t.Fatalf("expected stale group, got %s", group.Status)
	}

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs for a stale group, got %d", len(jobs))
	}

	// Reference fragment arrived, so no missing-reference anomaly.
	anomalies, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies, got %#v", anomalies)
	}
}

func TestStaleWithoutReferenceRecordsAnomaly(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithExpectedFragments(4),
		testsupport.WithTolerance(60),
		testsupport.WithStaleAfter(0),
	)
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	// Ordinals 1..3 only: the reference subband never arrives.
	for ordinal := 1; ordinal < 4; ordinal++ {
		testsupport.ObserveFragment(t, store, anchor.Add(time.Duration(ordinal)*time.Second), ordinal,
			fmt.Sprintf("/data/a_sb%02d.hdf5", ordinal), 128)
	}

	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}

	groupKey := capture.GroupKey(anchor.Add(time.Second))
	anomalies, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, groupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != queue.AnomalyMissingReference {
		t.Fatalf("expected one missing_reference anomaly, got %#v", anomalies)
	}
}

func TestDuplicateOrdinalBlocksCompleteness(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(2), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(10*time.Second), 0, "/data/dup_sb00.hdf5", 128)

	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	group, err := store.GroupByKey(ctx, capture.GroupKey(anchor))
	if err != nil || group == nil {
		t.Fatalf("group lookup failed: %v", err)
	}
	// Exact-count is satisfied but the duplicate blocks completion.
	if group.MemberCount != 2 {
		t.Fatalf("expected 2 members, got %d", group.MemberCount)
	}
	if group.Status != queue.GroupOpen {
		t.Fatalf("expected group to stay open, got %s", group.Status)
	}

	anomalies, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != queue.AnomalyDuplicateOrdinal {
		t.Fatalf("expected one duplicate_ordinal anomaly, got %#v", anomalies)
	}

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no job while the duplicate is unresolved, got %d", len(jobs))
	}

	// Resolving the anomaly row does not remove the duplicate member, so the
	// next pass re-detects and re-files it; the group can only age to Stale.
	if _, err := store.ResolveAnomaly(ctx, anomalies[0].ID); err != nil {
		t.Fatalf("ResolveAnomaly failed: %v", err)
	}
	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("post-resolution Reconcile failed: %v", err)
	}
	if summary.Completed != 0 || summary.Anomalies != 1 {
		t.Fatalf("expected the duplicate to be re-filed instead of completing, got %+v", summary)
	}
}

func TestCardinalityRefusalRaisesAnomaly(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(2), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	// Duplicate ordinals hold the group open at full cardinality.
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(10*time.Second), 0, "/data/dup_sb00.hdf5", 128)
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("seed Reconcile failed: %v", err)
	}

	extra := testsupport.ObserveFragment(t, store, anchor.Add(20*time.Second), 1, "/data/a_sb01.hdf5", 128)
	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if summary.Skipped != 1 {
		t.Fatalf("expected the overflow fragment to be skipped, got %+v", summary)
	}

	group, err := store.GroupByKey(ctx, capture.GroupKey(anchor))
	if err != nil || group == nil {
		t.Fatalf("group lookup failed: %v", err)
	}
	if group.MemberCount != 2 {
		t.Fatalf("expected membership capped at 2, got %d", group.MemberCount)
	}

	refused, err := store.FragmentByIdentity(ctx, extra.CaptureTime, extra.Ordinal)
	if err != nil {
		t.Fatalf("FragmentByIdentity failed: %v", err)
	}
	if refused.GroupID != nil {
		t.Fatal("expected the overflow fragment to stay unassigned")
	}

	anomalies, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	var sawCardinality bool
	for _, anomaly := range anomalies {
		if anomaly.Kind == queue.AnomalyCardinalityExceeded {
			sawCardinality = true
		}
	}
	if !sawCardinality {
		t.Fatalf("expected a cardinality_exceeded anomaly, got %#v", anomalies)
	}
}

func TestImpossibleOrdinalRecordsAnomaly(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(2), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(time.Second), 9, "/data/a_sb09.hdf5", 128)

	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	group, err := store.GroupByKey(ctx, capture.GroupKey(anchor))
	if err != nil || group == nil {
		t.Fatalf("group lookup failed: %v", err)
	}
	if group.Status != queue.GroupOpen {
		t.Fatalf("expected group blocked open, got %s", group.Status)
	}
	anomalies, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != queue.AnomalyImpossibleOrdinal {
		t.Fatalf("expected one impossible_ordinal anomaly, got %#v", anomalies)
	}
}

func TestLateArrivalForClosedGroupStaysUnassigned(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(2), testsupport.WithTolerance(60))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)
	ctx := context.Background()

	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	testsupport.ObserveFragment(t, store, anchor, 0, "/data/a_sb00.hdf5", 128)
	testsupport.ObserveFragment(t, store, anchor.Add(time.Second), 1, "/data/a_sb01.hdf5", 128)
	if _, err := engine.Reconcile(ctx); err != nil {
		t.Fatalf("seed Reconcile failed: %v", err)
	}

	// Same capture second as the completed group's anchor: the derived key
	// collides so the fragment cannot open a fresh group.
	late := testsupport.ObserveFragment(t, store, anchor, 5, "/data/late_sb05.hdf5", 128)
	summary, err := engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Opened != 0 {
		t.Fatalf("expected the late fragment skipped without opening a group, got %+v", summary)
	}

	frag, err := store.FragmentByIdentity(ctx, late.CaptureTime, late.Ordinal)
	if err != nil {
		t.Fatalf("FragmentByIdentity failed: %v", err)
	}
	if frag.GroupID != nil {
		t.Fatal("expected late fragment to remain unassigned")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithExpectedFragments(2))
	store := testsupport.MustOpenStore(t, cfg)
	engine := grouping.NewEngine(cfg, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail while running")
	}
	engine.Stop()
	// Stop is idempotent.
	engine.Stop()
}
