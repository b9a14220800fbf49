package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fringe/internal/capture"
	"fringe/internal/queue"
	"fringe/internal/testsupport"
)

func TestObserveFragmentIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	captureTime := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	frag, created, err := store.ObserveFragment(ctx, queue.FragmentArrival{
		CaptureTime: captureTime,
		Ordinal:     3,
		Path:        "/incoming/2025-01-15T12:00:00_sb03.hdf5",
		ByteSize:    1024,
	})
	if err != nil {
		t.Fatalf("ObserveFragment failed: %v", err)
	}
	if !created || frag.ID == 0 {
		t.Fatalf("expected new fragment, got created=%v %#v", created, frag)
	}

	dup, created, err := store.ObserveFragment(ctx, queue.FragmentArrival{
		CaptureTime: captureTime,
		Ordinal:     3,
		Path:        "/incoming/renamed.hdf5",
		ByteSize:    9999,
	})
	if err != nil {
		t.Fatalf("duplicate ObserveFragment failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate observation to be a no-op")
	}
	if dup.ID != frag.ID || dup.Path != frag.Path || dup.ByteSize != 1024 {
		t.Fatalf("expected original row unchanged, got %#v", dup)
	}

	other, created, err := store.ObserveFragment(ctx, queue.FragmentArrival{
		CaptureTime: captureTime,
		Ordinal:     4,
		Path:        "/incoming/2025-01-15T12:00:00_sb04.hdf5",
		ByteSize:    1024,
	})
	if err != nil {
		t.Fatalf("ObserveFragment failed: %v", err)
	}
	if !created || other.ID == frag.ID {
		t.Fatalf("expected distinct ordinal to create a row, got created=%v %#v", created, other)
	}
}

func TestObserveFragmentValidatesArrival(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	captureTime := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	if _, _, err := store.ObserveFragment(ctx, queue.FragmentArrival{CaptureTime: captureTime, Ordinal: 0}); err == nil {
		t.Fatal("expected error for missing path")
	}
	if _, _, err := store.ObserveFragment(ctx, queue.FragmentArrival{CaptureTime: captureTime, Ordinal: -1, Path: "/x"}); err == nil {
		t.Fatal("expected error for negative ordinal")
	}
	if _, _, err := store.ObserveFragment(ctx, queue.FragmentArrival{Ordinal: 0, Path: "/x"}); err == nil {
		t.Fatal("expected error for zero capture time")
	}
}

func TestAssignFragmentClaimsOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 16)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	frag := testsupport.ObserveFragment(t, store, anchor, 1, "/incoming/a.hdf5", 64)
	second := testsupport.ObserveFragment(t, store, anchor.Add(2*time.Second), 0, "/incoming/b.hdf5", 64)

	if err := store.AssignFragment(ctx, frag.ID, group.ID); err != nil {
		t.Fatalf("AssignFragment failed: %v", err)
	}
	if err := store.AssignFragment(ctx, frag.ID, group.ID); err == nil {
		t.Fatal("expected error re-assigning a claimed fragment")
	}
	if err := store.AssignFragment(ctx, second.ID, group.ID); err != nil {
		t.Fatalf("AssignFragment failed: %v", err)
	}

	unassigned, err := store.UnassignedFragments(ctx)
	if err != nil {
		t.Fatalf("UnassignedFragments failed: %v", err)
	}
	if len(unassigned) != 0 {
		t.Fatalf("expected no unassigned fragments, got %d", len(unassigned))
	}

	members, err := store.FragmentsForGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("FragmentsForGroup failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	// Subband order, not arrival order.
	if members[0].Ordinal != 0 || members[1].Ordinal != 1 {
		t.Fatalf("expected ordinal order, got %d then %d", members[0].Ordinal, members[1].Ordinal)
	}

	reloaded, err := store.GroupByID(ctx, group.ID)
	if err != nil {
		t.Fatalf("GroupByID failed: %v", err)
	}
	if reloaded.MemberCount != 2 {
		t.Fatalf("expected member count 2, got %d", reloaded.MemberCount)
	}
}

func TestCreateGroupDerivesStableKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 16)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if group.GroupKey != "2025-01-15T12:00:00" {
		t.Fatalf("unexpected group key %q", group.GroupKey)
	}
	if group.Status != queue.GroupOpen || group.ExpectedCount != 16 {
		t.Fatalf("unexpected group: %#v", group)
	}
	if !group.AnchorTime.Equal(anchor) {
		t.Fatalf("expected anchor %v, got %v", anchor, group.AnchorTime)
	}

	if _, err := store.CreateGroup(ctx, anchor, 16); err == nil {
		t.Fatal("expected duplicate anchor to violate key uniqueness")
	}

	byKey, err := store.GroupByKey(ctx, group.GroupKey)
	if err != nil {
		t.Fatalf("GroupByKey failed: %v", err)
	}
	if byKey == nil || byKey.ID != group.ID {
		t.Fatalf("expected group %d, got %#v", group.ID, byKey)
	}
}

func TestCompleteGroupEnqueuesConversionAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 2)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	payload := queue.ConversionPayload{
		GroupKey:      group.GroupKey,
		FragmentPaths: []string{"/incoming/a.hdf5", "/incoming/b.hdf5"},
	}
	job, created, err := store.CompleteGroup(ctx, group.ID, payload)
	if err != nil {
		t.Fatalf("CompleteGroup failed: %v", err)
	}
	if !created {
		t.Fatal("expected completion to enqueue a job")
	}
	if job.IdempotencyKey != capture.Fingerprint(group.GroupKey) {
		t.Fatalf("expected fingerprint key, got %q", job.IdempotencyKey)
	}
	if job.GroupKey != group.GroupKey || job.State != queue.StatePending {
		t.Fatalf("unexpected job: %#v", job)
	}

	done, err := store.GroupByID(ctx, group.ID)
	if err != nil {
		t.Fatalf("GroupByID failed: %v", err)
	}
	if done.Status != queue.GroupComplete || done.CompletedAt == nil {
		t.Fatalf("expected completed group, got %#v", done)
	}

	if _, _, err := store.CompleteGroup(ctx, group.ID, payload); err == nil {
		t.Fatal("expected error completing a non-open group")
	}
}

func TestMarkGroupStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 16)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	marked, err := store.MarkGroupStale(ctx, group.ID)
	if err != nil {
		t.Fatalf("MarkGroupStale failed: %v", err)
	}
	if !marked {
		t.Fatal("expected open group to become stale")
	}

	again, err := store.MarkGroupStale(ctx, group.ID)
	if err != nil {
		t.Fatalf("MarkGroupStale failed: %v", err)
	}
	if again {
		t.Fatal("expected second mark to be a no-op")
	}

	stale, err := store.ListGroups(ctx, queue.GroupStale)
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != group.ID {
		t.Fatalf("unexpected stale groups: %#v", stale)
	}
}

func TestGroupsInWindow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Hour, 2 * time.Hour} {
		if _, err := store.CreateGroup(ctx, base.Add(offset), 16); err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
	}

	window, err := store.GroupsInWindow(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("GroupsInWindow failed: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 groups in window, got %d", len(window))
	}
	if !window[0].AnchorTime.Equal(base) || !window[1].AnchorTime.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected window ordering: %#v", window)
	}

	open, err := store.OpenGroups(ctx)
	if err != nil {
		t.Fatalf("OpenGroups failed: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("expected 3 open groups, got %d", len(open))
	}
}

func TestRecordAnomalyDeduplicatesWhileOpen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 16)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	anomaly, created, err := store.RecordAnomaly(ctx, queue.ScopeGroup, group.GroupKey, queue.AnomalyDuplicateOrdinal, "ordinal 3 claimed twice")
	if err != nil {
		t.Fatalf("RecordAnomaly failed: %v", err)
	}
	if !created || anomaly.ID == 0 {
		t.Fatalf("expected new anomaly, got created=%v %#v", created, anomaly)
	}
	if anomaly.Scope != queue.ScopeGroup || anomaly.Subject != group.GroupKey {
		t.Fatalf("expected group-scoped anomaly for %q, got %#v", group.GroupKey, anomaly)
	}

	dup, created, err := store.RecordAnomaly(ctx, queue.ScopeGroup, group.GroupKey, queue.AnomalyDuplicateOrdinal, "ordinal 3 claimed twice")
	if err != nil {
		t.Fatalf("duplicate RecordAnomaly failed: %v", err)
	}
	if created || dup.ID != anomaly.ID {
		t.Fatalf("expected dedupe onto anomaly %d, got created=%v %#v", anomaly.ID, created, dup)
	}

	resolved, err := store.ResolveAnomaly(ctx, anomaly.ID)
	if err != nil {
		t.Fatalf("ResolveAnomaly failed: %v", err)
	}
	if !resolved {
		t.Fatal("expected anomaly to resolve")
	}
	if again, err := store.ResolveAnomaly(ctx, anomaly.ID); err != nil || again {
		t.Fatalf("expected second resolve to be a no-op, got %v %v", again, err)
	}

	// Once resolved, the same finding files a new row.
	fresh, created, err := store.RecordAnomaly(ctx, queue.ScopeGroup, group.GroupKey, queue.AnomalyDuplicateOrdinal, "ordinal 3 claimed twice")
	if err != nil {
		t.Fatalf("RecordAnomaly after resolve failed: %v", err)
	}
	if !created || fresh.ID == anomaly.ID {
		t.Fatalf("expected fresh anomaly row, got created=%v %#v", created, fresh)
	}
}

func TestAnomalyQueries(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	anchor := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	group, err := store.CreateGroup(ctx, anchor, 16)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	first, _, err := store.RecordAnomaly(ctx, queue.ScopeGroup, group.GroupKey, queue.AnomalyImpossibleOrdinal, "ordinal 40 exceeds expected 16")
	if err != nil {
		t.Fatalf("RecordAnomaly failed: %v", err)
	}
	if _, _, err := store.RecordAnomaly(ctx, queue.ScopeGroup, group.GroupKey, queue.AnomalyCardinalityExceeded, "17 members for expected 16"); err != nil {
		t.Fatalf("RecordAnomaly failed: %v", err)
	}
	if _, err := store.ResolveAnomaly(ctx, first.ID); err != nil {
		t.Fatalf("ResolveAnomaly failed: %v", err)
	}
	if _, _, err := store.RecordAnomaly(ctx, queue.ScopeArtifact, "/artifacts/junk.ms", queue.AnomalyOrphanArtifact, "artifact name does not parse"); err != nil {
		t.Fatalf("RecordAnomaly failed: %v", err)
	}

	// Scope isolates subjects: the artifact finding stays out of the group's
	// completeness check.
	open, err := store.UnresolvedAnomalies(ctx, queue.ScopeGroup, group.GroupKey)
	if err != nil {
		t.Fatalf("UnresolvedAnomalies failed: %v", err)
	}
	if len(open) != 1 || open[0].Kind != queue.AnomalyCardinalityExceeded {
		t.Fatalf("unexpected open anomalies: %#v", open)
	}

	onlyOpen, err := store.ListAnomalies(ctx, false)
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(onlyOpen) != 2 {
		t.Fatalf("expected 2 open anomalies, got %d", len(onlyOpen))
	}

	everything, err := store.ListAnomalies(ctx, true)
	if err != nil {
		t.Fatalf("ListAnomalies failed: %v", err)
	}
	if len(everything) != 3 {
		t.Fatalf("expected 3 anomalies total, got %d", len(everything))
	}
}

func TestCompleteGroupRejectsMissingGroup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	_, _, err := store.CompleteGroup(ctx, 404, queue.ConversionPayload{
		GroupKey:      "2025-01-15T12:00:00",
		FragmentPaths: []string{"/incoming/a.hdf5"},
	})
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
	if errors.Is(err, queue.ErrDeadLetterBlocked) {
		t.Fatalf("unexpected error class: %v", err)
	}
}
