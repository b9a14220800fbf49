package workers_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fringe/internal/capture"
	"fringe/internal/convert"
	"fringe/internal/events"
	"fringe/internal/metrics"
	"fringe/internal/queue"
	"fringe/internal/services"
	"fringe/internal/testsupport"
	"fringe/internal/workers"
)

type converterFunc func(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error)

func (f converterFunc) Convert(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error) {
	return f(ctx, payload)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func seedJob(t *testing.T, store *queue.Store, incomingDir string) (*queue.Job, string) {
	t.Helper()
	captureTime := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	groupKey := capture.GroupKey(captureTime)
	paths := []string{
		testsupport.WriteFragment(t, incomingDir, captureTime, 0, 64),
		testsupport.WriteFragment(t, incomingDir, captureTime, 1, 64),
	}
	job := testsupport.EnqueueJob(t, store, capture.Fingerprint(groupKey), groupKey, paths)
	return job, groupKey
}

func TestPoolConvertsEnqueuedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedConverter())
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 1
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(64)
	runner, err := convert.NewRunner(cfg, nil)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	pool := workers.NewPool(cfg, store, runner, bus, nil)
	ctx := context.Background()

	job, groupKey := seedJob(t, store, cfg.Paths.IncomingDir)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.JobByID(ctx, job.ID)
		return err == nil && current.State == queue.StateCompleted
	}, "job never completed")

	product, err := store.ProductByFingerprint(ctx, job.IdempotencyKey)
	if err != nil {
		t.Fatalf("ProductByFingerprint failed: %v", err)
	}
	if product == nil {
		t.Fatal("expected a product row after completion")
	}
	if product.GroupKey != groupKey {
		t.Fatalf("product group key = %s, want %s", product.GroupKey, groupKey)
	}
	if _, err := os.Stat(product.ArtifactPath); err != nil {
		t.Fatalf("artifact missing on disk: %v", err)
	}

	tail, _ := bus.Tail(20)
	var sawStarted, sawCompleted bool
	for _, evt := range tail {
		switch evt.Type {
		case events.TypeJobStarted:
			sawStarted = true
		case events.TypeJobCompleted:
			sawCompleted = true
		}
	}
	if !sawStarted || !sawCompleted {
		t.Fatalf("expected started and completed events, got started=%v completed=%v", sawStarted, sawCompleted)
	}
}

func TestPoolDeadLettersPermanentFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(3))
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 1
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(64)

	failing := converterFunc(func(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error) {
		return nil, services.Wrap(services.ErrValidation, "convert", "run", "fragment vanished", nil)
	})
	pool := workers.NewPool(cfg, store, failing, bus, nil)
	ctx := context.Background()

	job, _ := seedJob(t, store, cfg.Paths.IncomingDir)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.JobByID(ctx, job.ID)
		return err == nil && current.State == queue.StateDeadLettered
	}, "job never dead-lettered")

	final, err := store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobByID failed: %v", err)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent failures skip retries)", final.Attempts)
	}

	tail, _ := bus.Tail(20)
	var sawDeadLetter bool
	for _, evt := range tail {
		if evt.Type == events.TypeJobDeadLettered {
			sawDeadLetter = true
		}
	}
	if !sawDeadLetter {
		t.Fatal("expected a dead-letter event")
	}
}

func TestPoolRetriesTransientFailureUntilBudgetExhausted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(2), testsupport.WithRetryBackoff(0))
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 1
	store := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(64)

	var calls atomic.Int32
	flaky := converterFunc(func(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error) {
		calls.Add(1)
		return nil, services.Wrap(services.ErrExternalTool, "convert", "run", "correlator export crashed", nil)
	})
	pool := workers.NewPool(cfg, store, flaky, bus, nil)
	ctx := context.Background()

	job, _ := seedJob(t, store, cfg.Paths.IncomingDir)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.JobByID(ctx, job.ID)
		return err == nil && current.State == queue.StateDeadLettered
	}, "job never exhausted its retry budget")

	final, err := store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobByID failed: %v", err)
	}
	if final.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", final.Attempts)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("converter calls = %d, want 2", got)
	}
	if final.ErrorMessage == "" {
		t.Fatal("expected the terminal error to be preserved")
	}

	tail, _ := bus.Tail(20)
	var sawRetry bool
	for _, evt := range tail {
		if evt.Type == events.TypeJobRetrying {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Fatal("expected a retry event before the dead letter")
	}
}

func TestLeaseExpiryHandsJobToAnotherWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLeaseSeconds(1), testsupport.WithMaxAttempts(3))
	cfg.Workers.Count = 2
	cfg.Workers.PollInterval = 1
	cfg.Queue.HeartbeatInterval = 2
	store := testsupport.MustOpenStore(t, cfg)
	artifactDir := cfg.Paths.ArtifactDir
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		t.Fatalf("mkdir artifact dir: %v", err)
	}

	leasesLostBefore := testutil.ToFloat64(metrics.LeasesLost)

	var calls atomic.Int32
	stalled := converterFunc(func(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error) {
		if calls.Add(1) == 1 {
			// First holder hangs until the lost lease cancels it.
			<-ctx.Done()
			return nil, fmt.Errorf("conversion interrupted: %w", ctx.Err())
		}
		path := filepath.Join(artifactDir, payload.GroupKey+".ms")
		if err := os.WriteFile(path, []byte("ms"), 0o644); err != nil {
			return nil, err
		}
		return &convert.Result{ArtifactPath: path, ByteSize: 2, Checksum: "x"}, nil
	})
	pool := workers.NewPool(cfg, store, stalled, nil, nil)
	ctx := context.Background()

	job, _ := seedJob(t, store, cfg.Paths.IncomingDir)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 15*time.Second, func() bool {
		current, err := store.JobByID(ctx, job.ID)
		return err == nil && current.State == queue.StateCompleted
	}, "job never completed after lease handoff")

	products, err := store.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts failed: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected exactly one product, got %d", len(products))
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("converter calls = %d, want 2 (one stalled, one successful)", got)
	}

	waitFor(t, 5*time.Second, func() bool {
		return testutil.ToFloat64(metrics.LeasesLost) >= leasesLostBefore+1
	}, "lease loss never recorded")
}

func TestStopLeavesInterruptedJobForLeaseRecovery(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithLeaseSeconds(60))
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 1
	store := testsupport.MustOpenStore(t, cfg)

	started := make(chan struct{})
	blocking := converterFunc(func(ctx context.Context, payload queue.ConversionPayload) (*convert.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, fmt.Errorf("conversion interrupted: %w", ctx.Err())
	})
	pool := workers.NewPool(cfg, store, blocking, nil, nil)
	ctx := context.Background()

	job, _ := seedJob(t, store, cfg.Paths.IncomingDir)

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("conversion never started")
	}
	pool.Stop()

	current, err := store.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("JobByID failed: %v", err)
	}
	if current.State != queue.StateRunning {
		t.Fatalf("job state = %s, want %s (lease expiry recovers it later)", current.State, queue.StateRunning)
	}
	if current.LeaseOwner == "" {
		t.Fatal("expected the interrupted job to keep its lease owner")
	}

	products, err := store.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts failed: %v", err)
	}
	if len(products) != 0 {
		t.Fatalf("expected no products, got %d", len(products))
	}
}
