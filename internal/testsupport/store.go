package testsupport

import (
	"context"
	"testing"
	"time"

	"fringe/internal/config"
	"fringe/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// ObserveFragment records a fragment arrival for tests using the provided store.
func ObserveFragment(t testing.TB, store *queue.Store, capture time.Time, ordinal int, path string, size int64) *queue.Fragment {
	t.Helper()

	frag, _, err := store.ObserveFragment(context.Background(), queue.FragmentArrival{
		CaptureTime: capture,
		Ordinal:     ordinal,
		Path:        path,
		ByteSize:    size,
	})
	if err != nil {
		t.Fatalf("store.ObserveFragment: %v", err)
	}
	return frag
}

// EnqueueJob inserts a pending conversion job for tests and returns it.
func EnqueueJob(t testing.TB, store *queue.Store, key, groupKey string, paths []string) *queue.Job {
	t.Helper()

	job, _, err := store.Enqueue(context.Background(), key, queue.ConversionPayload{
		GroupKey:      groupKey,
		FragmentPaths: paths,
	})
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return job
}
