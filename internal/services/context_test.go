package services_test

import (
	"context"
	"testing"

	"fringe/internal/services"
)

func TestContextAnnotations(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, 42)
	ctx = services.WithGroupKey(ctx, "2025-01-15T10:30:00")
	ctx = services.WithWorkerID(ctx, "worker-1")
	ctx = services.WithRequestID(ctx, "req-9")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("job id = %d, %v; want 42, true", id, ok)
	}
	if g, ok := services.GroupKeyFromContext(ctx); !ok || g != "2025-01-15T10:30:00" {
		t.Fatalf("group key = %q, %v; want 2025-01-15T10:30:00, true", g, ok)
	}
	if w, ok := services.WorkerIDFromContext(ctx); !ok || w != "worker-1" {
		t.Fatalf("worker id = %q, %v; want worker-1, true", w, ok)
	}
	if r, ok := services.RequestIDFromContext(ctx); !ok || r != "req-9" {
		t.Fatalf("request id = %q, %v; want req-9, true", r, ok)
	}
}

func TestContextMissingValues(t *testing.T) {
	ctx := context.Background()
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected missing job id")
	}
	if _, ok := services.GroupKeyFromContext(ctx); ok {
		t.Fatal("expected missing group key")
	}
	if _, ok := services.WorkerIDFromContext(ctx); ok {
		t.Fatal("expected missing worker id")
	}
}
