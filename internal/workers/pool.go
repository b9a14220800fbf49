// Package workers runs the conversion worker pool. Each worker leases one
// job at a time, invokes the conversion collaborator under a heartbeat, and
// reports the outcome through the durable queue. Workers never share jobs;
// crash recovery happens purely through lease expiry.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fringe/internal/config"
	"fringe/internal/convert"
	"fringe/internal/events"
	"fringe/internal/logging"
	"fringe/internal/metrics"
	"fringe/internal/queue"
	"fringe/internal/services"
)

// Pool owns the worker goroutines.
type Pool struct {
	cfg       *config.Config
	store     *queue.Store
	converter convert.Converter
	bus       *events.Bus
	logger    *slog.Logger

	count        int
	lease        time.Duration
	heartbeat    time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool constructs a worker pool sized from configuration.
func NewPool(cfg *config.Config, store *queue.Store, converter convert.Converter, bus *events.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		cfg:          cfg,
		store:        store,
		converter:    converter,
		bus:          bus,
		logger:       logger.With(logging.String("component", "workers")),
		count:        cfg.Workers.Count,
		lease:        cfg.LeaseDuration(),
		heartbeat:    cfg.HeartbeatInterval(),
		pollInterval: cfg.WorkerPollInterval(),
	}
}

// Start launches the worker goroutines. Worker identities are fresh UUIDs so
// lease owners never collide across daemon restarts.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	if p.converter == nil {
		return errors.New("worker pool requires a converter")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.count)
	for i := 0; i < p.count; i++ {
		workerID := uuid.NewString()
		go p.runWorker(runCtx, workerID)
	}
	p.logger.Info("worker pool started", logging.Int("workers", p.count))
	return nil
}

// Stop terminates the pool and waits for in-flight work to unwind. Jobs
// interrupted mid-conversion keep their lease and become eligible again once
// it expires.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With(logging.String(logging.FieldWorkerID, workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.Lease(ctx, workerID, p.lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to lease next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "lease_failed"),
				logging.String(logging.FieldErrorHint, "check state database access"),
			)
			p.waitForJobOrShutdown(ctx)
			continue
		}
		if job == nil {
			p.waitForJobOrShutdown(ctx)
			continue
		}

		p.processJob(ctx, logger, workerID, job)
	}
}

func (p *Pool) waitForJobOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

// processJob drives one leased job to a terminal report. Every outcome path
// checks lease ownership; a lost lease means another worker owns the job and
// this one abandons its result.
func (p *Pool) processJob(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job) {
	jobLogger := logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldGroupKey, job.GroupKey),
	)

	payload, err := job.Payload()
	if err != nil {
		p.reportFailure(ctx, jobLogger, workerID, job,
			services.Wrap(services.ErrValidation, "workers", "decode", "job payload is not decodable", err))
		return
	}

	job, err = p.store.MarkRunning(ctx, job.ID, workerID)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			jobLogger.Warn("lease lost before conversion started",
				logging.String(logging.FieldEventType, "lease_lost"),
			)
			metrics.LeasesLost.Inc()
			return
		}
		jobLogger.Error("failed to mark job running", logging.Error(err))
		return
	}

	p.publish(events.JobEvent(events.TypeJobStarted, job.ID, job.GroupKey, "conversion started").
		WithInt("attempt", int64(job.Attempts)))
	jobLogger.Info("conversion started",
		logging.Int("attempt", job.Attempts),
		logging.Int("fragments", len(payload.FragmentPaths)),
	)

	started := time.Now()
	jobCtx := services.WithJobID(ctx, job.ID)
	jobCtx = services.WithGroupKey(jobCtx, job.GroupKey)
	jobCtx = services.WithWorkerID(jobCtx, workerID)
	execCtx, cancelExec := context.WithCancel(jobCtx)
	var leaseLost atomic.Bool
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go p.heartbeatLoop(execCtx, &hbWG, jobLogger, workerID, job.ID, &leaseLost, cancelExec)

	result, convErr := p.converter.Convert(execCtx, payload)
	cancelExec()
	hbWG.Wait()

	if leaseLost.Load() {
		jobLogger.Warn("lease expired mid-conversion; abandoning result",
			logging.String(logging.FieldEventType, "lease_lost"),
			logging.String(logging.FieldImpact, "another worker will redo this job"),
		)
		return
	}
	if convErr != nil {
		if ctx.Err() != nil {
			jobLogger.Debug("conversion interrupted by shutdown")
			return
		}
		p.reportFailure(ctx, jobLogger, workerID, job, convErr)
		return
	}

	completed, err := p.store.Complete(ctx, job.ID, workerID, queue.ConversionResult{
		ArtifactPath: result.ArtifactPath,
		ByteSize:     result.ByteSize,
		Checksum:     result.Checksum,
		DecDegrees:   result.DecDegrees,
	})
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			metrics.LeasesLost.Inc()
			jobLogger.Warn("lease lost before completion; result discarded",
				logging.String(logging.FieldEventType, "lease_lost"),
				logging.String(logging.FieldImpact, "the job will be completed by its new owner"),
			)
			return
		}
		jobLogger.Error("failed to record completion",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database access"),
		)
		return
	}

	duration := time.Since(started)
	metrics.JobsCompleted.Inc()
	metrics.JobDuration.Observe(duration.Seconds())
	p.publish(events.JobEvent(events.TypeJobCompleted, completed.ID, completed.GroupKey, "conversion completed").
		WithField("artifact", result.ArtifactPath).
		WithInt("attempt", int64(completed.Attempts)))
	jobLogger.Info("conversion completed",
		logging.String("artifact", result.ArtifactPath),
		logging.Int64("byte_size", result.ByteSize),
		logging.Duration("duration", duration),
	)
}

// heartbeatLoop renews the lease until the conversion finishes. A lost lease
// cancels the conversion; continuing would waste work the queue has already
// handed to someone else.
func (p *Pool) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, workerID string, jobID int64, leaseLost *atomic.Bool, cancelExec context.CancelFunc) {
	defer wg.Done()
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, jobID, workerID)
			if err == nil {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, queue.ErrLeaseLost) {
				leaseLost.Store(true)
				metrics.LeasesLost.Inc()
				cancelExec()
				return
			}
			logger.Warn("heartbeat failed", logging.Error(err))
		}
	}
}

// reportFailure classifies the error and records it, publishing the matching
// retry or dead-letter event.
func (p *Pool) reportFailure(ctx context.Context, logger *slog.Logger, workerID string, job *queue.Job, cause error) {
	retryable := services.Retryable(cause)
	failed, err := p.store.Fail(ctx, job.ID, workerID, cause.Error(), retryable)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			metrics.LeasesLost.Inc()
			logger.Warn("lease lost before failure could be recorded",
				logging.String(logging.FieldEventType, "lease_lost"),
			)
			return
		}
		logger.Error("failed to record job failure",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state database access"),
		)
		return
	}

	switch failed.State {
	case queue.StateDeadLettered:
		metrics.JobsDeadLettered.Inc()
		p.publish(events.JobEvent(events.TypeJobDeadLettered, failed.ID, failed.GroupKey, "job dead-lettered").
			WithField("error", cause.Error()).
			WithInt("attempts", int64(failed.Attempts)))
		logger.Error("job dead-lettered after exhausting attempts",
			logging.Error(cause),
			logging.Int("attempts", failed.Attempts),
			logging.String(logging.FieldEventType, "job_dead_lettered"),
			logging.String(logging.FieldErrorHint, "inspect with: fringe dead-letters"),
			logging.String(logging.FieldImpact, "no artifact will be produced until the job is resolved"),
		)
	default:
		metrics.JobsRetried.Inc()
		evt := events.JobEvent(events.TypeJobRetrying, failed.ID, failed.GroupKey, "job scheduled for retry").
			WithField("error", cause.Error()).
			WithInt("attempt", int64(failed.Attempts))
		if failed.NextEligibleAt != nil {
			evt = evt.WithField("next_eligible_at", failed.NextEligibleAt.UTC().Format(time.RFC3339))
		}
		p.publish(evt)
		logger.Warn("conversion failed; retry scheduled",
			logging.Error(cause),
			logging.Int("attempt", failed.Attempts),
			logging.Int("max_attempts", failed.MaxAttempts),
		)
	}
}

func (p *Pool) publish(evt events.Event) {
	if p.bus != nil {
		p.bus.Publish(evt)
	}
}

// WorkerCount reports the configured pool size.
func (p *Pool) WorkerCount() int {
	return p.count
}
