package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = "id, idempotency_key, group_key, state, attempts, max_attempts, payload_json, lease_owner, lease_expires_at, lease_seconds, next_eligible_at, last_heartbeat, error_message, resolution_note, resolved_at, created_at, updated_at, started_at, finished_at"

// leaseClaimRetries bounds how many candidate rows a single Lease call will
// contend for before reporting no work.
const leaseClaimRetries = 5

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id             int64
		key            string
		groupKey       string
		stateStr       string
		attempts       int
		maxAttempts    int
		payloadRaw     string
		leaseOwner     sql.NullString
		leaseExpiryRaw sql.NullString
		leaseSeconds   sql.NullInt64
		nextEligible   sql.NullString
		lastHeartbeat  sql.NullString
		errorMessage   sql.NullString
		resolutionNote sql.NullString
		resolvedRaw    sql.NullString
		createdRaw     string
		updatedRaw     string
		startedRaw     sql.NullString
		finishedRaw    sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&key,
		&groupKey,
		&stateStr,
		&attempts,
		&maxAttempts,
		&payloadRaw,
		&leaseOwner,
		&leaseExpiryRaw,
		&leaseSeconds,
		&nextEligible,
		&lastHeartbeat,
		&errorMessage,
		&resolutionNote,
		&resolvedRaw,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:             id,
		IdempotencyKey: key,
		GroupKey:       groupKey,
		State:          State(stateStr),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		PayloadJSON:    payloadRaw,
		LeaseOwner:     leaseOwner.String,
		ErrorMessage:   errorMessage.String,
		ResolutionNote: resolutionNote.String,
	}
	if leaseSeconds.Valid {
		job.LeaseSeconds = int(leaseSeconds.Int64)
	}
	job.LeaseExpiresAt = timePtr(leaseExpiryRaw.String, leaseExpiryRaw.Valid)
	job.NextEligibleAt = timePtr(nextEligible.String, nextEligible.Valid)
	job.LastHeartbeat = timePtr(lastHeartbeat.String, lastHeartbeat.Valid)
	job.ResolvedAt = timePtr(resolvedRaw.String, resolvedRaw.Valid)
	job.StartedAt = timePtr(startedRaw.String, startedRaw.Valid)
	job.FinishedAt = timePtr(finishedRaw.String, finishedRaw.Valid)
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func jobByIDWith(ctx context.Context, q rowQuerier, id int64) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by id: %w", err)
	}
	return job, nil
}

// JobByID fetches a job by identifier.
func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	return jobByIDWith(ctx, s.db, id)
}

// JobByKey returns the newest job carrying an idempotency key. Older
// dead-lettered rows for the same key are reachable through ListJobs.
func (s *Store) JobByKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ? ORDER BY id DESC LIMIT 1`,
		key,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job by key: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by state set (or all jobs when no state is
// provided), oldest first.
func (s *Store) ListJobs(ctx context.Context, states ...State) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at, id`

	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeadLetters returns unresolved dead-lettered jobs, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND resolved_at IS NULL ORDER BY created_at, id`,
		StateDeadLettered,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Enqueue inserts a pending conversion job. If a live job (any state other
// than dead-lettered) already carries the key, that job is returned unchanged
// and created is false. An unresolved dead letter on the key rejects the
// enqueue with ErrDeadLetterBlocked until an operator resolves it.
func (s *Store) Enqueue(ctx context.Context, key string, payload ConversionPayload) (*Job, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, errors.New("idempotency key is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, false, err
	}

	var (
		job     *Job
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, created, err = s.enqueueTx(ctx, tx, key, payload)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, key string, payload ConversionPayload) (*Job, bool, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ? AND state != ? LIMIT 1`,
		key, StateDeadLettered,
	)
	existing, err := scanJob(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("check live job: %w", err)
	}

	var blocked int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM jobs WHERE idempotency_key = ? AND state = ? AND resolved_at IS NULL`,
		key, StateDeadLettered,
	).Scan(&blocked); err != nil {
		return nil, false, fmt.Errorf("check dead letters: %w", err)
	}
	if blocked > 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrDeadLetterBlocked, key)
	}

	encoded, err := payload.Encode()
	if err != nil {
		return nil, false, err
	}
	now := formatTime(time.Now())
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO jobs (idempotency_key, group_key, state, attempts, max_attempts, payload_json, created_at, updated_at)
         VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		key, payload.GroupKey, StatePending, s.maxAttempts, encoded, now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	job, err := jobByIDWith(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Lease atomically claims one eligible job for a worker. Eligible means
// pending, retrying with an elapsed backoff, or holding an expired lease
// (crash recovery). Pending and retry-due jobs are preferred over expired
// leases; ties go to the oldest creation time. Returns nil when no job is
// eligible; callers poll with backoff.
func (s *Store) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, errors.New("worker id is required")
	}
	if leaseDuration <= 0 {
		leaseDuration = s.defaultLease
	}

	ctx = ensureContext(ctx)
	for attempt := 0; attempt < leaseClaimRetries; attempt++ {
		now := time.Now()
		nowStr := formatTime(now)

		var id int64
		err := s.db.QueryRowContext(
			ctx,
			`SELECT id FROM jobs
             WHERE state = ?
                OR (state = ? AND next_eligible_at IS NOT NULL AND next_eligible_at <= ?)
                OR (state IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
             ORDER BY CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END, created_at, id
             LIMIT 1`,
			StatePending,
			StateRetrying, nowStr,
			StateLeased, StateRunning, nowStr,
			StateLeased, StateRunning,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select eligible job: %w", err)
		}

		res, err := s.execWithRetry(
			ctx,
			`UPDATE jobs
             SET state = ?, lease_owner = ?, lease_expires_at = ?, lease_seconds = ?,
                 attempts = attempts + 1, next_eligible_at = NULL, last_heartbeat = ?, updated_at = ?
             WHERE id = ?
               AND (state = ?
                    OR (state = ? AND next_eligible_at IS NOT NULL AND next_eligible_at <= ?)
                    OR (state IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?))`,
			StateLeased, workerID, formatTime(now.Add(leaseDuration)), int(leaseDuration/time.Second),
			nowStr, nowStr,
			id,
			StatePending,
			StateRetrying, nowStr,
			StateLeased, StateRunning, nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			// Another worker claimed the candidate between select and update.
			continue
		}
		return s.JobByID(ctx, id)
	}
	return nil, nil
}

// MarkRunning transitions a leased job to running. Fails with ErrLeaseLost if
// the caller no longer owns the lease.
func (s *Store) MarkRunning(ctx context.Context, jobID int64, workerID string) (*Job, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET state = ?, started_at = COALESCE(started_at, ?), updated_at = ?
         WHERE id = ? AND lease_owner = ? AND state = ?`,
		StateRunning, now, now, jobID, workerID, StateLeased,
	)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrLeaseLost
	}
	return s.JobByID(ctx, jobID)
}

// Heartbeat extends the caller's lease by the duration granted at lease time.
// Ownership is the only check: a worker that still owns an expired-but-not-
// reclaimed lease renews it successfully; a worker whose job was reclaimed
// gets ErrLeaseLost and must stop work immediately.
func (s *Store) Heartbeat(ctx context.Context, jobID int64, workerID string) error {
	var leaseSeconds sql.NullInt64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT lease_seconds FROM jobs WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
		jobID, workerID, StateLeased, StateRunning,
	).Scan(&leaseSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("load lease: %w", err)
	}

	duration := s.defaultLease
	if leaseSeconds.Valid && leaseSeconds.Int64 > 0 {
		duration = time.Duration(leaseSeconds.Int64) * time.Second
	}
	now := time.Now()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET lease_expires_at = ?, last_heartbeat = ?, updated_at = ?
         WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
		formatTime(now.Add(duration)), formatTime(now), formatTime(now),
		jobID, workerID, StateLeased, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete validates lease ownership, transitions the job to Completed, and
// registers the product row in the same transaction. No observable state holds
// a completed job without its registry row or vice versa.
func (s *Store) Complete(ctx context.Context, jobID int64, workerID string, result ConversionResult) (*Job, error) {
	if result.ArtifactPath == "" {
		return nil, errors.New("artifact path is required")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var key, groupKey string
		err := tx.QueryRowContext(
			ctx,
			`SELECT idempotency_key, group_key FROM jobs WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
			jobID, workerID, StateLeased, StateRunning,
		).Scan(&key, &groupKey)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		now := formatTime(time.Now())
		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs
             SET state = ?, lease_owner = NULL, lease_expires_at = NULL, last_heartbeat = NULL,
                 error_message = NULL, finished_at = ?, updated_at = ?
             WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
			StateCompleted, now, now, jobID, workerID, StateLeased, StateRunning,
		)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrLeaseLost
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO products (fingerprint, group_key, job_id, artifact_path, byte_size, checksum, dec_degrees, provenance, stored, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
             ON CONFLICT(fingerprint) DO UPDATE SET
                 job_id = excluded.job_id,
                 artifact_path = excluded.artifact_path,
                 byte_size = excluded.byte_size,
                 checksum = excluded.checksum,
                 dec_degrees = excluded.dec_degrees,
                 provenance = excluded.provenance,
                 stored = 1,
                 missing_since = NULL,
                 updated_at = excluded.updated_at`,
			key, groupKey, jobID, result.ArtifactPath, result.ByteSize,
			nullableString(result.Checksum), nullableFloat(result.DecDegrees), ProvenanceConverted, now, now,
		); err != nil {
			return fmt.Errorf("register product: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.JobByID(ctx, jobID)
}

// Fail records a worker-reported failure. Retryable failures within the
// attempt budget schedule a retry with exponential backoff; everything else
// dead-letters the job with the terminal error preserved for inspection.
func (s *Store) Fail(ctx context.Context, jobID int64, workerID, cause string, retryable bool) (*Job, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		err := tx.QueryRowContext(
			ctx,
			`SELECT attempts, max_attempts FROM jobs WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
			jobID, workerID, StateLeased, StateRunning,
		).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		now := time.Now()
		nowStr := formatTime(now)
		var res sql.Result
		if retryable && attempts < maxAttempts {
			delay := retryDelay(s.retryBackoff, s.retryBackoffMax, attempts)
			res, err = tx.ExecContext(
				ctx,
				`UPDATE jobs
                 SET state = ?, next_eligible_at = ?, error_message = ?,
                     lease_owner = NULL, lease_expires_at = NULL, last_heartbeat = NULL, updated_at = ?
                 WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
				StateRetrying, formatTime(now.Add(delay)), nullableString(cause), nowStr,
				jobID, workerID, StateLeased, StateRunning,
			)
		} else {
			res, err = tx.ExecContext(
				ctx,
				`UPDATE jobs
                 SET state = ?, error_message = ?,
                     lease_owner = NULL, lease_expires_at = NULL, last_heartbeat = NULL,
                     finished_at = ?, updated_at = ?
                 WHERE id = ? AND lease_owner = ? AND state IN (?, ?)`,
				StateDeadLettered, nullableString(cause), nowStr, nowStr,
				jobID, workerID, StateLeased, StateRunning,
			)
		}
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.JobByID(ctx, jobID)
}

// ResolveDeadLetter marks a dead-lettered job as handled by an operator.
// With requeue set, a fresh pending job is enqueued for the same key in the
// same transaction and returned; otherwise the resolved job is returned.
func (s *Store) ResolveDeadLetter(ctx context.Context, jobID int64, note string, requeue bool) (*Job, error) {
	var out *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			key         string
			payloadRaw  string
			stateStr    string
			resolvedRaw sql.NullString
		)
		err := tx.QueryRowContext(
			ctx,
			`SELECT idempotency_key, payload_json, state, resolved_at FROM jobs WHERE id = ?`,
			jobID,
		).Scan(&key, &payloadRaw, &stateStr, &resolvedRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d not found", jobID)
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if State(stateStr) != StateDeadLettered {
			return fmt.Errorf("%w: job %d is %s", ErrNotDeadLettered, jobID, stateStr)
		}
		if resolvedRaw.Valid {
			return fmt.Errorf("job %d already resolved", jobID)
		}

		now := formatTime(time.Now())
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET resolved_at = ?, resolution_note = ?, updated_at = ? WHERE id = ?`,
			now, nullableString(note), now, jobID,
		); err != nil {
			return fmt.Errorf("resolve job: %w", err)
		}

		if !requeue {
			out, err = jobByIDWith(ctx, tx, jobID)
			return err
		}
		payload, err := DecodePayload(payloadRaw)
		if err != nil {
			return err
		}
		fresh, _, err := s.enqueueTx(ctx, tx, key, payload)
		if err != nil {
			return err
		}
		out = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PruneTerminal deletes completed jobs and resolved dead letters older than
// the retention window. Unresolved dead letters are operator surface and are
// never pruned.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs
         WHERE updated_at < ?
           AND (state = ? OR (state = ? AND resolved_at IS NOT NULL))`,
		cutoff, StateCompleted, StateDeadLettered,
	)
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// retryDelay doubles the base for each completed attempt, capped at max.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
