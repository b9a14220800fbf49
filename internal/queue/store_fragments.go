package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const fragmentColumns = "id, capture_time, ordinal, path, byte_size, dec_degrees, group_id, observed_at"

func scanFragment(scanner interface{ Scan(dest ...any) error }) (*Fragment, error) {
	var (
		id          int64
		captureRaw  string
		ordinal     int
		path        string
		byteSize    int64
		decDegrees  sql.NullFloat64
		groupID     sql.NullInt64
		observedRaw string
	)
	if err := scanner.Scan(&id, &captureRaw, &ordinal, &path, &byteSize, &decDegrees, &groupID, &observedRaw); err != nil {
		return nil, err
	}

	frag := &Fragment{
		ID:       id,
		Ordinal:  ordinal,
		Path:     path,
		ByteSize: byteSize,
	}
	if captureTime, err := parseTimeString(captureRaw); err == nil {
		frag.CaptureTime = captureTime
	}
	if observed, err := parseTimeString(observedRaw); err == nil {
		frag.ObservedAt = observed
	}
	if decDegrees.Valid {
		v := decDegrees.Float64
		frag.DecDegrees = &v
	}
	if groupID.Valid {
		v := groupID.Int64
		frag.GroupID = &v
	}
	return frag, nil
}

// ObserveFragment records a raw arrival. Observation is an idempotent upsert
// keyed by (capture_time, ordinal): a duplicate observation returns the
// existing row unchanged and reports created=false.
func (s *Store) ObserveFragment(ctx context.Context, arrival FragmentArrival) (*Fragment, bool, error) {
	if arrival.Path == "" {
		return nil, false, errors.New("fragment path is required")
	}
	if arrival.Ordinal < 0 {
		return nil, false, fmt.Errorf("fragment ordinal %d is negative", arrival.Ordinal)
	}
	if arrival.CaptureTime.IsZero() {
		return nil, false, errors.New("fragment capture time is required")
	}

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO fragments (capture_time, ordinal, path, byte_size, dec_degrees, observed_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(capture_time, ordinal) DO NOTHING`,
		formatTime(arrival.CaptureTime),
		arrival.Ordinal,
		arrival.Path,
		arrival.ByteSize,
		nullableFloat(arrival.DecDegrees),
		formatTime(time.Now()),
	)
	if err != nil {
		return nil, false, fmt.Errorf("observe fragment: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	frag, err := s.FragmentByIdentity(ctx, arrival.CaptureTime, arrival.Ordinal)
	if err != nil {
		return nil, false, err
	}
	if frag == nil {
		return nil, false, errors.New("fragment missing after upsert")
	}
	return frag, inserted > 0, nil
}

// FragmentByIdentity fetches a fragment by its immutable identity.
func (s *Store) FragmentByIdentity(ctx context.Context, captureTime time.Time, ordinal int) (*Fragment, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE capture_time = ? AND ordinal = ?`,
		formatTime(captureTime),
		ordinal,
	)
	frag, err := scanFragment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fragment by identity: %w", err)
	}
	return frag, nil
}

// UnassignedFragments returns fragments not yet claimed by any group, oldest
// capture first.
func (s *Store) UnassignedFragments(ctx context.Context) ([]*Fragment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE group_id IS NULL ORDER BY capture_time, ordinal`,
	)
	if err != nil {
		return nil, fmt.Errorf("query unassigned fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		frag, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}
	return fragments, rows.Err()
}

// AssignFragment claims an unassigned fragment for a group.
func (s *Store) AssignFragment(ctx context.Context, fragmentID, groupID int64) error {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE fragments SET group_id = ? WHERE id = ? AND group_id IS NULL`,
		groupID,
		fragmentID,
	)
	if err != nil {
		return fmt.Errorf("assign fragment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("fragment %d already assigned", fragmentID)
	}
	return nil
}

// FragmentsForGroup returns a group's members in subband order.
func (s *Store) FragmentsForGroup(ctx context.Context, groupID int64) ([]*Fragment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE group_id = ? ORDER BY ordinal, capture_time`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query group fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		frag, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)
	}
	return fragments, rows.Err()
}
