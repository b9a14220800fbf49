package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fringe/internal/capture"
)

const groupColumns = `g.id, g.group_key, g.anchor_time, g.status, g.expected_count,
    (SELECT COUNT(1) FROM fragments f WHERE f.group_id = g.id) AS member_count,
    g.created_at, g.updated_at, g.completed_at`

func scanGroup(scanner interface{ Scan(dest ...any) error }) (*Group, error) {
	var (
		id           int64
		groupKey     string
		anchorRaw    string
		statusStr    string
		expected     int
		members      int
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &groupKey, &anchorRaw, &statusStr, &expected, &members, &createdRaw, &updatedRaw, &completedRaw); err != nil {
		return nil, err
	}

	group := &Group{
		ID:            id,
		GroupKey:      groupKey,
		Status:        GroupStatus(statusStr),
		ExpectedCount: expected,
		MemberCount:   members,
	}
	if anchor, err := parseTimeString(anchorRaw); err == nil {
		group.AnchorTime = anchor
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		group.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		group.UpdatedAt = updated
	}
	group.CompletedAt = timePtr(completedRaw.String, completedRaw.Valid)
	return group, nil
}

// CreateGroup opens a new observation group anchored at the given timestamp.
// The group key is derived from the anchor so it stays stable however much
// individual member timestamps disagree within tolerance.
func (s *Store) CreateGroup(ctx context.Context, anchor time.Time, expected int) (*Group, error) {
	if anchor.IsZero() {
		return nil, errors.New("group anchor time is required")
	}
	if expected <= 0 {
		return nil, fmt.Errorf("expected count %d must be positive", expected)
	}

	now := formatTime(time.Now())
	key := capture.GroupKey(anchor)
	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO observation_groups (group_key, anchor_time, status, expected_count, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		key,
		formatTime(anchor),
		GroupOpen,
		expected,
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return s.GroupByKey(ctx, key)
}

// GroupByID fetches a group by identifier.
func (s *Store) GroupByID(ctx context.Context, id int64) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM observation_groups g WHERE g.id = ?`, id)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group by id: %w", err)
	}
	return group, nil
}

// GroupByKey fetches a group by its stable key.
func (s *Store) GroupByKey(ctx context.Context, key string) (*Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM observation_groups g WHERE g.group_key = ?`, key)
	group, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("group by key: %w", err)
	}
	return group, nil
}

// OpenGroups returns all groups still accepting members, oldest anchor first.
func (s *Store) OpenGroups(ctx context.Context) ([]*Group, error) {
	return s.groupsWhere(ctx, `g.status = ? ORDER BY g.anchor_time`, GroupOpen)
}

// ListGroups returns groups filtered by status (or all groups when no status
// is provided), oldest anchor first.
func (s *Store) ListGroups(ctx context.Context, statuses ...GroupStatus) ([]*Group, error) {
	if len(statuses) == 0 {
		return s.groupsWhere(ctx, `1=1 ORDER BY g.anchor_time`)
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	return s.groupsWhere(ctx, `g.status IN (`+placeholders+`) ORDER BY g.anchor_time`, args...)
}

// GroupsInWindow returns groups whose anchor falls inside [since, until).
func (s *Store) GroupsInWindow(ctx context.Context, since, until time.Time) ([]*Group, error) {
	return s.groupsWhere(
		ctx,
		`g.anchor_time >= ? AND g.anchor_time < ? ORDER BY g.anchor_time`,
		formatTime(since),
		formatTime(until),
	)
}

func (s *Store) groupsWhere(ctx context.Context, clause string, args ...any) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM observation_groups g WHERE `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// CompleteGroup transitions an open group to Complete and enqueues its
// conversion job in the same transaction. The transition and the enqueue are
// atomic: a group can never reach Complete twice, and even if two callers race
// the detection, the job table's live-key uniqueness makes the second insert
// collapse into the first. Returns the job and whether this call created it.
func (s *Store) CompleteGroup(ctx context.Context, groupID int64, payload ConversionPayload) (*Job, bool, error) {
	if err := payload.Validate(); err != nil {
		return nil, false, err
	}

	var (
		job     *Job
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var key string
		if err := tx.QueryRowContext(ctx,
			`SELECT group_key FROM observation_groups WHERE id = ?`, groupID,
		).Scan(&key); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("group %d not found", groupID)
			}
			return fmt.Errorf("load group: %w", err)
		}

		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx,
			`UPDATE observation_groups SET status = ?, completed_at = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			GroupComplete, now, now, groupID, GroupOpen,
		)
		if err != nil {
			return fmt.Errorf("complete group: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("group %d is not open", groupID)
		}

		job, created, err = s.enqueueTx(ctx, tx, capture.Fingerprint(key), payload)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// MarkGroupStale transitions an open group to Stale. Returns false when the
// group already left the open state.
func (s *Store) MarkGroupStale(ctx context.Context, groupID int64) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE observation_groups SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		GroupStale, now, groupID, GroupOpen,
	)
	if err != nil {
		return false, fmt.Errorf("mark group stale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
