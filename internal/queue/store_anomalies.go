package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const anomalyColumns = "id, scope, subject, kind, detail, created_at, resolved_at"

func scanAnomaly(scanner interface{ Scan(dest ...any) error }) (*Anomaly, error) {
	var (
		id          int64
		scopeStr    string
		subject     string
		kindStr     string
		detail      string
		createdRaw  string
		resolvedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &scopeStr, &subject, &kindStr, &detail, &createdRaw, &resolvedRaw); err != nil {
		return nil, err
	}

	anomaly := &Anomaly{
		ID:      id,
		Scope:   AnomalyScope(scopeStr),
		Subject: subject,
		Kind:    AnomalyKind(kindStr),
		Detail:  detail,
	}
	anomaly.ResolvedAt = timePtr(resolvedRaw.String, resolvedRaw.Valid)
	if created, err := parseTimeString(createdRaw); err == nil {
		anomaly.CreatedAt = created
	}
	return anomaly, nil
}

// RecordAnomaly files an anomaly against a subject. An identical unresolved
// anomaly (same scope, subject, kind, and detail) is returned instead of
// duplicated so repeated reconciliation passes do not pile up rows; created
// reports whether a new row was written.
func (s *Store) RecordAnomaly(ctx context.Context, scope AnomalyScope, subject string, kind AnomalyKind, detail string) (*Anomaly, bool, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, false, errors.New("anomaly subject is required")
	}

	var (
		anomaly *Anomaly
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+anomalyColumns+` FROM anomalies
             WHERE scope = ? AND subject = ? AND kind = ? AND detail = ? AND resolved_at IS NULL
             LIMIT 1`,
			scope, subject, kind, detail,
		)
		existing, err := scanAnomaly(row)
		if err == nil {
			anomaly = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check anomaly: %w", err)
		}

		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO anomalies (scope, subject, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
			scope, subject, kind, detail, formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("insert anomaly: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		inserted, err := scanAnomaly(tx.QueryRowContext(
			ctx,
			`SELECT `+anomalyColumns+` FROM anomalies WHERE id = ?`,
			id,
		))
		if err != nil {
			return fmt.Errorf("reload anomaly: %w", err)
		}
		anomaly = inserted
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return anomaly, created, nil
}

// UnresolvedAnomalies returns open anomalies for a subject, oldest first.
// A group with any open anomaly never satisfies completeness.
func (s *Store) UnresolvedAnomalies(ctx context.Context, scope AnomalyScope, subject string) ([]*Anomaly, error) {
	return s.anomaliesWhere(ctx, `WHERE scope = ? AND subject = ? AND resolved_at IS NULL`, scope, subject)
}

// ListAnomalies returns anomalies across all subjects, open ones only unless
// includeResolved is set.
func (s *Store) ListAnomalies(ctx context.Context, includeResolved bool) ([]*Anomaly, error) {
	if includeResolved {
		return s.anomaliesWhere(ctx, "")
	}
	return s.anomaliesWhere(ctx, `WHERE resolved_at IS NULL`)
}

func (s *Store) anomaliesWhere(ctx context.Context, clause string, args ...any) ([]*Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies`
	if clause != "" {
		query += " " + clause
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []*Anomaly
	for rows.Next() {
		anomaly, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, anomaly)
	}
	return anomalies, rows.Err()
}

// ResolveAnomaly marks an anomaly handled. Returns false when the anomaly
// does not exist or was already resolved.
func (s *Store) ResolveAnomaly(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE anomalies SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve anomaly: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
