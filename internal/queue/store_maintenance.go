package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stats returns a count of jobs grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// GroupCounts returns a count of observation groups grouped by status.
func (s *Store) GroupCounts(ctx context.Context) (map[GroupStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM observation_groups GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("group stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[GroupStatus]int)
	for rows.Next() {
		var status GroupStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// Health aggregates pipeline state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.JobsTotal += count
		switch state {
		case StatePending:
			health.JobsPending += count
		case StateRetrying:
			health.JobsRetrying += count
		case StateCompleted:
			health.JobsCompleted += count
		case StateDeadLettered:
			health.JobsDeadLettered += count
		default:
			if state.InFlight() {
				health.JobsInFlight += count
			}
		}
	}

	groups, err := s.GroupCounts(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health.GroupsOpen = groups[GroupOpen]
	health.GroupsComplete = groups[GroupComplete]
	health.GroupsStale = groups[GroupStale]

	counters := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(1) FROM fragments`, &health.Fragments},
		{`SELECT COUNT(1) FROM fragments WHERE group_id IS NULL`, &health.Unassigned},
		{`SELECT COUNT(1) FROM products`, &health.Products},
		{`SELECT COUNT(1) FROM anomalies WHERE resolved_at IS NULL`, &health.AnomaliesOpen},
	}
	for _, counter := range counters {
		if err := s.db.QueryRowContext(ctx, counter.query).Scan(counter.dest); err != nil {
			return HealthSummary{}, fmt.Errorf("health counters: %w", err)
		}
	}
	return health, nil
}

// CheckHealth returns diagnostic information about the state database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{
		DBPath:        s.path,
		SchemaVersion: strconv.Itoa(schemaVersion),
	}

	if s.path == "" {
		return health, errors.New("state database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			health.DatabaseExists = false
			return health, nil
		}
		return health, fmt.Errorf("stat state database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("state database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("state database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping state database: %w", err)
	}
	health.DatabaseReadable = true

	expected := []string{"fragments", "observation_groups", "jobs", "products", "anomalies", "schema_version"}
	rows, err := s.db.QueryContext(connCtx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("query table info: %w", err)
	}
	defer rows.Close()

	present := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("scan table info: %w", err)
		}
		present[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("iterate table info: %w", err)
	}
	for _, table := range expected {
		if _, ok := present[table]; ok {
			health.TablesPresent = append(health.TablesPresent, table)
		} else {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	if _, ok := present["jobs"]; ok {
		row := s.db.QueryRowContext(connCtx, `SELECT COUNT(*) FROM jobs`)
		if err := row.Scan(&health.TotalJobs); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count jobs: %w", err)
		}
	}

	row := s.db.QueryRowContext(connCtx, `PRAGMA integrity_check`)
	var integrityResult string
	if err := row.Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}
