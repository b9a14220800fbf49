package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fringe/internal/capture"
)

const productColumns = "id, fingerprint, group_key, job_id, artifact_path, byte_size, checksum, dec_degrees, provenance, stored, missing_since, created_at, updated_at"

func scanProduct(scanner interface{ Scan(dest ...any) error }) (*Product, error) {
	var (
		id         int64
		fp         string
		groupKey   string
		jobID      sql.NullInt64
		path       string
		size       int64
		checksum   sql.NullString
		dec        sql.NullFloat64
		provenance string
		stored     int
		missingRaw sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&id,
		&fp,
		&groupKey,
		&jobID,
		&path,
		&size,
		&checksum,
		&dec,
		&provenance,
		&stored,
		&missingRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	product := &Product{
		ID:           id,
		Fingerprint:  fp,
		GroupKey:     groupKey,
		ArtifactPath: path,
		ByteSize:     size,
		Checksum:     checksum.String,
		Provenance:   Provenance(provenance),
		Stored:       stored != 0,
	}
	if jobID.Valid {
		product.JobID = &jobID.Int64
	}
	if dec.Valid {
		value := dec.Float64
		product.DecDegrees = &value
	}
	product.MissingSince = timePtr(missingRaw.String, missingRaw.Valid)
	if created, err := parseTimeString(createdRaw); err == nil {
		product.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		product.UpdatedAt = updated
	}
	return product, nil
}

// ProductByFingerprint returns the product carrying a fingerprint, or nil.
func (s *Store) ProductByFingerprint(ctx context.Context, fingerprint string) (*Product, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+productColumns+` FROM products WHERE fingerprint = ?`,
		fingerprint,
	)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("product by fingerprint: %w", err)
	}
	return product, nil
}

// ProductsForGroup returns products registered under a group key.
func (s *Store) ProductsForGroup(ctx context.Context, groupKey string) ([]*Product, error) {
	return s.productsWhere(ctx, `WHERE group_key = ?`, groupKey)
}

// ListProducts returns every registered product ordered by group key.
func (s *Store) ListProducts(ctx context.Context) ([]*Product, error) {
	return s.productsWhere(ctx, "")
}

// MissingProducts returns products whose artifact was not found on disk at
// the last sweep.
func (s *Store) MissingProducts(ctx context.Context) ([]*Product, error) {
	return s.productsWhere(ctx, `WHERE stored = 0`)
}

// ProductsInWindow returns products whose observation anchor falls in
// [since, until). Group keys are fixed-width UTC timestamps, so the window is
// a lexicographic range over group_key.
func (s *Store) ProductsInWindow(ctx context.Context, since, until time.Time) ([]*Product, error) {
	return s.productsWhere(
		ctx,
		`WHERE group_key >= ? AND group_key < ?`,
		capture.GroupKey(since), capture.GroupKey(until),
	)
}

func (s *Store) productsWhere(ctx context.Context, clause string, args ...any) ([]*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if clause != "" {
		query += " " + clause
	}
	query += ` ORDER BY group_key, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, rows.Err()
}

// CountProducts reports how many products are registered.
func (s *Store) CountProducts(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM products`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return count, nil
}

// MarkProductMissing flags a product whose artifact has disappeared from
// disk. The record is kept so the dangling reference is visible to operators;
// returns false when the product was already flagged or does not exist.
func (s *Store) MarkProductMissing(ctx context.Context, fingerprint string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE products SET stored = 0, missing_since = ?, updated_at = ? WHERE fingerprint = ? AND stored = 1`,
		now, now, fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("mark product missing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearProductMissing restores a product whose artifact reappeared on disk.
func (s *Store) ClearProductMissing(ctx context.Context, fingerprint string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE products SET stored = 1, missing_since = NULL, updated_at = ? WHERE fingerprint = ? AND stored = 0`,
		now, fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("clear product missing: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RegisterReconciled records an artifact found on disk with no matching
// registry row, validated by the sweeper. An existing row for the fingerprint
// is healed in place with provenance flipped to reconciled; job attribution is
// left untouched since the producing job may be long pruned.
func (s *Store) RegisterReconciled(ctx context.Context, fingerprint, groupKey, artifactPath string, byteSize int64, checksum string) (*Product, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, errors.New("fingerprint is required")
	}
	if strings.TrimSpace(groupKey) == "" {
		return nil, errors.New("group key is required")
	}
	if strings.TrimSpace(artifactPath) == "" {
		return nil, errors.New("artifact path is required")
	}

	now := formatTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO products (fingerprint, group_key, job_id, artifact_path, byte_size, checksum, provenance, stored, created_at, updated_at)
         VALUES (?, ?, NULL, ?, ?, ?, ?, 1, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET
             artifact_path = excluded.artifact_path,
             byte_size = excluded.byte_size,
             checksum = excluded.checksum,
             provenance = excluded.provenance,
             stored = 1,
             missing_since = NULL,
             updated_at = excluded.updated_at`,
		fingerprint, groupKey, artifactPath, byteSize, nullableString(checksum), ProvenanceReconciled, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("register reconciled product: %w", err)
	}
	return s.ProductByFingerprint(ctx, fingerprint)
}

// RetireProduct removes a product from the registry. This is an explicit
// operator action; the sweeper only ever flags, never deletes.
func (s *Store) RetireProduct(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM products WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("retire product: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}
