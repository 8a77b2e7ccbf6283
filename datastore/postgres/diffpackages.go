package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/panicfrog/rodepush"
)

const diffColumns = `id, application_id, source_bundle_id, target_bundle_id, platform, storage_key, checksum, uncompressed_size, compressed_size, compression_ratio, created_at, served_at`

func scanDiffPackage(row interface{ Scan(...any) error }) (*rodepush.DiffPackage, error) {
	var p rodepush.DiffPackage
	err := row.Scan(&p.ID, &p.ApplicationID, &p.SourceBundleID.UUID, &p.TargetBundleID.UUID,
		&p.Platform, &p.StorageKey, &p.Checksum, &p.UncompressedSize, &p.CompressedSize,
		&p.CompressionRatio, &p.CreatedAt, &p.ServedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertDiffPackage implements [datastore.DiffPackageStore].
//
// The (source, target) uniqueness plus DO NOTHING makes insertion
// idempotent: losing a race returns the winner's row.
func (s *Store) InsertDiffPackage(ctx context.Context, p *rodepush.DiffPackage) (*rodepush.DiffPackage, error) {
	const (
		op    = `datastore/postgres/InsertDiffPackage`
		query = `
		INSERT INTO diff_packages
			(id, application_id, source_bundle_id, target_bundle_id, platform, storage_key, checksum, uncompressed_size, compressed_size, compression_ratio, created_at, served_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_bundle_id, target_bundle_id) DO NOTHING;
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("InsertDiffPackage", "insert", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ServedAt.IsZero() {
		p.ServedAt = now
	}
	p.CompressionRatio = rodepush.Ratio(p.CompressedSize, p.UncompressedSize)

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.ApplicationID, p.SourceBundleID.UUID, p.TargetBundleID.UUID, p.Platform,
		p.StorageKey, p.Checksum, p.UncompressedSize, p.CompressedSize,
		p.CompressionRatio, p.CreatedAt, p.ServedAt)
	if err != nil {
		return nil, catalogErr(op, "inserting diff package", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the idempotency race; hand back the stored row.
		return s.GetDiffPackage(ctx, p.SourceBundleID, p.TargetBundleID)
	}
	zlog.Info(ctx).
		Str("source", p.SourceBundleID.String()).
		Str("target", p.TargetBundleID.String()).
		Int64("compressed_size", p.CompressedSize).
		Msg("diff package recorded")
	return p, nil
}

// GetDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) GetDiffPackage(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, error) {
	const op = `datastore/postgres/GetDiffPackage`
	query := `SELECT ` + diffColumns + ` FROM diff_packages WHERE source_bundle_id = $1 AND target_bundle_id = $2;`
	defer observe("GetDiffPackage", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	p, err := scanDiffPackage(s.pool.QueryRow(ctx, query, src.UUID, tgt.UUID))
	if err != nil {
		return nil, catalogErr(op, "selecting diff package", err)
	}
	return p, nil
}

// TouchDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) TouchDiffPackage(ctx context.Context, id uuid.UUID, servedAt time.Time) error {
	const (
		op    = `datastore/postgres/TouchDiffPackage`
		query = `UPDATE diff_packages SET served_at = $2 WHERE id = $1;`
	)
	defer observe("TouchDiffPackage", "update", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	if _, err := s.pool.Exec(ctx, query, id, servedAt); err != nil {
		return catalogErr(op, "touching diff package", err)
	}
	return nil
}

// ListDiffPackagesLRU implements [datastore.DiffPackageStore].
func (s *Store) ListDiffPackagesLRU(ctx context.Context, limit int) ([]*rodepush.DiffPackage, error) {
	const op = `datastore/postgres/ListDiffPackagesLRU`
	query := `SELECT ` + diffColumns + ` FROM diff_packages ORDER BY served_at ASC LIMIT $1;`
	defer observe("ListDiffPackagesLRU", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, catalogErr(op, "listing diff packages", err)
	}
	defer rows.Close()
	var out []*rodepush.DiffPackage
	for rows.Next() {
		p, err := scanDiffPackage(rows)
		if err != nil {
			return nil, catalogErr(op, "scanning diff package", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, catalogErr(op, "listing diff packages", err)
	}
	return out, nil
}

// DeleteDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) DeleteDiffPackage(ctx context.Context, id uuid.UUID) error {
	const (
		op    = `datastore/postgres/DeleteDiffPackage`
		query = `DELETE FROM diff_packages WHERE id = $1;`
	)
	defer observe("DeleteDiffPackage", "delete", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return catalogErr(op, "deleting diff package", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "diff package", id)
	}
	return nil
}

// TotalDiffBytes implements [datastore.DiffPackageStore].
func (s *Store) TotalDiffBytes(ctx context.Context) (int64, error) {
	const (
		op    = `datastore/postgres/TotalDiffBytes`
		query = `SELECT COALESCE(SUM(compressed_size), 0) FROM diff_packages;`
	)
	defer observe("TotalDiffBytes", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	var n int64
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, catalogErr(op, "summing diff sizes", err)
	}
	return n, nil
}
