package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/quay/zlog"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
)

var psql = goqu.Dialect("postgres")

// InsertBundle implements [datastore.BundleStore].
//
// The schema's (application_id, version, platform) uniqueness makes a
// duplicate upload a conflict; parallel uploads of the same triple are
// rejected, not serialized.
func (s *Store) InsertBundle(ctx context.Context, b *rodepush.Bundle) error {
	const (
		op    = `datastore/postgres/InsertBundle`
		query = `
		INSERT INTO bundles
			(id, application_id, version, platform, created_at, size_bytes, checksum, dependencies, chunks)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9);
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("InsertBundle", "insert", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	if err := b.Validate(); err != nil {
		return err
	}
	deps, err := json.Marshal(b.Dependencies)
	if err != nil {
		return &rodepush.Error{Op: op, Kind: rodepush.ErrInternal, Message: "encoding dependencies", Inner: err}
	}
	chunks, err := json.Marshal(b.Chunks)
	if err != nil {
		return &rodepush.Error{Op: op, Kind: rodepush.ErrInternal, Message: "encoding chunks", Inner: err}
	}
	_, err = s.pool.Exec(ctx, query,
		b.ID.UUID, b.ApplicationID, b.Version, b.Platform, b.CreatedAt,
		b.Size, b.Checksum, deps, chunks)
	if err != nil {
		return catalogErr(op, "inserting bundle", err)
	}
	zlog.Info(ctx).
		Str("bundle", b.ID.String()).
		Str("version", b.Version.String()).
		Str("platform", b.Platform.String()).
		Msg("bundle recorded")
	return nil
}

const bundleColumns = `id, application_id, version, platform, created_at, size_bytes, checksum, dependencies, chunks`

func scanBundle(row interface{ Scan(...any) error }) (*rodepush.Bundle, error) {
	var (
		b            rodepush.Bundle
		deps, chunks []byte
	)
	err := row.Scan(&b.ID.UUID, &b.ApplicationID, &b.Version, &b.Platform,
		&b.CreatedAt, &b.Size, &b.Checksum, &deps, &chunks)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deps, &b.Dependencies); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chunks, &b.Chunks); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBundle implements [datastore.BundleStore].
func (s *Store) GetBundle(ctx context.Context, id rodepush.BundleID) (*rodepush.Bundle, error) {
	const op = `datastore/postgres/GetBundle`
	query := `SELECT ` + bundleColumns + ` FROM bundles WHERE id = $1;`
	defer observe("GetBundle", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	b, err := scanBundle(s.pool.QueryRow(ctx, query, id.UUID))
	if err != nil {
		return nil, catalogErr(op, "selecting bundle", err)
	}
	return b, nil
}

// ListBundles implements [datastore.BundleStore].
func (s *Store) ListBundles(ctx context.Context, f datastore.BundleFilter) ([]*rodepush.Bundle, error) {
	const op = `datastore/postgres/ListBundles`
	defer observe("ListBundles", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	q := psql.From("bundles").
		Select(goqu.L(bundleColumns)).
		Where(goqu.C("application_id").Eq(f.ApplicationID.String())).
		Order(goqu.C("created_at").Desc())
	if f.Platform != "" {
		q = q.Where(goqu.C("platform").Eq(string(f.Platform)))
	}
	if f.Limit > 0 {
		q = q.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint(f.Offset))
	}
	sql, args, err := q.Prepared(true).ToSQL()
	if err != nil {
		return nil, &rodepush.Error{Op: op, Kind: rodepush.ErrInternal, Message: "building query", Inner: err}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, catalogErr(op, "listing bundles", err)
	}
	defer rows.Close()
	var out []*rodepush.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, catalogErr(op, "scanning bundle", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, catalogErr(op, "listing bundles", err)
	}
	return out, nil
}

// DeleteBundle implements [datastore.BundleStore].
//
// The diff rows referencing the bundle on either side are collected in
// the same transaction the cascade removes them, so callers can prune
// blobs after commit.
func (s *Store) DeleteBundle(ctx context.Context, id rodepush.BundleID) ([]*rodepush.DiffPackage, error) {
	const (
		op        = `datastore/postgres/DeleteBundle`
		diffQuery = `
		SELECT ` + diffColumns + `
		FROM diff_packages
		WHERE source_bundle_id = $1 OR target_bundle_id = $1;
		`
		delQuery = `DELETE FROM bundles WHERE id = $1;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("DeleteBundle", "delete", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, catalogErr(op, "beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, diffQuery, id.UUID)
	if err != nil {
		return nil, catalogErr(op, "selecting referencing diffs", err)
	}
	var diffs []*rodepush.DiffPackage
	for rows.Next() {
		p, err := scanDiffPackage(rows)
		if err != nil {
			rows.Close()
			return nil, catalogErr(op, "scanning diff package", err)
		}
		diffs = append(diffs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, catalogErr(op, "selecting referencing diffs", err)
	}

	tag, err := tx.Exec(ctx, delQuery, id.UUID)
	if err != nil {
		return nil, catalogErr(op, "deleting bundle", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, notFound(op, "bundle", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, catalogErr(op, "committing", err)
	}
	zlog.Info(ctx).
		Str("bundle", id.String()).
		Int("cascaded_diffs", len(diffs)).
		Msg("bundle deleted")
	return diffs, nil
}
