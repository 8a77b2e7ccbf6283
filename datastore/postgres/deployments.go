package postgres

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v8"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
)

// CreateDeployment implements [datastore.DeploymentStore].
//
// The partial unique index on active (application, environment) turns a
// concurrent second activation into a conflict.
func (s *Store) CreateDeployment(ctx context.Context, d *rodepush.Deployment) error {
	const (
		op    = `datastore/postgres/CreateDeployment`
		query = `
		INSERT INTO deployments
			(id, application_id, bundle_id, environment, status, rollout_percentage, created_at, activated_at, rolled_back_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9);
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("CreateDeployment", "insert", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	if err := d.ValidateRollout(); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.ApplicationID, d.BundleID.UUID, d.Environment, d.Status,
		d.RolloutPercentage, d.CreatedAt, d.ActivatedAt, d.RolledBackAt)
	if err != nil {
		return catalogErr(op, "inserting deployment", err)
	}
	zlog.Info(ctx).
		Str("deployment", d.ID.String()).
		Str("environment", d.Environment).
		Str("status", string(d.Status)).
		Msg("deployment created")
	return nil
}

const deploymentColumns = `id, application_id, bundle_id, environment, status, rollout_percentage, created_at, activated_at, rolled_back_at`

func scanDeployment(row interface{ Scan(...any) error }) (*rodepush.Deployment, error) {
	var d rodepush.Deployment
	err := row.Scan(&d.ID, &d.ApplicationID, &d.BundleID.UUID, &d.Environment,
		&d.Status, &d.RolloutPercentage, &d.CreatedAt, &d.ActivatedAt, &d.RolledBackAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeployment implements [datastore.DeploymentStore].
func (s *Store) GetDeployment(ctx context.Context, id uuid.UUID) (*rodepush.Deployment, error) {
	const op = `datastore/postgres/GetDeployment`
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1;`
	defer observe("GetDeployment", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	d, err := scanDeployment(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, catalogErr(op, "selecting deployment", err)
	}
	return d, nil
}

// UpdateDeploymentStatus implements [datastore.DeploymentStore].
//
// The update is compare-and-set on the current status so concurrent
// operators cannot race a transition.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, d *rodepush.Deployment, expect rodepush.DeploymentStatus) error {
	const (
		op    = `datastore/postgres/UpdateDeploymentStatus`
		query = `
		UPDATE deployments
		SET status = $2, rollout_percentage = $3, activated_at = $4, rolled_back_at = $5
		WHERE id = $1 AND status = $6;
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("UpdateDeploymentStatus", "update", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	tag, err := s.pool.Exec(ctx, query,
		d.ID, d.Status, d.RolloutPercentage, d.ActivatedAt, d.RolledBackAt, expect)
	if err != nil {
		return catalogErr(op, "updating deployment", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or the status moved under us.
		if _, err := s.GetDeployment(ctx, d.ID); err != nil {
			return err
		}
		return &rodepush.Error{
			Op:      op,
			Kind:    rodepush.ErrConflict,
			Message: "deployment status changed concurrently",
		}
	}
	zlog.Info(ctx).
		Str("deployment", d.ID.String()).
		Str("status", string(d.Status)).
		Msg("deployment transitioned")
	return nil
}

// ListDeployments implements [datastore.DeploymentStore].
func (s *Store) ListDeployments(ctx context.Context, f datastore.DeploymentFilter) ([]*rodepush.Deployment, error) {
	const op = `datastore/postgres/ListDeployments`
	defer observe("ListDeployments", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	q := psql.From("deployments").
		Select(goqu.L(deploymentColumns)).
		Where(goqu.C("application_id").Eq(f.ApplicationID.String())).
		Order(goqu.C("created_at").Desc())
	if f.Environment != "" {
		q = q.Where(goqu.C("environment").Eq(f.Environment))
	}
	if f.Status != "" {
		q = q.Where(goqu.C("status").Eq(string(f.Status)))
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
		return nil, catalogErr(op, "listing deployments", err)
	}
	defer rows.Close()
	var out []*rodepush.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, catalogErr(op, "scanning deployment", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, catalogErr(op, "listing deployments", err)
	}
	return out, nil
}
