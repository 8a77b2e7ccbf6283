package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/panicfrog/rodepush"
)

// CreateApplication implements [datastore.ApplicationStore].
func (s *Store) CreateApplication(ctx context.Context, app *rodepush.Application) error {
	const (
		op    = `datastore/postgres/CreateApplication`
		query = `
		INSERT INTO applications (id, name, api_key, created_at)
		VALUES ($1, $2, $3, $4);
		`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("CreateApplication", "insert", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, query, app.ID, app.Name, app.APIKey, app.CreatedAt); err != nil {
		return catalogErr(op, "inserting application", err)
	}
	zlog.Debug(ctx).Str("application", app.ID.String()).Msg("application created")
	return nil
}

// GetApplication implements [datastore.ApplicationStore].
func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*rodepush.Application, error) {
	const (
		op    = `datastore/postgres/GetApplication`
		query = `
		SELECT id, name, api_key, created_at
		FROM applications
		WHERE id = $1;
		`
	)
	defer observe("GetApplication", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	app := rodepush.Application{}
	err := s.pool.QueryRow(ctx, query, id).
		Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedAt)
	if err != nil {
		return nil, catalogErr(op, "selecting application", err)
	}
	return &app, nil
}

// GetApplicationByAPIKey implements [datastore.ApplicationStore].
func (s *Store) GetApplicationByAPIKey(ctx context.Context, apiKey string) (*rodepush.Application, error) {
	const (
		op    = `datastore/postgres/GetApplicationByAPIKey`
		query = `
		SELECT id, name, api_key, created_at
		FROM applications
		WHERE api_key = $1;
		`
	)
	defer observe("GetApplicationByAPIKey", "select", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	app := rodepush.Application{}
	err := s.pool.QueryRow(ctx, query, apiKey).
		Scan(&app.ID, &app.Name, &app.APIKey, &app.CreatedAt)
	if err != nil {
		return nil, catalogErr(op, "selecting application by key", err)
	}
	return &app, nil
}

// DeleteApplication implements [datastore.ApplicationStore].
//
// Bundle and diff-package rows go with the application via the schema's
// cascades.
func (s *Store) DeleteApplication(ctx context.Context, id uuid.UUID) error {
	const (
		op    = `datastore/postgres/DeleteApplication`
		query = `DELETE FROM applications WHERE id = $1;`
	)
	ctx = zlog.ContextWithValues(ctx, "component", op)
	defer observe("DeleteApplication", "delete", time.Now())
	ctx, done := s.qctx(ctx)
	defer done()

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return catalogErr(op, "deleting application", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "application", id)
	}
	zlog.Info(ctx).Str("application", id.String()).Msg("application deleted")
	return nil
}
