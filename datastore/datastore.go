// Package datastore defines the narrow repository interfaces the
// metadata catalog is consumed through.
//
// The canonical implementation lives in datastore/postgres; tests use
// in-memory fakes.
package datastore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/panicfrog/rodepush"
)

// ApplicationStore persists administrative scopes.
type ApplicationStore interface {
	CreateApplication(ctx context.Context, app *rodepush.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*rodepush.Application, error)
	GetApplicationByAPIKey(ctx context.Context, apiKey string) (*rodepush.Application, error)
	// DeleteApplication cascades to bundles and, through them, diff
	// packages.
	DeleteApplication(ctx context.Context, id uuid.UUID) error
}

// BundleFilter narrows bundle listings.
type BundleFilter struct {
	ApplicationID uuid.UUID
	Platform      rodepush.Platform // empty: any
	Limit         int
	Offset        int
}

// BundleStore persists immutable bundle records.
type BundleStore interface {
	// InsertBundle fails with a conflict when
	// (application, version, platform) already exists.
	InsertBundle(ctx context.Context, b *rodepush.Bundle) error
	GetBundle(ctx context.Context, id rodepush.BundleID) (*rodepush.Bundle, error)
	ListBundles(ctx context.Context, f BundleFilter) ([]*rodepush.Bundle, error)
	// DeleteBundle cascades to diff packages referencing the bundle on
	// either side; the removed diff rows are returned so callers can
	// prune the blobs after commit.
	DeleteBundle(ctx context.Context, id rodepush.BundleID) ([]*rodepush.DiffPackage, error)
}

// DeploymentFilter narrows deployment listings.
type DeploymentFilter struct {
	ApplicationID uuid.UUID
	Environment   string                    // empty: any
	Status        rodepush.DeploymentStatus // empty: any
	Limit         int
	Offset        int
}

// DeploymentStore persists deployment lifecycle state.
type DeploymentStore interface {
	// CreateDeployment fails with a conflict when the new deployment is
	// itself active and the environment already has an active deployment
	// for the application. A deployment created in any other status is
	// accepted; the conflict then arises when it is moved to active.
	CreateDeployment(ctx context.Context, d *rodepush.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (*rodepush.Deployment, error)
	// UpdateDeploymentStatus persists a transition already validated by
	// [rodepush.Deployment.Transition]; the row's current status must
	// still match expect or a conflict is returned.
	UpdateDeploymentStatus(ctx context.Context, d *rodepush.Deployment, expect rodepush.DeploymentStatus) error
	ListDeployments(ctx context.Context, f DeploymentFilter) ([]*rodepush.Deployment, error)
}

// DiffPackageStore persists differential package records.
type DiffPackageStore interface {
	// InsertDiffPackage is idempotent on (source, target): inserting an
	// existing pair returns the stored row untouched.
	InsertDiffPackage(ctx context.Context, p *rodepush.DiffPackage) (*rodepush.DiffPackage, error)
	GetDiffPackage(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, error)
	// TouchDiffPackage bumps served_at for LRU accounting.
	TouchDiffPackage(ctx context.Context, id uuid.UUID, servedAt time.Time) error
	// ListDiffPackagesLRU returns rows ordered least-recently-served
	// first.
	ListDiffPackagesLRU(ctx context.Context, limit int) ([]*rodepush.DiffPackage, error)
	// DeleteDiffPackage removes the row; the caller prunes the blob
	// afterwards (an orphan blob is tolerable, an orphan row is not).
	DeleteDiffPackage(ctx context.Context, id uuid.UUID) error
	// TotalDiffBytes sums compressed sizes across all rows.
	TotalDiffBytes(ctx context.Context) (int64, error)
}

// Store is the full catalog surface.
type Store interface {
	ApplicationStore
	BundleStore
	DeploymentStore
	DiffPackageStore
}
