// Package mem is an in-memory catalog implementation.
//
// It mirrors the constraint behavior of the postgres implementation
// (uniqueness conflicts, cascading deletes, compare-and-set status
// updates) for tests and single-process development.
package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
)

// Store implements [datastore.Store] with maps.
type Store struct {
	mu    sync.Mutex
	apps  map[uuid.UUID]*rodepush.Application
	bnds  map[rodepush.BundleID]*rodepush.Bundle
	deps  map[uuid.UUID]*rodepush.Deployment
	diffs map[uuid.UUID]*rodepush.DiffPackage
}

var _ datastore.Store = (*Store)(nil)

// New returns an empty catalog.
func New() *Store {
	return &Store{
		apps:  make(map[uuid.UUID]*rodepush.Application),
		bnds:  make(map[rodepush.BundleID]*rodepush.Bundle),
		deps:  make(map[uuid.UUID]*rodepush.Deployment),
		diffs: make(map[uuid.UUID]*rodepush.DiffPackage),
	}
}

func conflict(op, msg string) error {
	return &rodepush.Error{Op: op, Kind: rodepush.ErrConflict, Message: msg}
}

func notFound(op, what string, id fmt.Stringer) error {
	return &rodepush.Error{Op: op, Kind: rodepush.ErrNotFound, Message: fmt.Sprintf("no %s %s", what, id)}
}

// CreateApplication implements [datastore.ApplicationStore].
func (s *Store) CreateApplication(_ context.Context, app *rodepush.Application) error {
	const op = `datastore/mem/CreateApplication`
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = time.Now().UTC()
	}
	for _, a := range s.apps {
		if a.APIKey == app.APIKey {
			return conflict(op, "api key already in use")
		}
	}
	if _, ok := s.apps[app.ID]; ok {
		return conflict(op, "application exists")
	}
	cp := *app
	s.apps[app.ID] = &cp
	return nil
}

// GetApplication implements [datastore.ApplicationStore].
func (s *Store) GetApplication(_ context.Context, id uuid.UUID) (*rodepush.Application, error) {
	const op = `datastore/mem/GetApplication`
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[id]
	if !ok {
		return nil, notFound(op, "application", id)
	}
	cp := *a
	return &cp, nil
}

// GetApplicationByAPIKey implements [datastore.ApplicationStore].
func (s *Store) GetApplicationByAPIKey(_ context.Context, apiKey string) (*rodepush.Application, error) {
	const op = `datastore/mem/GetApplicationByAPIKey`
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.apps {
		if a.APIKey == apiKey {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &rodepush.Error{Op: op, Kind: rodepush.ErrNotFound, Message: "no application for key"}
}

// DeleteApplication implements [datastore.ApplicationStore].
func (s *Store) DeleteApplication(_ context.Context, id uuid.UUID) error {
	const op = `datastore/mem/DeleteApplication`
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return notFound(op, "application", id)
	}
	delete(s.apps, id)
	for bid, b := range s.bnds {
		if b.ApplicationID == id {
			delete(s.bnds, bid)
			s.dropDiffsLocked(bid)
		}
	}
	for did, d := range s.deps {
		if d.ApplicationID == id {
			delete(s.deps, did)
		}
	}
	return nil
}

// InsertBundle implements [datastore.BundleStore].
func (s *Store) InsertBundle(_ context.Context, b *rodepush.Bundle) error {
	const op = `datastore/mem/InsertBundle`
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.bnds {
		if have.ApplicationID == b.ApplicationID &&
			have.Version == b.Version &&
			have.Platform == b.Platform {
			return conflict(op, fmt.Sprintf("bundle %s/%s already uploaded", b.Version, b.Platform))
		}
	}
	cp := *b
	cp.Chunks = append([]rodepush.Chunk(nil), b.Chunks...)
	s.bnds[b.ID] = &cp
	return nil
}

// GetBundle implements [datastore.BundleStore].
func (s *Store) GetBundle(_ context.Context, id rodepush.BundleID) (*rodepush.Bundle, error) {
	const op = `datastore/mem/GetBundle`
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bnds[id]
	if !ok {
		return nil, notFound(op, "bundle", id)
	}
	cp := *b
	cp.Chunks = append([]rodepush.Chunk(nil), b.Chunks...)
	return &cp, nil
}

// ListBundles implements [datastore.BundleStore].
func (s *Store) ListBundles(_ context.Context, f datastore.BundleFilter) ([]*rodepush.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rodepush.Bundle
	for _, b := range s.bnds {
		if b.ApplicationID != f.ApplicationID {
			continue
		}
		if f.Platform != "" && b.Platform != f.Platform {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = window(out, f.Offset, f.Limit)
	return out, nil
}

// DeleteBundle implements [datastore.BundleStore].
func (s *Store) DeleteBundle(_ context.Context, id rodepush.BundleID) ([]*rodepush.DiffPackage, error) {
	const op = `datastore/mem/DeleteBundle`
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bnds[id]; !ok {
		return nil, notFound(op, "bundle", id)
	}
	delete(s.bnds, id)
	return s.dropDiffsLocked(id), nil
}

func (s *Store) dropDiffsLocked(id rodepush.BundleID) []*rodepush.DiffPackage {
	var dropped []*rodepush.DiffPackage
	for did, p := range s.diffs {
		if p.SourceBundleID == id || p.TargetBundleID == id {
			dropped = append(dropped, p)
			delete(s.diffs, did)
		}
	}
	return dropped
}

// CreateDeployment implements [datastore.DeploymentStore].
func (s *Store) CreateDeployment(_ context.Context, d *rodepush.Deployment) error {
	const op = `datastore/mem/CreateDeployment`
	if err := d.ValidateRollout(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == rodepush.DeploymentActive {
		for _, have := range s.deps {
			if have.ApplicationID == d.ApplicationID &&
				have.Environment == d.Environment &&
				have.Status == rodepush.DeploymentActive {
				return conflict(op, "environment already has an active deployment")
			}
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.deps[d.ID] = &cp
	return nil
}

// GetDeployment implements [datastore.DeploymentStore].
func (s *Store) GetDeployment(_ context.Context, id uuid.UUID) (*rodepush.Deployment, error) {
	const op = `datastore/mem/GetDeployment`
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deps[id]
	if !ok {
		return nil, notFound(op, "deployment", id)
	}
	cp := *d
	return &cp, nil
}

// UpdateDeploymentStatus implements [datastore.DeploymentStore].
func (s *Store) UpdateDeploymentStatus(_ context.Context, d *rodepush.Deployment, expect rodepush.DeploymentStatus) error {
	const op = `datastore/mem/UpdateDeploymentStatus`
	s.mu.Lock()
	defer s.mu.Unlock()
	have, ok := s.deps[d.ID]
	if !ok {
		return notFound(op, "deployment", d.ID)
	}
	if have.Status != expect {
		return conflict(op, "deployment status changed concurrently")
	}
	if d.Status == rodepush.DeploymentActive && expect != rodepush.DeploymentActive {
		for _, other := range s.deps {
			if other.ID != d.ID &&
				other.ApplicationID == d.ApplicationID &&
				other.Environment == d.Environment &&
				other.Status == rodepush.DeploymentActive {
				return conflict(op, "environment already has an active deployment")
			}
		}
	}
	cp := *d
	s.deps[d.ID] = &cp
	return nil
}

// ListDeployments implements [datastore.DeploymentStore].
func (s *Store) ListDeployments(_ context.Context, f datastore.DeploymentFilter) ([]*rodepush.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*rodepush.Deployment
	for _, d := range s.deps {
		if d.ApplicationID != f.ApplicationID {
			continue
		}
		if f.Environment != "" && d.Environment != f.Environment {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = window(out, f.Offset, f.Limit)
	return out, nil
}

// InsertDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) InsertDiffPackage(_ context.Context, p *rodepush.DiffPackage) (*rodepush.DiffPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.diffs {
		if have.SourceBundleID == p.SourceBundleID && have.TargetBundleID == p.TargetBundleID {
			cp := *have
			return &cp, nil
		}
	}
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
	cp := *p
	s.diffs[p.ID] = &cp
	return p, nil
}

// GetDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) GetDiffPackage(_ context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, error) {
	const op = `datastore/mem/GetDiffPackage`
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.diffs {
		if p.SourceBundleID == src && p.TargetBundleID == tgt {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &rodepush.Error{Op: op, Kind: rodepush.ErrNotFound, Message: "no diff package for pair"}
}

// TouchDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) TouchDiffPackage(_ context.Context, id uuid.UUID, servedAt time.Time) error {
	const op = `datastore/mem/TouchDiffPackage`
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.diffs[id]
	if !ok {
		return notFound(op, "diff package", id)
	}
	p.ServedAt = servedAt
	return nil
}

// ListDiffPackagesLRU implements [datastore.DiffPackageStore].
func (s *Store) ListDiffPackagesLRU(_ context.Context, limit int) ([]*rodepush.DiffPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rodepush.DiffPackage, 0, len(s.diffs))
	for _, p := range s.diffs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServedAt.Before(out[j].ServedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDiffPackage implements [datastore.DiffPackageStore].
func (s *Store) DeleteDiffPackage(_ context.Context, id uuid.UUID) error {
	const op = `datastore/mem/DeleteDiffPackage`
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.diffs[id]; !ok {
		return notFound(op, "diff package", id)
	}
	delete(s.diffs, id)
	return nil
}

// TotalDiffBytes implements [datastore.DiffPackageStore].
func (s *Store) TotalDiffBytes(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.diffs {
		n += p.CompressedSize
	}
	return n, nil
}

func window[T any](in []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
