package mem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
)

func bundle(app uuid.UUID, version string) *rodepush.Bundle {
	v, _ := rodepush.ParseVersion(version)
	sum, _ := rodepush.Sum(rodepush.SHA256, []byte(version))
	return &rodepush.Bundle{
		ID:            rodepush.NewBundleID(),
		ApplicationID: app,
		Version:       v,
		Platform:      rodepush.PlatformIOS,
		CreatedAt:     time.Now().UTC(),
		Size:          4,
		Checksum:      sum,
		Chunks: []rodepush.Chunk{
			{Digest: sum, Offset: 0, Length: 4, Codec: rodepush.CodecZstd},
		},
	}
}

func TestUniqueUploadTriple(t *testing.T) {
	ctx := context.Background()
	s := New()
	app := uuid.New()
	if err := s.InsertBundle(ctx, bundle(app, "1.0.0")); err != nil {
		t.Fatal(err)
	}
	err := s.InsertBundle(ctx, bundle(app, "1.0.0"))
	if !errors.Is(err, rodepush.ErrConflict) {
		t.Errorf("duplicate triple: %v", err)
	}
	// Same version, another application: fine.
	if err := s.InsertBundle(ctx, bundle(uuid.New(), "1.0.0")); err != nil {
		t.Error(err)
	}
}

func TestActiveDeploymentUniquePerEnvironment(t *testing.T) {
	ctx := context.Background()
	s := New()
	app := uuid.New()
	b := bundle(app, "1.0.0")
	if err := s.InsertBundle(ctx, b); err != nil {
		t.Fatal(err)
	}

	mk := func() *rodepush.Deployment {
		return &rodepush.Deployment{
			ApplicationID: app,
			BundleID:      b.ID,
			Environment:   "prod",
			Status:        rodepush.DeploymentPending,
		}
	}
	d1 := mk()
	if err := s.CreateDeployment(ctx, d1); err != nil {
		t.Fatal(err)
	}
	expect := d1.Status
	if err := d1.Transition(rodepush.DeploymentActive, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDeploymentStatus(ctx, d1, expect); err != nil {
		t.Fatal(err)
	}

	// A second activation in the same environment conflicts.
	d2 := mk()
	if err := s.CreateDeployment(ctx, d2); err != nil {
		t.Fatal(err)
	}
	expect = d2.Status
	if err := d2.Transition(rodepush.DeploymentActive, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateDeploymentStatus(ctx, d2, expect); !errors.Is(err, rodepush.ErrConflict) {
		t.Errorf("second active deployment: %v", err)
	}
}

func TestDiffInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	app := uuid.New()
	b1, b2 := bundle(app, "1.0.0"), bundle(app, "1.0.1")
	for _, b := range []*rodepush.Bundle{b1, b2} {
		if err := s.InsertBundle(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	p := &rodepush.DiffPackage{
		ApplicationID:    app,
		SourceBundleID:   b1.ID,
		TargetBundleID:   b2.ID,
		Platform:         rodepush.PlatformIOS,
		StorageKey:       rodepush.DiffStorageKey(app, b1.ID, b2.ID),
		Checksum:         b1.Checksum,
		UncompressedSize: 100,
		CompressedSize:   50,
	}
	first, err := s.InsertDiffPackage(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if first.CompressionRatio != 0.5 {
		t.Errorf("ratio: %v", first.CompressionRatio)
	}
	second, err := s.InsertDiffPackage(ctx, &rodepush.DiffPackage{
		SourceBundleID: b1.ID,
		TargetBundleID: b2.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("insert not idempotent on the pair")
	}
}

var _ datastore.Store = (*Store)(nil)
