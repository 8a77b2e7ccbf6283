package libdiff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/bundlediff"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/datastore/mem"
	"github.com/panicfrog/rodepush/internal/cache"
	"github.com/panicfrog/rodepush/libbundle"
	"github.com/panicfrog/rodepush/objstore"
)

type fixture struct {
	diff    *Libdiff
	bundles *libbundle.Libbundle
	store   datastore.Store
	blobs   objstore.Store
	builds  atomic.Int32
}

func newFixture(t *testing.T, engine BuildFunc) *fixture {
	t.Helper()
	ctx := context.Background()
	blobs, err := objstore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := mem.New()
	lb, err := libbundle.New(ctx, &libbundle.Options{Store: store, Blobs: blobs})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{bundles: lb, store: store, blobs: blobs}
	if engine == nil {
		engine = bundlediff.Build
	}
	counting := func(ctx context.Context, w io.Writer, src, tgt *rodepush.Bundle, get bundlediff.Getter, o bundlediff.Options) (bundlediff.Stats, error) {
		f.builds.Add(1)
		return engine(ctx, w, src, tgt, get, o)
	}
	f.diff, err = New(ctx, &Options{
		Store:    store,
		Blobs:    blobs,
		Chunks:   lb,
		Cache:    cache.NewMemory(),
		CacheTTL: time.Minute,
		Engine:   counting,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) upload(t *testing.T, app uuid.UUID, version string, data []byte) *rodepush.Bundle {
	t.Helper()
	v, _ := rodepush.ParseVersion(version)
	sum, _ := rodepush.Sum(rodepush.SHA256, data)
	b, err := f.bundles.Upload(context.Background(), &libbundle.UploadRequest{
		ApplicationID: app,
		Version:       v,
		Platform:      rodepush.PlatformIOS,
		Checksum:      sum,
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func randBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestGetBuildsThenServesCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	app := uuid.New()
	v1 := randBytes(1, 2<<20)
	v2 := append([]byte(nil), v1...)
	copy(v2[1<<20:], randBytes(2, 64<<10))
	b1 := f.upload(t, app, "1.0.0", v1)
	b2 := f.upload(t, app, "1.0.1", v2)

	p, rc, err := f.diff.Get(ctx, b1.ID, b2.ID)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if f.builds.Load() != 1 {
		t.Fatalf("builds: %d", f.builds.Load())
	}
	if p.CompressionRatio < 0 || p.CompressionRatio > 1 {
		t.Errorf("ratio outside [0,1]: %v", p.CompressionRatio)
	}

	// Applying the package to V1 yields V2 (property P2 end to end).
	got, err := bundlediff.Apply(ctx, b1, f.bundles, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, v2) {
		t.Error("applied diff does not reproduce the target")
	}

	// A second fetch is a cache hit, no rebuild.
	_, rc2, err := f.diff.Get(ctx, b1.ID, b2.ID)
	if err != nil {
		t.Fatal(err)
	}
	body2, _ := io.ReadAll(rc2)
	rc2.Close()
	if f.builds.Load() != 1 {
		t.Errorf("cache miss on second fetch: builds=%d", f.builds.Load())
	}
	if !bytes.Equal(body, body2) {
		t.Error("cached body differs from built body")
	}
}

func TestSingleFlight(t *testing.T) {
	// Ten concurrent requests against a fresh service with an empty
	// cache trigger exactly one computation; all responses byte-equal.
	ctx := context.Background()
	f := newFixture(t, nil)
	app := uuid.New()
	b1 := f.upload(t, app, "1.0.0", randBytes(3, 1<<20))
	b2 := f.upload(t, app, "1.0.1", randBytes(4, 1<<20))

	const callers = 10
	bodies := make([][]byte, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rc, err := f.diff.Get(ctx, b1.ID, b2.ID)
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i], errs[i] = io.ReadAll(rc)
			rc.Close()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := f.builds.Load(); got != 1 {
		t.Errorf("engine invoked %d times, want 1", got)
	}
	for i := 1; i < callers; i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("caller %d received a different body", i)
		}
	}
}

func TestFailedFlightEvicted(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	engine := func(ctx context.Context, w io.Writer, src, tgt *rodepush.Bundle, get bundlediff.Getter, o bundlediff.Options) (bundlediff.Stats, error) {
		if fail.Load() {
			return bundlediff.Stats{}, &rodepush.Error{Kind: rodepush.ErrInternal, Message: "synthetic failure"}
		}
		return bundlediff.Build(ctx, w, src, tgt, get, o)
	}
	f := newFixture(t, engine)
	app := uuid.New()
	b1 := f.upload(t, app, "1.0.0", randBytes(5, 512<<10))
	b2 := f.upload(t, app, "1.0.1", randBytes(6, 512<<10))

	if _, _, err := f.diff.Get(ctx, b1.ID, b2.ID); err == nil {
		t.Fatal("expected failure")
	}
	fail.Store(false)

	// The failed flight was forgotten; the retry computes fresh.
	_, rc, err := f.diff.Get(ctx, b1.ID, b2.ID)
	if err != nil {
		t.Fatalf("retry inherited the failure: %v", err)
	}
	rc.Close()
	if got := f.builds.Load(); got != 2 {
		t.Errorf("engine invoked %d times, want 2", got)
	}
}

func TestUnknownBundle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	app := uuid.New()
	b1 := f.upload(t, app, "1.0.0", randBytes(7, 256<<10))

	_, _, err := f.diff.Get(ctx, b1.ID, rodepush.NewBundleID())
	if err == nil {
		t.Fatal("expected not found")
	}
	if !errors.Is(err, rodepush.ErrNotFound) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestSweeperEvictsLRU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	app := uuid.New()
	b1 := f.upload(t, app, "1.0.0", randBytes(8, 512<<10))
	b2 := f.upload(t, app, "1.0.1", randBytes(9, 512<<10))
	b3 := f.upload(t, app, "1.0.2", randBytes(10, 512<<10))

	get := func(src, tgt rodepush.BundleID) *rodepush.DiffPackage {
		p, rc, err := f.diff.Get(ctx, src, tgt)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, rc)
		rc.Close()
		return p
	}
	old := get(b1.ID, b2.ID)
	f.store.TouchDiffPackage(ctx, old.ID, time.Now().Add(-time.Hour))
	fresh := get(b2.ID, b3.ID)

	// A budget one byte above the fresh package's size leaves room for
	// only that package; the stale one goes first, and then usage fits.
	f.diff.budget = fresh.CompressedSize + 1
	if err := f.diff.sweepOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.GetDiffPackage(ctx, old.SourceBundleID, old.TargetBundleID); !errors.Is(err, rodepush.ErrNotFound) {
		t.Error("least-recently-served package survived")
	}
	if _, err := f.store.GetDiffPackage(ctx, fresh.SourceBundleID, fresh.TargetBundleID); err != nil {
		t.Error("recently served package evicted")
	}
	if _, err := f.blobs.Stat(ctx, old.StorageKey); !errors.Is(err, rodepush.ErrNotFound) {
		t.Error("evicted blob still present")
	}
}
