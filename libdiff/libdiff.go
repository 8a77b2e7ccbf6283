// Package libdiff implements the method set for fetching differential
// packages, creating them on demand.
//
// The service is cache-first: a catalog row whose blob still stats
// clean is served directly. Misses are coalesced through a per-pair
// single-flight guard so N concurrent callers trigger exactly one
// build, and a failed build evicts its flight so retriers compute
// fresh. A background sweeper enforces the on-disk budget, evicting
// least-recently-served packages first.
package libdiff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/bundlediff"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/internal/cache"
	"github.com/panicfrog/rodepush/objstore"
)

// BuildFunc is the diff computation the service commissions. It exists
// as an injection point; production wiring uses [bundlediff.Build].
type BuildFunc func(ctx context.Context, w io.Writer, src, tgt *rodepush.Bundle, get bundlediff.Getter, o bundlediff.Options) (bundlediff.Stats, error)

// Options configure a Libdiff instance.
type Options struct {
	// Store is the metadata catalog.
	Store datastore.Store
	// Blobs is the object store.
	Blobs objstore.Store
	// Chunks loads chunk bytes for the diff engine.
	Chunks bundlediff.Getter
	// Cache fronts the catalog row lookup; nil disables it.
	Cache    cache.Cache
	CacheTTL time.Duration
	// Codec and Level configure the package frame.
	Codec rodepush.Codec
	Level int
	// DeltaThreshold is forwarded to the engine; zero selects the
	// contract default.
	DeltaThreshold float64
	// Timeout bounds one package build.
	Timeout time.Duration
	// MaxInFlight bounds concurrent builds; defaults to the core count.
	MaxInFlight int
	// BudgetBytes bounds stored diff bytes; zero disables the sweeper.
	BudgetBytes int64
	// SweepInterval paces the sweeper.
	SweepInterval time.Duration
	// Engine overrides the diff computation; nil selects
	// [bundlediff.Build].
	Engine BuildFunc
}

// Libdiff coalesces, builds, serves, and evicts diff packages.
type Libdiff struct {
	store   datastore.Store
	blobs   objstore.Store
	chunks  bundlediff.Getter
	cache   cache.Cache
	ttl     time.Duration
	codec   rodepush.Codec
	level   int
	thresh  float64
	timeout time.Duration
	engine  BuildFunc

	// sf deduplicates in-flight builds per ordered pair. The internal
	// lock is held only across map operations, never across a build.
	sf  singleflight.Group
	cpu *semaphore.Weighted

	budget        int64
	sweepInterval time.Duration
}

// New validates the options.
func New(ctx context.Context, opts *Options) (*Libdiff, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libdiff/New")
	if opts.Store == nil {
		return nil, fmt.Errorf("field Store cannot be nil")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("field Blobs cannot be nil")
	}
	if opts.Chunks == nil {
		return nil, fmt.Errorf("field Chunks cannot be nil")
	}
	engine := opts.Engine
	if engine == nil {
		engine = bundlediff.Build
	}
	codec := opts.Codec
	if codec == "" {
		codec = rodepush.CodecZstd
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	inflight := opts.MaxInFlight
	if inflight <= 0 {
		inflight = runtime.GOMAXPROCS(0)
	}
	interval := opts.SweepInterval
	if interval == 0 {
		interval = time.Minute
	}
	l := &Libdiff{
		store:         opts.Store,
		blobs:         opts.Blobs,
		chunks:        opts.Chunks,
		cache:         opts.Cache,
		ttl:           opts.CacheTTL,
		codec:         codec,
		level:         opts.Level,
		thresh:        opts.DeltaThreshold,
		timeout:       timeout,
		engine:        engine,
		cpu:           semaphore.NewWeighted(int64(inflight)),
		budget:        opts.BudgetBytes,
		sweepInterval: interval,
	}
	zlog.Info(ctx).
		Int("max_in_flight", inflight).
		Int64("budget_bytes", l.budget).
		Msg("diff service configured")
	return l, nil
}

func pairKey(src, tgt rodepush.BundleID) string {
	return src.String() + "/" + tgt.String()
}

// Get returns the diff package for the ordered pair, building it if
// absent.
func (l *Libdiff) Get(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, io.ReadCloser, error) {
	const op = `libdiff/Get`
	ctx = zlog.ContextWithValues(ctx, "component", op,
		"source", src.String(), "target", tgt.String())

	if p, rc, err := l.cached(ctx, src, tgt); err == nil {
		hitCounter.Inc()
		return p, rc, nil
	} else if !isMiss(err) {
		return nil, nil, err
	}
	missCounter.Inc()

	key := pairKey(src, tgt)
	// The build runs detached from the caller: a disconnect must not
	// waste the computation, later duplicates want the cached result.
	bctx := context.WithoutCancel(ctx)
	ch := l.sf.DoChan(key, func() (interface{}, error) {
		p, err := l.build(bctx, src, tgt)
		if err != nil {
			// Evict the failed flight so retriers get a fresh attempt
			// rather than inheriting the cached failure.
			l.sf.Forget(key)
			return nil, err
		}
		return p, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		p := res.Val.(*rodepush.DiffPackage)
		rc, err := l.open(ctx, p)
		if err != nil {
			return nil, nil, err
		}
		return p, rc, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// cached serves the pair from the catalog when the blob still matches.
func (l *Libdiff) cached(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, io.ReadCloser, error) {
	p, err := l.lookup(ctx, src, tgt)
	if err != nil {
		return nil, nil, err
	}
	info, err := l.blobs.Stat(ctx, p.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	if info.Size != p.CompressedSize {
		return nil, nil, &rodepush.Error{
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("diff blob is %d bytes, row records %d", info.Size, p.CompressedSize),
		}
	}
	rc, err := l.open(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	return p, rc, nil
}

func (l *Libdiff) lookup(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, error) {
	key := "diff:" + pairKey(src, tgt)
	if l.cache != nil {
		if b, ok, err := l.cache.Get(ctx, key); err == nil && ok {
			p := &rodepush.DiffPackage{}
			if err := json.Unmarshal(b, p); err == nil {
				return p, nil
			}
		}
	}
	p, err := l.store.GetDiffPackage(ctx, src, tgt)
	if err != nil {
		return nil, err
	}
	l.remember(ctx, p)
	return p, nil
}

func (l *Libdiff) remember(ctx context.Context, p *rodepush.DiffPackage) {
	if l.cache == nil {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := "diff:" + pairKey(p.SourceBundleID, p.TargetBundleID)
	if err := l.cache.Set(ctx, key, b, l.ttl); err != nil {
		zlog.Debug(ctx).Err(err).Msg("diff metadata cache set failed")
	}
}

// open streams the package blob and bumps served_at.
func (l *Libdiff) open(ctx context.Context, p *rodepush.DiffPackage) (io.ReadCloser, error) {
	rc, err := l.blobs.Get(ctx, p.StorageKey)
	if err != nil {
		return nil, err
	}
	if err := l.store.TouchDiffPackage(ctx, p.ID, time.Now().UTC()); err != nil {
		zlog.Debug(ctx).Err(err).Msg("served_at bump failed")
	}
	return rc, nil
}

// isMiss reports whether the cached path failed in a way that warrants
// a build: no row, no blob, or a stale blob.
func isMiss(err error) bool {
	return errors.Is(err, rodepush.ErrNotFound) || errors.Is(err, rodepush.ErrIntegrity)
}
