package libdiff

import (
	"context"
	"time"

	"github.com/quay/zlog"
)

// Sweep runs the eviction loop until the context is cancelled. A zero
// budget disables it. Deletion order is catalog-first, then blob: an
// orphan blob is tolerable, an orphan row is not.
func (l *Libdiff) Sweep(ctx context.Context) {
	ctx = zlog.ContextWithValues(ctx, "component", "libdiff/Sweep")
	if l.budget <= 0 {
		zlog.Debug(ctx).Msg("eviction disabled")
		return
	}
	t := time.NewTicker(l.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := l.sweepOnce(ctx); err != nil {
			zlog.Warn(ctx).Err(err).Msg("sweep pass failed")
		}
	}
}

// sweepOnce evicts least-recently-served packages until usage is under
// budget.
func (l *Libdiff) sweepOnce(ctx context.Context) error {
	total, err := l.store.TotalDiffBytes(ctx)
	if err != nil {
		return err
	}
	if total <= l.budget {
		return nil
	}
	lru, err := l.store.ListDiffPackagesLRU(ctx, 64)
	if err != nil {
		return err
	}
	for _, p := range lru {
		if total <= l.budget {
			break
		}
		if err := l.store.DeleteDiffPackage(ctx, p.ID); err != nil {
			return err
		}
		if l.cache != nil {
			l.cache.Delete(ctx, "diff:"+pairKey(p.SourceBundleID, p.TargetBundleID))
		}
		if err := l.blobs.Delete(ctx, p.StorageKey); err != nil {
			zlog.Warn(ctx).Err(err).Str("key", p.StorageKey).Msg("orphaned diff blob")
		}
		total -= p.CompressedSize
		evictCounter.Inc()
		zlog.Info(ctx).
			Str("source", p.SourceBundleID.String()).
			Str("target", p.TargetBundleID.String()).
			Int64("freed", p.CompressedSize).
			Msg("diff package evicted")
	}
	return nil
}
