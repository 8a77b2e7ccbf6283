package libdiff

import (
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"time"

	"github.com/quay/zlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/bundlediff"
	"github.com/panicfrog/rodepush/objstore"
)

var tracer trace.Tracer = otel.Tracer("github.com/panicfrog/rodepush/libdiff")

// build computes one diff package and records it. It runs under the
// single-flight guard, detached from the originating caller, bounded by
// the configured timeout and the in-flight semaphore.
func (l *Libdiff) build(ctx context.Context, src, tgt rodepush.BundleID) (*rodepush.DiffPackage, error) {
	const op = `libdiff/build`
	ctx = zlog.ContextWithValues(ctx, "component", op)
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "libdiff.build")
	defer span.End()

	if err := l.cpu.Acquire(ctx, 1); err != nil {
		return nil, &rodepush.Error{Op: op, Kind: rodepush.ErrExhausted, Message: "diff build slots exhausted", Inner: err}
	}
	defer l.cpu.Release(1)
	start := time.Now()

	// Double-check under the flight: a caller that raced in after a
	// finished flight was forgotten finds the row instead of
	// recomputing.
	if p, err := l.store.GetDiffPackage(ctx, src, tgt); err == nil {
		if info, err := l.blobs.Stat(ctx, p.StorageKey); err == nil && info.Size == p.CompressedSize {
			return p, nil
		}
	}

	sb, err := l.store.GetBundle(ctx, src)
	if err != nil {
		return nil, err
	}
	tb, err := l.store.GetBundle(ctx, tgt)
	if err != nil {
		return nil, err
	}

	final := rodepush.DiffStorageKey(sb.ApplicationID, src, tgt)
	staging := objstore.StagingKey(final)

	// Stream the package through a pipe into the staging blob, hashing
	// the framed bytes on the way.
	pr, pw := io.Pipe()
	hw := &hashWriter{w: pw, h: sha256.New()}
	var stats bundlediff.Stats
	done := make(chan error, 1)
	go func() {
		var err error
		stats, err = l.engine(ctx, hw, sb, tb, l.chunks, bundlediff.Options{
			DeltaThreshold: l.thresh,
			Codec:          l.codec,
			Level:          l.level,
		})
		pw.CloseWithError(err)
		done <- err
	}()
	if _, err := l.blobs.Put(ctx, staging, pr); err != nil {
		pr.CloseWithError(err)
		<-done
		return nil, err
	}
	if err := <-done; err != nil {
		l.discard(ctx, staging)
		return nil, err
	}

	p := &rodepush.DiffPackage{
		ApplicationID:    sb.ApplicationID,
		SourceBundleID:   src,
		TargetBundleID:   tgt,
		Platform:         tb.Platform,
		StorageKey:       final,
		Checksum:         rodepush.NewDigest(rodepush.SHA256, hw.h.Sum(nil)),
		UncompressedSize: stats.UncompressedSize,
		CompressedSize:   stats.CompressedSize,
		CompressionRatio: stats.Ratio(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := l.blobs.Rename(ctx, staging, final); err != nil {
		l.discard(ctx, staging)
		return nil, err
	}
	stored, err := l.store.InsertDiffPackage(ctx, p)
	if err != nil {
		// Orphan blob, tolerable; the row is authoritative.
		return nil, err
	}
	l.remember(ctx, stored)

	buildCounter.Inc()
	buildDuration.Observe(time.Since(start).Seconds())
	zlog.Info(ctx).
		Int64("compressed_size", stored.CompressedSize).
		Int("refs", stats.Refs).
		Int("deltas", stats.Deltas).
		Int("inlines", stats.Inlines).
		Dur("elapsed", time.Since(start)).
		Msg("diff package built")
	return stored, nil
}

func (l *Libdiff) discard(ctx context.Context, key string) {
	if err := l.blobs.Delete(ctx, key); err != nil {
		zlog.Warn(ctx).Err(err).Str("key", key).Msg("orphaned staging blob")
	}
}

type hashWriter struct {
	w io.Writer
	h hash.Hash
}

func (w *hashWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.h.Write(p[:n])
	return n, err
}
