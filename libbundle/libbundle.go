// Package libbundle implements the method set for accepting, serving,
// and deleting application bundles.
//
// An upload streams through the hasher into a staging blob, is verified
// against the advertised checksum, split into content-addressed chunks,
// recorded in the catalog, and only then committed to its final storage
// key. A caller that disconnects mid-upload leaves no catalog row and
// no committed blob.
package libbundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/chunker"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/objstore"
)

// Options configure a Libbundle instance.
type Options struct {
	// Store is the metadata catalog.
	Store datastore.Store
	// Blobs is the object store.
	Blobs objstore.Store
	// Codec and Level select chunk metadata recorded at upload.
	Codec rodepush.Codec
	Level int
	// Workers bounds concurrent CPU-heavy work; defaults to the core
	// count.
	Workers int
}

// Libbundle orchestrates bundle ingestion and retrieval.
type Libbundle struct {
	store datastore.Store
	blobs objstore.Store
	codec rodepush.Codec
	level int
	// cpu gates chunk hashing so it cannot monopolize the scheduler.
	cpu *semaphore.Weighted
}

// New validates the options.
func New(ctx context.Context, opts *Options) (*Libbundle, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libbundle/New")
	if opts.Store == nil {
		return nil, fmt.Errorf("field Store cannot be nil")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("field Blobs cannot be nil")
	}
	codec := opts.Codec
	if codec == "" {
		codec = rodepush.CodecZstd
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	l := &Libbundle{
		store: opts.Store,
		blobs: opts.Blobs,
		codec: codec,
		level: opts.Level,
		cpu:   semaphore.NewWeighted(int64(workers)),
	}
	zlog.Info(ctx).Int("workers", workers).Msg("bundle service configured")
	return l, nil
}

// UploadRequest describes one incoming bundle.
type UploadRequest struct {
	ApplicationID uuid.UUID
	Version       rodepush.Version
	Platform      rodepush.Platform
	// Checksum is the client-advertised digest of the body; a mismatch
	// aborts the upload with an integrity error and nothing persisted.
	Checksum     rodepush.Digest
	Dependencies []rodepush.Dependency
	Body         io.Reader
}

// Upload ingests one bundle.
func (l *Libbundle) Upload(ctx context.Context, req *UploadRequest) (*rodepush.Bundle, error) {
	const op = `libbundle/Upload`
	ctx = zlog.ContextWithValues(ctx, "component", op,
		"application", req.ApplicationID.String(),
		"version", req.Version.String())
	start := time.Now()

	if req.Checksum.IsZero() {
		return nil, &rodepush.Error{Op: op, Kind: rodepush.ErrValidation, Message: "missing advertised checksum"}
	}

	b := &rodepush.Bundle{
		ID:            rodepush.NewBundleID(),
		ApplicationID: req.ApplicationID,
		Version:       req.Version,
		Platform:      req.Platform,
		CreatedAt:     time.Now().UTC(),
		Dependencies:  req.Dependencies,
	}
	staging := objstore.StagingKey(b.StorageKey())

	// Stream the body to the staging key, hashing as it passes.
	dr, err := rodepush.NewDigestReader(req.Checksum.Algorithm(), req.Body)
	if err != nil {
		return nil, err
	}
	if _, err := l.blobs.Put(ctx, staging, dr); err != nil {
		return nil, err
	}
	discardStaging := func() {
		if err := l.blobs.Delete(context.WithoutCancel(ctx), staging); err != nil {
			zlog.Warn(ctx).Err(err).Msg("orphaned staging blob")
		}
	}

	got := dr.Digest()
	if !got.Equal(req.Checksum) {
		discardStaging()
		return nil, &rodepush.Error{
			Op:      op,
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("upload hashed to %s, advertised %s", got, req.Checksum),
		}
	}
	b.Size = dr.Count()
	b.Checksum = got

	if err := l.ingestChunks(ctx, b, staging); err != nil {
		discardStaging()
		return nil, err
	}

	// Catalog row before commit: a cancelled caller leaves only the
	// staging blob, which the discard below removes.
	if err := l.store.InsertBundle(ctx, b); err != nil {
		discardStaging()
		return nil, err
	}
	if err := l.blobs.Rename(ctx, staging, b.StorageKey()); err != nil {
		// The row exists but the final blob is missing; undo the row so
		// no partial state survives.
		if _, derr := l.store.DeleteBundle(context.WithoutCancel(ctx), b.ID); derr != nil {
			zlog.Error(ctx).Err(derr).Msg("orphaned bundle row after failed commit")
		}
		discardStaging()
		return nil, err
	}

	zlog.Info(ctx).
		Str("bundle", b.ID.String()).
		Int64("size", b.Size).
		Int("chunks", len(b.Chunks)).
		Dur("elapsed", time.Since(start)).
		Msg("bundle accepted")
	return b, nil
}

// ingestChunks splits the staged payload and stores each chunk
// content-addressed, deduplicating against blobs already present.
func (l *Libbundle) ingestChunks(ctx context.Context, b *rodepush.Bundle, staging string) error {
	rc, err := l.blobs.Get(ctx, staging)
	if err != nil {
		return err
	}
	defer rc.Close()

	var (
		ck   = chunker.NewGear(rc)
		off  int64
		idx  int
		mu   sync.Mutex
		done = make(map[int]rodepush.Chunk)
	)
	eg, ectx := errgroup.WithContext(ctx)
	for {
		data, err := ck.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &rodepush.Error{Kind: rodepush.ErrStorage, Message: "reading staged upload", Inner: err}
		}
		i, o := idx, off
		idx++
		off += int64(len(data))
		// The semaphore bounds both CPU use and the number of chunk
		// buffers held in flight.
		if err := l.cpu.Acquire(ectx, 1); err != nil {
			if werr := eg.Wait(); werr != nil {
				return werr
			}
			return err
		}
		eg.Go(func() error {
			defer l.cpu.Release(1)
			d, err := rodepush.Sum(rodepush.SHA256, data)
			if err != nil {
				return err
			}
			c := rodepush.Chunk{Digest: d, Offset: o, Length: int64(len(data)), Codec: l.codec}
			if _, err := l.blobs.Stat(ectx, c.StorageKey()); err != nil {
				if !errors.Is(err, rodepush.ErrNotFound) {
					return err
				}
				if _, err := l.blobs.Put(ectx, c.StorageKey(), bytes.NewReader(data)); err != nil {
					return err
				}
			}
			mu.Lock()
			done[i] = c
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if len(done) != idx {
		return &rodepush.Error{Kind: rodepush.ErrInternal, Message: "chunk ingestion incomplete"}
	}
	b.Chunks = make([]rodepush.Chunk, idx)
	for i := range b.Chunks {
		b.Chunks[i] = done[i]
	}
	return nil
}

// Get returns a bundle's catalog record.
func (l *Libbundle) Get(ctx context.Context, id rodepush.BundleID) (*rodepush.Bundle, error) {
	return l.store.GetBundle(ctx, id)
}

// List returns bundle records for an application.
func (l *Libbundle) List(ctx context.Context, f datastore.BundleFilter) ([]*rodepush.Bundle, error) {
	return l.store.ListBundles(ctx, f)
}

// Open streams the full bundle payload.
func (l *Libbundle) Open(ctx context.Context, id rodepush.BundleID) (*rodepush.Bundle, io.ReadCloser, error) {
	b, err := l.store.GetBundle(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := l.blobs.Get(ctx, b.StorageKey())
	if err != nil {
		return nil, nil, err
	}
	return b, rc, nil
}

// Delete removes a bundle: the catalog row (cascading to diffs on both
// sides) first, then the blobs. Blob removal failures leave orphans,
// which are tolerable; orphan rows are not.
func (l *Libbundle) Delete(ctx context.Context, id rodepush.BundleID) error {
	const op = `libbundle/Delete`
	ctx = zlog.ContextWithValues(ctx, "component", op)
	b, err := l.store.GetBundle(ctx, id)
	if err != nil {
		return err
	}
	diffs, err := l.store.DeleteBundle(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range diffs {
		if err := l.blobs.Delete(ctx, p.StorageKey); err != nil {
			zlog.Warn(ctx).Err(err).Str("key", p.StorageKey).Msg("orphaned diff blob")
		}
	}
	if err := l.blobs.Delete(ctx, b.StorageKey()); err != nil {
		zlog.Warn(ctx).Err(err).Str("key", b.StorageKey()).Msg("orphaned bundle blob")
	}
	zlog.Info(ctx).Str("bundle", id.String()).Int("diffs", len(diffs)).Msg("bundle deleted")
	return nil
}

// GetChunk loads one chunk's bytes; it satisfies the diff engine's
// chunk source.
func (l *Libbundle) GetChunk(ctx context.Context, c rodepush.Chunk) ([]byte, error) {
	rc, err := l.blobs.Get(ctx, c.StorageKey())
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &rodepush.Error{Kind: rodepush.ErrStorage, Message: "reading chunk", Inner: err}
	}
	return b, nil
}
