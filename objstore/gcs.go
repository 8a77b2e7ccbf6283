package objstore

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/panicfrog/rodepush"
)

// GCS stores blobs in a Google Cloud Storage bucket.
//
// GCS object creation is atomic, so writes need no staging; Rename is a
// server-side copy followed by a delete.
type GCS struct {
	bucket *storage.BucketHandle
}

var _ Store = (*GCS)(nil)

// NewGCS wraps a bucket handle from an initialized client.
func NewGCS(bucket *storage.BucketHandle) *GCS {
	return &GCS{bucket: bucket}
}

func gcsErr(msg string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return &rodepush.Error{Kind: rodepush.ErrNotFound, Message: msg, Inner: err}
	}
	return storageErr(msg, err)
}

// Put implements Store.
func (s *GCS) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return 0, storageErr("writing object "+key, err)
	}
	if err := w.Close(); err != nil {
		return 0, transient("committing object "+key, err)
	}
	return n, nil
}

// Get implements Store.
func (s *GCS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, gcsErr("opening object "+key, err)
	}
	return r, nil
}

// Stat implements Store. The checksum is left zero; GCS exposes CRC32C,
// not a rodepush digest.
func (s *GCS) Stat(ctx context.Context, key string) (Info, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return Info{}, gcsErr("statting object "+key, err)
	}
	return Info{Size: attrs.Size}, nil
}

// Delete implements Store.
func (s *GCS) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return storageErr("removing object "+key, err)
	}
	return nil
}

// List implements Store.
func (s *GCS) List(ctx context.Context, prefix string, fn func(key string, info Info) error) error {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return storageErr("listing "+prefix, err)
		}
		if err := fn(attrs.Name, Info{Size: attrs.Size}); err != nil {
			return err
		}
	}
}

// Rename implements Store.
func (s *GCS) Rename(ctx context.Context, oldKey, newKey string) error {
	src := s.bucket.Object(oldKey)
	if _, err := s.bucket.Object(newKey).CopierFrom(src).Run(ctx); err != nil {
		return gcsErr("copying object "+oldKey, err)
	}
	return s.Delete(ctx, oldKey)
}
