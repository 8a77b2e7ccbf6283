package objstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/panicfrog/rodepush"
)

// S3 stores blobs in an S3-compatible bucket.
//
// Object writes are atomic on the service side, so no staging dance is
// needed; Rename copies then deletes.
type S3 struct {
	client *minio.Client
	bucket string
}

var _ Store = (*S3)(nil)

// NewS3 wraps an initialized client. The bucket must exist.
func NewS3(client *minio.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func s3Err(msg string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return &rodepush.Error{Kind: rodepush.ErrNotFound, Message: msg, Inner: err}
	case "SlowDown", "InternalError", "RequestTimeout":
		return transient(msg, err)
	}
	return storageErr(msg, err)
}

// Put implements Store.
func (s *S3) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	var n int64
	err := retry(ctx, func() error {
		info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{})
		if err != nil {
			return s3Err("putting object "+key, err)
		}
		n = info.Size
		return nil
	})
	return n, err
}

// Get implements Store.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3Err("getting object "+key, err)
	}
	// GetObject is lazy; surface missing keys now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s3Err("getting object "+key, err)
	}
	return obj, nil
}

// Stat implements Store. The checksum is left zero: S3 ETags are not
// content digests for multipart uploads.
func (s *S3) Stat(ctx context.Context, key string) (Info, error) {
	var info Info
	err := retry(ctx, func() error {
		oi, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return s3Err("statting object "+key, err)
		}
		info = Info{Size: oi.Size}
		return nil
	})
	return info, err
}

// Delete implements Store.
func (s *S3) Delete(ctx context.Context, key string) error {
	return retry(ctx, func() error {
		err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
		if err != nil {
			return s3Err("removing object "+key, err)
		}
		return nil
	})
}

// List implements Store.
func (s *S3) List(ctx context.Context, prefix string, fn func(key string, info Info) error) error {
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return s3Err("listing "+prefix, obj.Err)
		}
		if err := fn(obj.Key, Info{Size: obj.Size}); err != nil {
			return err
		}
	}
	return nil
}

// Rename implements Store.
func (s *S3) Rename(ctx context.Context, oldKey, newKey string) error {
	err := retry(ctx, func() error {
		_, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: newKey},
			minio.CopySrcOptions{Bucket: s.bucket, Object: oldKey},
		)
		if err != nil {
			return s3Err("copying object "+oldKey, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.Delete(ctx, oldKey)
}
