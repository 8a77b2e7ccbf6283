// Package objstore abstracts blob persistence behind a narrow key→blob
// interface.
//
// Writes are atomic: a reader observes either the prior value or the
// complete new value, never a truncated blob. Keys are slash-separated
// paths structured so prefix listing supports GC and backups:
// apps/<app-uuid>/bundles/<bundle-uuid>, apps/<app-uuid>/diffs/<src>/<tgt>,
// and chunks/<hash-prefix-2>/<hash>.
package objstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/panicfrog/rodepush"
)

// Info describes a stored blob.
type Info struct {
	Size int64
	// Checksum is populated where the backend exposes or computes one;
	// callers must handle a zero digest.
	Checksum rodepush.Digest
}

// Store is the blob persistence capability.
//
// Concurrent writers to one key are serialized such that the final blob
// equals exactly one submitted payload; with every bundled
// implementation the last completed write wins and earlier payloads are
// discarded whole.
type Store interface {
	// Put atomically writes the reader's content under key, returning
	// the byte count.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Get opens the blob for reading.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Stat reports size and, where available, checksum.
	Stat(ctx context.Context, key string) (Info, error)
	// Delete removes the blob. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List walks keys under prefix in unspecified order.
	List(ctx context.Context, prefix string, fn func(key string, info Info) error) error
	// Rename atomically moves a blob, replacing any existing target.
	// Uploads stage under a temporary key and commit with Rename after
	// the catalog row exists.
	Rename(ctx context.Context, oldKey, newKey string) error
}

// StagingKey derives the staging location for an upload in flight.
func StagingKey(key string) string {
	return "staging/" + strings.ReplaceAll(key, "/", "_")
}

// Retry policy for transient storage failures: exponential backoff from
// 100 ms, factor 2, capped at 5 s, 3 attempts. Logical errors are not
// retried.
const (
	retryBase     = 100 * time.Millisecond
	retryCap      = 5 * time.Second
	retryAttempts = 3
)

// retry runs fn under the storage retry policy.
func retry(ctx context.Context, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, rodepush.ErrTransient) {
			return err
		}
	}
	return err
}

// transient wraps err as a retryable storage failure.
func transient(msg string, err error) error {
	return &rodepush.Error{
		Kind:    rodepush.ErrStorage,
		Message: msg,
		Inner:   &rodepush.Error{Kind: rodepush.ErrTransient, Inner: err},
	}
}

// storageErr wraps err as a non-retryable storage failure.
func storageErr(msg string, err error) error {
	return &rodepush.Error{Kind: rodepush.ErrStorage, Message: msg, Inner: err}
}

// notFound reports a missing key.
func notFound(key string) error {
	return &rodepush.Error{Kind: rodepush.ErrNotFound, Message: "no blob at " + key}
}
