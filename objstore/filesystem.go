package objstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/panicfrog/rodepush"
)

// Filesystem stores blobs under a base directory, one file per key.
//
// Writes go to a temporary file in the same directory and are renamed
// into place, so readers never observe a truncated blob. A per-key lock
// serializes concurrent writers; the last completed rename wins.
type Filesystem struct {
	base  string
	locks sync.Map // key -> *sync.Mutex
}

var _ Store = (*Filesystem)(nil)

// NewFilesystem creates the base directory if needed.
func NewFilesystem(base string) (*Filesystem, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, storageErr("creating storage root", err)
	}
	return &Filesystem{base: base}, nil
}

func (s *Filesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", &rodepush.Error{Kind: rodepush.ErrValidation, Message: "invalid storage key " + key}
	}
	return filepath.Join(s.base, filepath.FromSlash(key)), nil
}

func (s *Filesystem) lock(key string) func() {
	m, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Put implements Store.
func (s *Filesystem) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer s.lock(key)()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, storageErr("creating key directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return 0, storageErr("creating temporary file", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	n, err := io.Copy(tmp, r)
	if err != nil {
		return 0, storageErr("writing blob", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, storageErr("syncing blob", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, storageErr("closing blob", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, storageErr("committing blob", err)
	}
	return n, nil
}

// Get implements Store.
func (s *Filesystem) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, notFound(key)
	case err != nil:
		return nil, storageErr("opening blob", err)
	}
	return f, nil
}

// Stat implements Store. The checksum is computed by re-reading the
// blob.
func (s *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	p, err := s.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Info{}, notFound(key)
	case err != nil:
		return Info{}, storageErr("statting blob", err)
	}
	f, err := os.Open(p)
	if err != nil {
		return Info{}, storageErr("opening blob", err)
	}
	defer f.Close()
	d, err := rodepush.SumReader(rodepush.SHA256, f)
	if err != nil {
		return Info{}, err
	}
	return Info{Size: fi.Size(), Checksum: d}, nil
}

// Delete implements Store.
func (s *Filesystem) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("removing blob", err)
	}
	return nil
}

// List implements Store.
func (s *Filesystem) List(ctx context.Context, prefix string, fn func(key string, info Info) error) error {
	root := s.base
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return storageErr("walking storage root", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return storageErr("resolving key", err)
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return storageErr("statting blob", err)
		}
		return fn(key, Info{Size: fi.Size()})
	})
}

// Rename implements Store.
func (s *Filesystem) Rename(ctx context.Context, oldKey, newKey string) error {
	op, err := s.path(oldKey)
	if err != nil {
		return err
	}
	np, err := s.path(newKey)
	if err != nil {
		return err
	}
	defer s.lock(newKey)()
	if err := os.MkdirAll(filepath.Dir(np), 0o755); err != nil {
		return storageErr("creating key directory", err)
	}
	if err := os.Rename(op, np); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(oldKey)
		}
		return storageErr("renaming blob", err)
	}
	return nil
}
