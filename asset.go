package rodepush

import (
	"fmt"
	"io"
	"io/fs"
	"mime"
	"path"
	"sort"
	"time"
)

// Asset records per-file metadata for one resource accompanying a
// bundle.
type Asset struct {
	// Path is the logical path, slash-separated, relative to the asset
	// root.
	Path string `json:"path"`
	// Size in bytes.
	Size int64 `json:"size"`
	// MIMEType is a hint derived from the file extension.
	MIMEType string `json:"mime_type"`
	// Checksum of the asset content.
	Checksum Digest `json:"checksum"`
	// ModTime is the recorded modification time.
	ModTime time.Time `json:"mod_time"`
}

// AssetCollection is a set of assets keyed by logical path.
//
// The collection identifier is the hash over the sorted (path, checksum)
// pairs, so structural equality implies identifier equality.
type AssetCollection struct {
	Assets map[string]Asset `json:"assets"`
}

// NewAssetCollection returns an empty collection.
func NewAssetCollection() *AssetCollection {
	return &AssetCollection{Assets: make(map[string]Asset)}
}

// NewAssetCollectionFS walks sys and builds a collection.
//
// The walk is deterministic: fs.WalkDir visits entries in lexical order,
// and per-file metadata is computed with the named hash algorithm.
func NewAssetCollectionFS(sys fs.FS, algo string) (*AssetCollection, error) {
	c := NewAssetCollection()
	err := fs.WalkDir(sys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		f, err := sys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		dgst, err := SumReader(algo, f)
		if err != nil {
			return err
		}
		mt := mime.TypeByExtension(path.Ext(p))
		if mt == "" {
			mt = "application/octet-stream"
		}
		c.Assets[p] = Asset{
			Path:     p,
			Size:     fi.Size(),
			MIMEType: mt,
			Checksum: dgst,
			ModTime:  fi.ModTime().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Kind: ErrStorage, Message: "walking asset directory", Inner: err}
	}
	return c, nil
}

// Len reports the number of assets.
func (c *AssetCollection) Len() int { return len(c.Assets) }

// Paths returns the asset paths in sorted order.
func (c *AssetCollection) Paths() []string {
	ps := make([]string, 0, len(c.Assets))
	for p := range c.Assets {
		ps = append(ps, p)
	}
	sort.Strings(ps)
	return ps
}

// TotalSize sums the sizes of all assets.
func (c *AssetCollection) TotalSize() int64 {
	var n int64
	for _, a := range c.Assets {
		n += a.Size
	}
	return n
}

// ID computes the rolled-up collection identifier: the SHA-256 over the
// sorted (path, checksum) pairs.
func (c *AssetCollection) ID() Digest {
	h, _ := NewHasher(SHA256)
	for _, p := range c.Paths() {
		a := c.Assets[p]
		io.WriteString(h, p)
		h.Write([]byte{0})
		io.WriteString(h, a.Checksum.String())
		h.Write([]byte{0})
	}
	return NewDigest(SHA256, h.Sum(nil))
}

// Clone returns a deep copy of the collection.
func (c *AssetCollection) Clone() *AssetCollection {
	o := &AssetCollection{Assets: make(map[string]Asset, len(c.Assets))}
	for p, a := range c.Assets {
		o.Assets[p] = a
	}
	return o
}

// Equal reports structural equality of the two collections.
func (c *AssetCollection) Equal(o *AssetCollection) bool {
	return c.ID().Equal(o.ID())
}

// Get looks up an asset by path.
func (c *AssetCollection) Get(p string) (Asset, bool) {
	a, ok := c.Assets[p]
	return a, ok
}

func (c *AssetCollection) String() string {
	return fmt.Sprintf("assets(%d, %s)", len(c.Assets), c.ID())
}
