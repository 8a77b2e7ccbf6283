package rodepush

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
)

// BundleID is the opaque 128-bit identifier assigned to a bundle at
// upload acceptance.
type BundleID struct {
	uuid.UUID
}

// NewBundleID returns a fresh random identifier.
func NewBundleID() BundleID {
	return BundleID{uuid.New()}
}

// ParseBundleID parses the canonical UUID text form.
func ParseBundleID(s string) (BundleID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BundleID{}, &Error{
			Kind:    ErrValidation,
			Message: fmt.Sprintf("invalid bundle id %q", s),
			Inner:   err,
		}
	}
	return BundleID{u}, nil
}

// Codec names the compression codec applied to a stored chunk.
type Codec string

// Recognized codecs.
const (
	CodecNone    Codec = "none"
	CodecZstd    Codec = "zstd"
	CodecDeflate Codec = "deflate"
	CodecBrotli  Codec = "brotli"
)

// ParseCodec validates a codec string.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case CodecNone, CodecZstd, CodecDeflate, CodecBrotli:
		return c, nil
	}
	return "", &Error{Kind: ErrValidation, Message: fmt.Sprintf("unknown codec %q", s)}
}

// Chunk describes one content-addressed byte range of a bundle.
//
// The descriptor is a pure function of the chunk bytes plus its position
// in the logical stream: identity (the digest) never depends on which
// bundle introduced the chunk, so identical bytes in two bundles share
// one stored blob.
type Chunk struct {
	// Digest of the uncompressed chunk bytes.
	Digest Digest `json:"digest"`
	// Offset in the logical bundle stream.
	Offset int64 `json:"offset"`
	// Length of the uncompressed chunk.
	Length int64 `json:"length"`
	// Codec the chunk is stored with.
	Codec Codec `json:"codec"`
}

// StorageKey returns the content-addressed key the chunk blob lives
// under: chunks/<hash-prefix-2>/<hash>.
func (c Chunk) StorageKey() string {
	s := c.Digest.String()
	// Strip the "algo:" qualifier; the prefix shards directory fan-out.
	if i := len(c.Digest.Algorithm()) + 1; i < len(s) {
		s = s[i:]
	}
	return path.Join("chunks", s[:2], s)
}

// Dependency records one entry of a bundle's dependency list.
type Dependency struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Resolved  string `json:"resolved,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Bundle is the immutable record of one uploaded application payload.
//
// A bundle is identified in storage by the key derived from its
// application and bundle ids, never by a database row id.
type Bundle struct {
	ID            BundleID     `json:"id"`
	ApplicationID uuid.UUID    `json:"application_id"`
	Version       Version      `json:"version"`
	Platform      Platform     `json:"platform"`
	CreatedAt     time.Time    `json:"created_at"`
	Size          int64        `json:"size_bytes"`
	Checksum      Digest       `json:"checksum"`
	Dependencies  []Dependency `json:"dependencies,omitempty"`
	// Chunks in reassembly order.
	Chunks []Chunk `json:"chunks"`
}

// StorageKey returns the canonical object-store key for the bundle
// manifest: apps/<app-uuid>/bundles/<bundle-uuid>.
func (b *Bundle) StorageKey() string {
	return path.Join("apps", b.ApplicationID.String(), "bundles", b.ID.String())
}

// DiffStorageKey returns the canonical object-store key for the diff
// package taking src to tgt: apps/<app-uuid>/diffs/<src-uuid>/<tgt-uuid>.
func DiffStorageKey(app uuid.UUID, src, tgt BundleID) string {
	return path.Join("apps", app.String(), "diffs", src.String(), tgt.String())
}

// Validate checks internal consistency of the chunk list against the
// recorded size.
func (b *Bundle) Validate() error {
	if b.Checksum.IsZero() {
		return &Error{Kind: ErrValidation, Message: "bundle checksum unset"}
	}
	var off, total int64
	seen := make(map[string]struct{}, len(b.Chunks))
	for i := range b.Chunks {
		c := &b.Chunks[i]
		if c.Length <= 0 {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("chunk %d: non-positive length", i)}
		}
		if c.Offset != off {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("chunk %d: offset %d, want %d", i, c.Offset, off)}
		}
		if c.Digest.IsZero() {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("chunk %d: digest unset", i)}
		}
		seen[c.Digest.String()] = struct{}{}
		off += c.Length
		total += c.Length
	}
	if total != b.Size {
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("chunk lengths sum to %d, recorded size %d", total, b.Size)}
	}
	return nil
}

// Compatible reports whether a differential update from b to o is
// permitted: platforms must be compatible and versions on the same
// major.minor line.
func (b *Bundle) Compatible(o *Bundle) bool {
	return b.Platform.Compatible(o.Platform) && b.Version.Compatible(o.Version)
}
