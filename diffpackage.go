package rodepush

import (
	"time"

	"github.com/google/uuid"
)

// DiffPackage is the catalog record of one immutable differential
// artifact bound to an ordered (source, target) bundle pair.
type DiffPackage struct {
	ID             uuid.UUID `json:"id"`
	ApplicationID  uuid.UUID `json:"application_id"`
	SourceBundleID BundleID  `json:"source_bundle_id"`
	TargetBundleID BundleID  `json:"target_bundle_id"`
	Platform       Platform  `json:"platform"`
	// StorageKey locates the package blob.
	StorageKey string `json:"storage_key"`
	// Checksum of the framed package payload.
	Checksum         Digest    `json:"checksum"`
	UncompressedSize int64     `json:"uncompressed_size"`
	CompressedSize   int64     `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	CreatedAt        time.Time `json:"created_at"`
	// ServedAt is bumped on every cache hit; the eviction sweeper
	// removes least-recently-served packages first.
	ServedAt time.Time `json:"served_at"`
}

// Ratio computes compressed/uncompressed clamped to [0,1].
func Ratio(compressed, uncompressed int64) float64 {
	if uncompressed <= 0 {
		return 1
	}
	r := float64(compressed) / float64(uncompressed)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
