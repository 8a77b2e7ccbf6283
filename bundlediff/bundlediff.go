// Package bundlediff produces and applies binary differential packages
// between two chunked bundles.
//
// Shared chunks are listed by reference, changed chunks are carried as a
// byte-level delta against the best-matching source chunk when the
// encoding is worthwhile, and verbatim otherwise. The whole package is
// framed inside the streaming compressor.
package bundlediff

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"sort"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/compress"
	"github.com/panicfrog/rodepush/delta"
)

// DefaultDeltaThreshold is the contract default: a delta is used only
// when its encoded size is at most this fraction of the target chunk.
const DefaultDeltaThreshold = 0.7

// Getter loads chunk bytes for a bundle, typically backed by the object
// store.
type Getter interface {
	GetChunk(ctx context.Context, c rodepush.Chunk) ([]byte, error)
}

// Options tune package generation.
type Options struct {
	// DeltaThreshold in (0, 1]; zero selects DefaultDeltaThreshold.
	DeltaThreshold float64
	// Codec and Level configure the outer frame.
	Codec rodepush.Codec
	Level int
}

func (o *Options) threshold() float64 {
	if o.DeltaThreshold <= 0 || o.DeltaThreshold > 1 {
		return DefaultDeltaThreshold
	}
	return o.DeltaThreshold
}

// Stats reports sizes of a built package.
type Stats struct {
	// UncompressedSize is the inner stream length.
	UncompressedSize int64
	// CompressedSize is the framed output length.
	CompressedSize int64
	// Refs, Deltas, Inlines count the manifest operations.
	Refs, Deltas, Inlines int
}

// Ratio is the compression ratio clamped to [0, 1].
func (s Stats) Ratio() float64 {
	return rodepush.Ratio(s.CompressedSize, s.UncompressedSize)
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Build writes the differential package taking src to tgt into w.
//
// Source chunk bytes are loaded through get on demand; nothing buffers
// more than a handful of chunks at once.
func Build(ctx context.Context, w io.Writer, src, tgt *rodepush.Bundle, get Getter, o Options) (Stats, error) {
	var stats Stats
	if !src.Compatible(tgt) {
		return stats, &rodepush.Error{
			Kind:    rodepush.ErrValidation,
			Message: fmt.Sprintf("bundles %s and %s are not diff-compatible", src.ID, tgt.ID),
		}
	}
	if uint64(len(tgt.Chunks)) > math.MaxUint32 {
		return stats, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "too many chunks"}
	}

	cw := &countWriter{w: w}
	fw, err := compress.NewWriter(cw, o.Codec, o.Level)
	if err != nil {
		return stats, err
	}
	inner := &crcWriter{w: fw}

	hdr := &header{platform: tgt.Platform, chunkCount: uint32(len(tgt.Chunks))}
	copy(hdr.sourceSum[:], src.Checksum.Checksum())
	copy(hdr.targetSum[:], tgt.Checksum.Checksum())
	if err := writeHeader(inner, hdr); err != nil {
		return stats, buildErr(err)
	}

	srcByDigest := make(map[string]rodepush.Chunk, len(src.Chunks))
	for _, c := range src.Chunks {
		srcByDigest[c.Digest.String()] = c
	}
	threshold := o.threshold()

	for i, tc := range tgt.Chunks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, ok := srcByDigest[tc.Digest.String()]; ok {
			if err := writeOp(inner, OpRef, []byte(tc.Digest.String())); err != nil {
				return stats, buildErr(err)
			}
			stats.Refs++
			continue
		}

		tgtBytes, err := get.GetChunk(ctx, tc)
		if err != nil {
			return stats, err
		}
		base, baseBytes, err := bestSource(ctx, src, get, i, tc)
		if err != nil {
			return stats, err
		}
		if baseBytes != nil {
			d := delta.Diff(baseBytes, tgtBytes)
			if float64(len(d)) <= threshold*float64(len(tgtBytes)) {
				payload := encodeDeltaPayload(base.Digest, d)
				if err := writeOp(inner, OpDelta, payload); err != nil {
					return stats, buildErr(err)
				}
				stats.Deltas++
				continue
			}
		}
		if err := writeOp(inner, OpInline, tgtBytes); err != nil {
			return stats, buildErr(err)
		}
		stats.Inlines++
	}

	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], inner.crc)
	if _, err := fw.Write(tail[:]); err != nil {
		return stats, buildErr(err)
	}
	if err := fw.Close(); err != nil {
		return stats, buildErr(err)
	}
	stats.UncompressedSize = fw.Count()
	stats.CompressedSize = cw.n
	return stats, nil
}

// bestSource picks the delta base for a non-shared target chunk: the
// source chunk at the same ordinal position and the one covering the
// target's stream offset are the two locality candidates; the larger of
// the two is preferred so the suffix array sees the most context.
func bestSource(ctx context.Context, src *rodepush.Bundle, get Getter, i int, tc rodepush.Chunk) (rodepush.Chunk, []byte, error) {
	var cands []rodepush.Chunk
	if i < len(src.Chunks) {
		cands = append(cands, src.Chunks[i])
	}
	if j := sort.Search(len(src.Chunks), func(k int) bool {
		return src.Chunks[k].Offset+src.Chunks[k].Length > tc.Offset
	}); j < len(src.Chunks) && (len(cands) == 0 || !src.Chunks[j].Digest.Equal(cands[0].Digest)) {
		cands = append(cands, src.Chunks[j])
	}
	if len(cands) == 0 {
		return rodepush.Chunk{}, nil, nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Length > best.Length {
			best = c
		}
	}
	b, err := get.GetChunk(ctx, best)
	if err != nil {
		return rodepush.Chunk{}, nil, err
	}
	return best, b, nil
}

func encodeDeltaPayload(base rodepush.Digest, d []byte) []byte {
	ref := []byte(base.String())
	payload := make([]byte, 0, binary.MaxVarintLen64+len(ref)+len(d))
	payload = binary.AppendUvarint(payload, uint64(len(ref)))
	payload = append(payload, ref...)
	payload = append(payload, d...)
	return payload
}

func decodeDeltaPayload(payload []byte) (rodepush.Digest, []byte, error) {
	n, w := binary.Uvarint(payload)
	if w <= 0 || uint64(len(payload)-w) < n {
		return rodepush.Digest{}, nil, corrupt("bad delta payload", nil)
	}
	dg, err := rodepush.ParseDigest(string(payload[w : w+int(n)]))
	if err != nil {
		return rodepush.Digest{}, nil, err
	}
	return dg, payload[w+int(n):], nil
}

func buildErr(err error) error {
	if _, ok := err.(*rodepush.Error); ok {
		return err
	}
	return &rodepush.Error{Kind: rodepush.ErrStorage, Message: "writing diff package", Inner: err}
}

// Apply reconstructs the target bundle bytes from base and a package
// stream.
//
// Apply is atomic: the reconstructed bytes are returned only after the
// header's base checksum, the trailing CRC, and the target checksum all
// verify; no partial state is observable on error. Callers stream the
// result to a staging location before commit.
func Apply(ctx context.Context, base *rodepush.Bundle, get Getter, pkg io.Reader) ([]byte, error) {
	fr, err := compress.NewReader(pkg)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	var crc uint32
	tee := &crcReader{r: fr}
	hdr, err := readHeader(tee)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr.sourceSum[:], base.Checksum.Checksum()) {
		return nil, &rodepush.Error{
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("diff package built against a different base than %s", base.Checksum),
		}
	}

	baseByDigest := make(map[string]rodepush.Chunk, len(base.Chunks))
	for _, c := range base.Chunks {
		baseByDigest[c.Digest.String()] = c
	}

	var out bytes.Buffer
	th, _ := rodepush.NewHasher(base.Checksum.Algorithm())
	for i := uint32(0); i < hdr.chunkCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, payload, err := readOp(tee)
		if err != nil {
			return nil, err
		}
		var chunkBytes []byte
		switch op {
		case OpRef:
			dg, err := rodepush.ParseDigest(string(payload))
			if err != nil {
				return nil, err
			}
			c, ok := baseByDigest[dg.String()]
			if !ok {
				return nil, corrupt(fmt.Sprintf("referenced chunk %s not in base", dg), nil)
			}
			if chunkBytes, err = fetchVerified(ctx, get, c); err != nil {
				return nil, err
			}
		case OpDelta:
			dg, d, err := decodeDeltaPayload(payload)
			if err != nil {
				return nil, err
			}
			c, ok := baseByDigest[dg.String()]
			if !ok {
				return nil, corrupt(fmt.Sprintf("delta base chunk %s not in base", dg), nil)
			}
			srcBytes, err := fetchVerified(ctx, get, c)
			if err != nil {
				return nil, err
			}
			if chunkBytes, err = delta.PatchBytes(srcBytes, d); err != nil {
				return nil, err
			}
		case OpInline:
			chunkBytes = payload
		default:
			return nil, corrupt(fmt.Sprintf("unknown operation %#x", op), nil)
		}
		th.Write(chunkBytes)
		out.Write(chunkBytes)
	}

	crc = tee.crc
	var tail [4]byte
	if _, err := io.ReadFull(fr, tail[:]); err != nil {
		return nil, corrupt("truncated trailer", err)
	}
	if binary.BigEndian.Uint32(tail[:]) != crc {
		return nil, corrupt("CRC mismatch", nil)
	}
	got := rodepush.NewDigest(base.Checksum.Algorithm(), th.Sum(nil))
	want := rodepush.NewDigest(base.Checksum.Algorithm(), hdr.targetSum[:])
	if !got.Equal(want) {
		return nil, &rodepush.Error{
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("reconstructed bundle hashed to %s, header records %s", got, want),
		}
	}
	return out.Bytes(), nil
}

// fetchVerified loads a chunk and re-hashes it against its descriptor,
// guarding against a corrupted blob in the store.
func fetchVerified(ctx context.Context, get Getter, c rodepush.Chunk) ([]byte, error) {
	b, err := get.GetChunk(ctx, c)
	if err != nil {
		return nil, err
	}
	got, err := rodepush.Sum(c.Digest.Algorithm(), b)
	if err != nil {
		return nil, err
	}
	if !got.Equal(c.Digest) {
		return nil, &rodepush.Error{
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("chunk %s read back as %s", c.Digest, got),
		}
	}
	return b, nil
}

// crcReader tees read bytes into a running CRC32.
type crcReader struct {
	r   io.Reader
	crc uint32
}

func (c *crcReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	return n, err
}
