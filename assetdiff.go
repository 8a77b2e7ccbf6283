package rodepush

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Asset diff operation kinds, in wire order.
const (
	opAssetAdd byte = iota + 1
	opAssetRemove
	opAssetRename
	opAssetModify
)

// InlinePayloadMax is the largest payload carried inline in a serialized
// asset diff; larger payloads are stored content-addressed and
// referenced by key.
const InlinePayloadMax = 64 << 10

// AssetOp is one edit in a structural asset diff.
//
// Exactly one of the Add / Remove / Rename / Modify field groups is
// populated, selected by Kind.
type AssetOp struct {
	Kind byte `json:"kind"`

	// Add and Modify target path; Remove path; Rename new path.
	Path string `json:"path,omitempty"`
	// Rename source path.
	OldPath string `json:"old_path,omitempty"`

	// Content hashes. Add: new content. Modify: old and new.
	OldChecksum Digest `json:"old_checksum,omitempty"`
	Checksum    Digest `json:"checksum,omitempty"`

	// Payload carried inline (small) or referenced by object-store key
	// (large). For Add the payload is the full content; for Modify it is
	// a byte patch against the old content.
	Inline  []byte `json:"inline,omitempty"`
	BlobRef string `json:"blob_ref,omitempty"`
}

// AssetDiff is an edit script taking one asset collection to another.
type AssetDiff struct {
	Ops []AssetOp `json:"ops"`
}

// Empty reports whether the diff carries no operations.
func (d *AssetDiff) Empty() bool { return len(d.Ops) == 0 }

// DiffAssets computes the structural diff from old to new.
//
// Removes and adds sharing a content hash are rewritten as renames,
// paired by lexicographic path order so the result is deterministic.
func DiffAssets(old, new *AssetCollection) *AssetDiff {
	var removes, adds []string
	for _, p := range old.Paths() {
		if _, ok := new.Assets[p]; !ok {
			removes = append(removes, p)
		}
	}
	for _, p := range new.Paths() {
		if _, ok := old.Assets[p]; !ok {
			adds = append(adds, p)
		}
	}

	// Rename pass: pair removes and adds with identical content hashes.
	// Within a hash group both sides are already in lexicographic order
	// (Paths is sorted), so index-wise pairing is the deterministic
	// tie-break.
	byHash := func(c *AssetCollection, paths []string) map[string][]string {
		m := make(map[string][]string)
		for _, p := range paths {
			k := c.Assets[p].Checksum.String()
			m[k] = append(m[k], p)
		}
		return m
	}
	rmByHash := byHash(old, removes)
	addByHash := byHash(new, adds)

	renamed := make(map[string]string) // old path -> new path
	renameTgt := make(map[string]struct{})
	hashes := make([]string, 0, len(rmByHash))
	for h := range rmByHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	for _, h := range hashes {
		rms, as := rmByHash[h], addByHash[h]
		n := len(rms)
		if len(as) < n {
			n = len(as)
		}
		for i := 0; i < n; i++ {
			renamed[rms[i]] = as[i]
			renameTgt[as[i]] = struct{}{}
		}
	}

	d := &AssetDiff{}
	for _, p := range removes {
		if np, ok := renamed[p]; ok {
			d.Ops = append(d.Ops, AssetOp{Kind: opAssetRename, OldPath: p, Path: np})
			continue
		}
		d.Ops = append(d.Ops, AssetOp{Kind: opAssetRemove, Path: p})
	}
	for _, p := range adds {
		if _, ok := renameTgt[p]; ok {
			continue
		}
		a := new.Assets[p]
		d.Ops = append(d.Ops, AssetOp{Kind: opAssetAdd, Path: p, Checksum: a.Checksum})
	}
	for _, p := range new.Paths() {
		o, ok := old.Assets[p]
		if !ok {
			continue
		}
		n := new.Assets[p]
		if !o.Checksum.Equal(n.Checksum) {
			d.Ops = append(d.Ops, AssetOp{
				Kind:        opAssetModify,
				Path:        p,
				OldChecksum: o.Checksum,
				Checksum:    n.Checksum,
			})
		}
	}
	return d
}

// Apply transforms c by the diff, returning the resulting collection.
//
// Metadata not carried by the diff (sizes, mod times) comes from meta:
// an added or modified path takes meta's entry for that path whole where
// one exists, and otherwise carries only the path and checksum from the
// operation. Renamed entries keep their original metadata under the new
// path.
func (d *AssetDiff) Apply(c *AssetCollection, meta *AssetCollection) (*AssetCollection, error) {
	if err := d.Applicable(c); err != nil {
		return nil, err
	}
	out := c.Clone()
	for _, op := range d.Ops {
		switch op.Kind {
		case opAssetRemove:
			delete(out.Assets, op.Path)
		case opAssetRename:
			a := out.Assets[op.OldPath]
			delete(out.Assets, op.OldPath)
			a.Path = op.Path
			out.Assets[op.Path] = a
		case opAssetAdd, opAssetModify:
			a := Asset{Path: op.Path, Checksum: op.Checksum}
			if meta != nil {
				if m, ok := meta.Assets[op.Path]; ok {
					a = m
				}
			}
			out.Assets[op.Path] = a
		default:
			return nil, &Error{Kind: ErrIntegrity, Message: fmt.Sprintf("unknown asset op %#x", op.Kind)}
		}
	}
	return out, nil
}

// Applicable checks the diff's preconditions against c: removed, renamed
// and modified paths must exist, added and rename-target paths must not.
func (d *AssetDiff) Applicable(c *AssetCollection) error {
	for _, op := range d.Ops {
		switch op.Kind {
		case opAssetRemove, opAssetModify:
			if _, ok := c.Assets[op.Path]; !ok {
				return &Error{Kind: ErrValidation, Message: fmt.Sprintf("asset diff: %q not in base", op.Path)}
			}
		case opAssetRename:
			if _, ok := c.Assets[op.OldPath]; !ok {
				return &Error{Kind: ErrValidation, Message: fmt.Sprintf("asset diff: %q not in base", op.OldPath)}
			}
			if _, ok := c.Assets[op.Path]; ok {
				return &Error{Kind: ErrConflict, Message: fmt.Sprintf("asset diff: rename target %q exists", op.Path)}
			}
		case opAssetAdd:
			if _, ok := c.Assets[op.Path]; ok {
				return &Error{Kind: ErrConflict, Message: fmt.Sprintf("asset diff: add target %q exists", op.Path)}
			}
		}
	}
	return nil
}

const assetDiffMagic = "RDPA\x01"

// Encode writes the diff as a length-prefixed sequence of typed
// operations.
func (d *AssetDiff) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(assetDiffMagic); err != nil {
		return err
	}
	var scratch [binary.MaxVarintLen64]byte
	putUvarint := func(v uint64) error {
		n := binary.PutUvarint(scratch[:], v)
		_, err := bw.Write(scratch[:n])
		return err
	}
	putBytes := func(b []byte) error {
		if err := putUvarint(uint64(len(b))); err != nil {
			return err
		}
		_, err := bw.Write(b)
		return err
	}
	putString := func(s string) error { return putBytes([]byte(s)) }
	putDigest := func(dg Digest) error {
		if dg.IsZero() {
			return putString("")
		}
		return putString(dg.String())
	}

	if err := putUvarint(uint64(len(d.Ops))); err != nil {
		return err
	}
	for i := range d.Ops {
		op := &d.Ops[i]
		if err := bw.WriteByte(op.Kind); err != nil {
			return err
		}
		for _, f := range []func() error{
			func() error { return putString(op.Path) },
			func() error { return putString(op.OldPath) },
			func() error { return putDigest(op.OldChecksum) },
			func() error { return putDigest(op.Checksum) },
			func() error { return putBytes(op.Inline) },
			func() error { return putString(op.BlobRef) },
		} {
			if err := f(); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// DecodeAssetDiff is the inverse of [AssetDiff.Encode].
func DecodeAssetDiff(r io.Reader) (*AssetDiff, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(assetDiffMagic))
	if _, err := io.ReadFull(br, magic); err != nil || !bytes.Equal(magic, []byte(assetDiffMagic)) {
		return nil, &Error{Kind: ErrIntegrity, Message: "bad asset diff magic", Inner: err}
	}
	getBytes := func() ([]byte, error) {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	getString := func() (string, error) {
		b, err := getBytes()
		return string(b), err
	}
	getDigest := func() (Digest, error) {
		s, err := getString()
		if err != nil || s == "" {
			return Digest{}, err
		}
		return ParseDigest(s)
	}

	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
	}
	d := &AssetDiff{Ops: make([]AssetOp, 0, count)}
	for i := uint64(0); i < count; i++ {
		var op AssetOp
		if op.Kind, err = br.ReadByte(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
		}
		if op.Kind < opAssetAdd || op.Kind > opAssetModify {
			return nil, &Error{Kind: ErrIntegrity, Message: fmt.Sprintf("unknown asset op %#x", op.Kind)}
		}
		if op.Path, err = getString(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
		}
		if op.OldPath, err = getString(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
		}
		if op.OldChecksum, err = getDigest(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "bad asset diff digest", Inner: err}
		}
		if op.Checksum, err = getDigest(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "bad asset diff digest", Inner: err}
		}
		if op.Inline, err = getBytes(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
		}
		if op.BlobRef, err = getString(); err != nil {
			return nil, &Error{Kind: ErrIntegrity, Message: "truncated asset diff", Inner: err}
		}
		d.Ops = append(d.Ops, op)
	}
	return d, nil
}
