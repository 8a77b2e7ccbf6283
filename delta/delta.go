// Package delta computes byte-level deltas between two blobs.
//
// The encoding is an instruction stream over the source: copy
// instructions reference source ranges located through a suffix array,
// and insert instructions carry literal bytes for unmatched regions.
// Applying a delta to its source reproduces the target byte-for-byte.
package delta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"index/suffixarray"
	"io"
	"sort"

	"github.com/panicfrog/rodepush"
)

// Instruction opcodes.
const (
	opCopy   byte = 1 // uvarint source offset, uvarint length
	opInsert byte = 2 // uvarint length, literal bytes
)

// minMatch is the shortest source match worth a copy instruction;
// shorter runs cost more to encode than to inline.
const minMatch = 16

// Diff produces a delta that transforms source into target.
//
// The output is raw instruction bytes; callers decide whether to wrap it
// in an outer compression frame.
func Diff(source, target []byte) []byte {
	var out bytes.Buffer
	idx := suffixarray.New(source)

	var pending []byte // literal run not yet flushed
	flush := func() {
		if len(pending) == 0 {
			return
		}
		out.WriteByte(opInsert)
		writeUvarint(&out, uint64(len(pending)))
		out.Write(pending)
		pending = pending[:0]
	}

	i := 0
	for i < len(target) {
		off, n := longestMatch(idx, source, target[i:])
		if n >= minMatch {
			flush()
			out.WriteByte(opCopy)
			writeUvarint(&out, uint64(off))
			writeUvarint(&out, uint64(n))
			i += n
			continue
		}
		pending = append(pending, target[i])
		i++
	}
	flush()
	return out.Bytes()
}

// longestMatch finds the longest prefix of tail occurring in source,
// returning the smallest source offset for determinism. A zero length
// means no match of at least minMatch bytes exists.
func longestMatch(idx *suffixarray.Index, source, tail []byte) (off, n int) {
	if len(tail) < minMatch {
		return 0, 0
	}
	// Binary search the match length: if a prefix of length m occurs,
	// all shorter prefixes do too.
	lo, hi := minMatch, len(tail)
	if hi > len(source) {
		hi = len(source)
	}
	if lo > hi {
		return 0, 0
	}
	if idx.Lookup(tail[:lo], 1) == nil {
		return 0, 0
	}
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if idx.Lookup(tail[:mid], 1) != nil {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	offs := idx.Lookup(tail[:lo], -1)
	sort.Ints(offs)
	return offs[0], lo
}

// Patch applies a delta to source, writing the reconstructed target to
// w.
func Patch(source []byte, delta io.Reader, w io.Writer) error {
	br := bufio.NewReader(delta)
	bw := bufio.NewWriter(w)
	for {
		op, err := br.ReadByte()
		if err == io.EOF {
			return bw.Flush()
		}
		if err != nil {
			return corrupt("reading opcode", err)
		}
		switch op {
		case opCopy:
			off, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt("reading copy offset", err)
			}
			n, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt("reading copy length", err)
			}
			end := off + n
			if end < off || end > uint64(len(source)) {
				return corrupt(fmt.Sprintf("copy [%d, %d) outside source of %d bytes", off, end, len(source)), nil)
			}
			if _, err := bw.Write(source[off:end]); err != nil {
				return err
			}
		case opInsert:
			n, err := binary.ReadUvarint(br)
			if err != nil {
				return corrupt("reading insert length", err)
			}
			if _, err := io.CopyN(bw, br, int64(n)); err != nil {
				return corrupt("reading insert literal", err)
			}
		default:
			return corrupt(fmt.Sprintf("unknown opcode %#x", op), nil)
		}
	}
}

// PatchBytes is [Patch] returning the target as a slice.
func PatchBytes(source, delta []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := Patch(source, bytes.NewReader(delta), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func corrupt(msg string, err error) error {
	return &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "delta: " + msg, Inner: err}
}

func writeUvarint(b *bytes.Buffer, v uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	b.Write(scratch[:n])
}
