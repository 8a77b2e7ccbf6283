// Package compress provides streaming compression with integrity
// wrapping.
//
// The frame is self-describing: a plaintext header records the codec and
// level, and the compressed stream carries the payload in length-framed
// blocks followed by the payload's SHA-256 digest. Decompression
// re-hashes the payload and fails with an integrity error if the digest
// disagrees. All codecs run with a bounded working set so
// multi-hundred-MiB bundles stream without whole-payload buffering.
package compress

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/panicfrog/rodepush"
)

// frameMagic opens every compressed frame.
const frameMagic = "RDPC\x01"

// blockSize is the plaintext block framing granularity. Together with
// the codec windows below it keeps the working set under 16 MiB.
const blockSize = 256 << 10

// zstdWindow bounds the zstd match window.
const zstdWindow = 8 << 20

func codecByte(c rodepush.Codec) (byte, error) {
	switch c {
	case rodepush.CodecZstd:
		return 1, nil
	case rodepush.CodecDeflate:
		return 2, nil
	case rodepush.CodecBrotli:
		return 3, nil
	}
	return 0, &rodepush.Error{Kind: rodepush.ErrValidation, Message: fmt.Sprintf("unsupported codec %q", c)}
}

func codecFromByte(b byte) (rodepush.Codec, error) {
	switch b {
	case 1:
		return rodepush.CodecZstd, nil
	case 2:
		return rodepush.CodecDeflate, nil
	case 3:
		return rodepush.CodecBrotli, nil
	}
	return "", &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: fmt.Sprintf("unknown codec byte %#x", b)}
}

// ClampLevel maps the single configured integer onto the codec's native
// range.
func ClampLevel(c rodepush.Codec, level int) int {
	var lo, hi int
	switch c {
	case rodepush.CodecZstd:
		lo, hi = 1, 22
	case rodepush.CodecDeflate:
		lo, hi = 1, 9
	case rodepush.CodecBrotli:
		lo, hi = 0, 11
	default:
		return level
	}
	if level < lo {
		return lo
	}
	if level > hi {
		return hi
	}
	return level
}

// Writer frames and compresses a payload stream.
type Writer struct {
	cw     io.WriteCloser // codec stream
	h      hash.Hash
	buf    []byte
	n      int64
	closed bool
}

// NewWriter opens a frame on w using the named codec and level. Close
// must be called to flush the trailer.
func NewWriter(w io.Writer, codec rodepush.Codec, level int) (*Writer, error) {
	cb, err := codecByte(codec)
	if err != nil {
		return nil, err
	}
	level = ClampLevel(codec, level)
	hdr := []byte(frameMagic)
	hdr = append(hdr, cb, byte(level))
	if _, err := w.Write(hdr); err != nil {
		return nil, &rodepush.Error{Kind: rodepush.ErrStorage, Message: "writing frame header", Inner: err}
	}

	var cw io.WriteCloser
	switch codec {
	case rodepush.CodecZstd:
		cw, err = zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithWindowSize(zstdWindow),
			zstd.WithEncoderConcurrency(1),
		)
	case rodepush.CodecDeflate:
		cw, err = flate.NewWriter(w, level)
	case rodepush.CodecBrotli:
		cw = brotli.NewWriterOptions(w, brotli.WriterOptions{Quality: level, LGWin: 22})
	}
	if err != nil {
		return nil, &rodepush.Error{Kind: rodepush.ErrInternal, Message: "initializing codec", Inner: err}
	}
	return &Writer{cw: cw, h: sha256.New(), buf: make([]byte, 0, blockSize)}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, &rodepush.Error{Kind: rodepush.ErrInternal, Message: "write after close"}
	}
	w.h.Write(p)
	w.n += int64(len(p))
	total := len(p)
	for len(p) > 0 {
		free := blockSize - len(w.buf)
		if free == 0 {
			if err := w.flushBlock(); err != nil {
				return 0, err
			}
			free = blockSize
		}
		if free > len(p) {
			free = len(p)
		}
		w.buf = append(w.buf, p[:free]...)
		p = p[free:]
	}
	return total, nil
}

func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(w.buf)))
	if _, err := w.cw.Write(scratch[:n]); err != nil {
		return err
	}
	if _, err := w.cw.Write(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Count reports the number of plaintext bytes written.
func (w *Writer) Count() int64 { return w.n }

// Close flushes the final block, writes the zero terminator and the
// payload digest, and closes the codec stream.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlock(); err != nil {
		return err
	}
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], 0)
	if _, err := w.cw.Write(scratch[:n]); err != nil {
		return err
	}
	if _, err := w.cw.Write(w.h.Sum(nil)); err != nil {
		return err
	}
	return w.cw.Close()
}

// Reader decompresses a frame produced by [Writer], re-hashing the
// payload as it streams.
type Reader struct {
	br    *bufio.Reader
	h     hash.Hash
	codec rodepush.Codec
	level int

	remaining uint64
	done      bool
	err       error

	closeCodec func()
}

// NewReader opens a frame. The codec is selected from the header; no
// per-byte re-dispatch happens afterwards.
func NewReader(r io.Reader) (*Reader, error) {
	hdr := make([]byte, len(frameMagic)+2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "truncated frame header", Inner: err}
	}
	if !bytes.Equal(hdr[:len(frameMagic)], []byte(frameMagic)) {
		return nil, &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "bad frame magic"}
	}
	codec, err := codecFromByte(hdr[len(frameMagic)])
	if err != nil {
		return nil, err
	}
	level := int(hdr[len(frameMagic)+1])

	var cr io.Reader
	var closeCodec func()
	switch codec {
	case rodepush.CodecZstd:
		zr, err := zstd.NewReader(r,
			zstd.WithDecoderMaxMemory(16<<20),
			zstd.WithDecoderConcurrency(1),
		)
		if err != nil {
			return nil, &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "initializing zstd decoder", Inner: err}
		}
		cr, closeCodec = zr, zr.Close
	case rodepush.CodecDeflate:
		fr := flate.NewReader(r)
		cr, closeCodec = fr, func() { fr.Close() }
	case rodepush.CodecBrotli:
		cr, closeCodec = brotli.NewReader(r), func() {}
	}
	return &Reader{
		br:         bufio.NewReaderSize(cr, 64<<10),
		h:          sha256.New(),
		codec:      codec,
		level:      level,
		closeCodec: closeCodec,
	}, nil
}

// Codec reports the codec recorded in the frame header.
func (r *Reader) Codec() rodepush.Codec { return r.codec }

// Level reports the level recorded in the frame header.
func (r *Reader) Level() int { return r.level }

// Read implements io.Reader. The final Read returns an integrity error
// instead of io.EOF if the embedded digest disagrees with the payload.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return 0, io.EOF
	}
	for r.remaining == 0 {
		n, err := binary.ReadUvarint(r.br)
		if err != nil {
			r.err = &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "truncated frame", Inner: err}
			return 0, r.err
		}
		if n == 0 {
			if err := r.checkTrailer(); err != nil {
				r.err = err
				return 0, err
			}
			r.done = true
			r.closeCodec()
			return 0, io.EOF
		}
		r.remaining = n
	}
	if uint64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := io.ReadFull(r.br, p)
	if n > 0 {
		r.h.Write(p[:n])
		r.remaining -= uint64(n)
	}
	if err != nil {
		r.err = &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "truncated frame", Inner: err}
		return n, r.err
	}
	return n, nil
}

func (r *Reader) checkTrailer() error {
	want := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r.br, want); err != nil {
		return &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "truncated frame trailer", Inner: err}
	}
	got := rodepush.NewDigest(rodepush.SHA256, r.h.Sum(nil))
	if !got.Equal(rodepush.NewDigest(rodepush.SHA256, want)) {
		return &rodepush.Error{
			Kind:    rodepush.ErrIntegrity,
			Message: fmt.Sprintf("checksum mismatch: payload hashed to %s", got),
		}
	}
	return nil
}

// Close releases codec resources. It does not drain the stream.
func (r *Reader) Close() error {
	if !r.done {
		r.closeCodec()
		r.done = true
	}
	return nil
}
