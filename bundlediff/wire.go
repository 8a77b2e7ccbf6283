package bundlediff

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/panicfrog/rodepush"
)

// Inner wire format: 16-byte magic, uint16 version, 32-byte source
// checksum, 32-byte target checksum, uint8 platform, uint32 chunk
// count, then chunk-count operation records of
// { op uint8, payload-len uint32, payload }, and a trailing CRC32 of
// everything before it.
const (
	Magic   = "RODEPUSH-DIFF-01"
	Version = 1
)

// Operation codes, one per target chunk.
const (
	OpRef    byte = 0x01 // payload: text digest of the shared chunk
	OpDelta  byte = 0x02 // payload: uvarint-prefixed source chunk digest, then delta stream
	OpInline byte = 0x03 // payload: verbatim target chunk bytes
)

// maxPayload caps a single operation record; a larger length in a
// header is corruption, not data.
const maxPayload = 64 << 20

type header struct {
	sourceSum  [32]byte
	targetSum  [32]byte
	platform   rodepush.Platform
	chunkCount uint32
}

// crcWriter tees written bytes into a running CRC32.
type crcWriter struct {
	w   io.Writer
	crc uint32
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	return n, err
}

func writeHeader(w io.Writer, h *header) error {
	buf := make([]byte, 0, 16+2+32+32+1+4)
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint16(buf, Version)
	buf = append(buf, h.sourceSum[:]...)
	buf = append(buf, h.targetSum[:]...)
	buf = append(buf, h.platform.Byte())
	buf = binary.BigEndian.AppendUint32(buf, h.chunkCount)
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (*header, error) {
	buf := make([]byte, 16+2+32+32+1+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, corrupt("truncated header", err)
	}
	if string(buf[:16]) != Magic {
		return nil, corrupt("bad magic", nil)
	}
	if v := binary.BigEndian.Uint16(buf[16:18]); v != Version {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", v), nil)
	}
	h := &header{}
	copy(h.sourceSum[:], buf[18:50])
	copy(h.targetSum[:], buf[50:82])
	p, err := rodepush.PlatformFromByte(buf[82])
	if err != nil {
		return nil, err
	}
	h.platform = p
	h.chunkCount = binary.BigEndian.Uint32(buf[83:87])
	return h, nil
}

func writeOp(w io.Writer, op byte, payload []byte) error {
	var hdr [5]byte
	hdr[0] = op
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readOp(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, corrupt("truncated operation record", err)
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxPayload {
		return 0, nil, corrupt(fmt.Sprintf("operation payload of %d bytes", n), nil)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, corrupt("truncated operation payload", err)
	}
	return hdr[0], payload, nil
}

func corrupt(msg string, err error) error {
	return &rodepush.Error{Kind: rodepush.ErrIntegrity, Message: "diff package: " + msg, Inner: err}
}
