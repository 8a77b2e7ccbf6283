package compress

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/panicfrog/rodepush"
)

func roundtrip(t *testing.T, codec rodepush.Codec, level int, payload []byte) []byte {
	t.Helper()
	var frame bytes.Buffer
	w, err := NewWriter(&frame, codec, level)
	if err != nil {
		t.Fatal(err)
	}
	// Uneven write sizes exercise block framing.
	for off := 0; off < len(payload); {
		n := 1000 + off%30000
		if off+n > len(payload) {
			n = len(payload) - off
		}
		if _, err := w.Write(payload[off : off+n]); err != nil {
			t.Fatal(err)
		}
		off += n
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if w.Count() != int64(len(payload)) {
		t.Errorf("count: got %d, want %d", w.Count(), len(payload))
	}

	r, err := NewReader(bytes.NewReader(frame.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
	if r.Codec() != codec {
		t.Errorf("codec: got %v, want %v", r.Codec(), codec)
	}
	return frame.Bytes()
}

func TestRoundtrip(t *testing.T) {
	payload := make([]byte, 3<<20)
	rand.New(rand.NewSource(7)).Read(payload)
	// Make it compressible.
	copy(payload[1<<20:], bytes.Repeat([]byte("rodepush"), 1<<17))

	for _, codec := range []rodepush.Codec{rodepush.CodecZstd, rodepush.CodecDeflate, rodepush.CodecBrotli} {
		t.Run(string(codec), func(t *testing.T) {
			roundtrip(t, codec, 3, payload)
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	roundtrip(t, rodepush.CodecZstd, 3, nil)
}

func TestLevelClamp(t *testing.T) {
	tt := []struct {
		codec rodepush.Codec
		in    int
		want  int
	}{
		{rodepush.CodecZstd, 0, 1},
		{rodepush.CodecZstd, 3, 3},
		{rodepush.CodecZstd, 99, 22},
		{rodepush.CodecDeflate, 22, 9},
		{rodepush.CodecBrotli, -4, 0},
		{rodepush.CodecBrotli, 22, 11},
	}
	for _, tc := range tt {
		if got := ClampLevel(tc.codec, tc.in); got != tc.want {
			t.Errorf("ClampLevel(%s, %d): got %d, want %d", tc.codec, tc.in, got, tc.want)
		}
	}
}

func TestCorruptPayloadDetected(t *testing.T) {
	payload := bytes.Repeat([]byte("integrity"), 1<<15)
	frame := roundtrip(t, rodepush.CodecDeflate, 6, payload)

	// Re-frame with a lying trailer: the payload blocks are intact, but
	// the trailer digest is computed over different bytes, so the read
	// side's digest of the plaintext disagrees with it.
	var tampered bytes.Buffer
	w, err := NewWriter(&tampered, rodepush.CodecDeflate, 6)
	if err != nil {
		t.Fatal(err)
	}
	w.Write(payload)
	// Feed extra bytes to the running hash only; the frame never sees them.
	w.h.Write([]byte("tamper"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(bytes.NewReader(tampered.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(r)
	if err == nil {
		t.Fatal("expected checksum mismatch")
	}
	if !errors.Is(err, rodepush.ErrIntegrity) {
		t.Errorf("wrong kind: %v", err)
	}

	// Truncated frame is also an integrity error.
	r, err = NewReader(bytes.NewReader(frame[:len(frame)/2]))
	if err == nil {
		_, err = io.ReadAll(r)
	}
	if err == nil {
		t.Fatal("expected truncation error")
	}
	if !errors.Is(err, rodepush.ErrIntegrity) {
		t.Errorf("wrong kind: %v", err)
	}
}

func TestBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("NOTAFRAME-------")))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, rodepush.ErrIntegrity) {
		t.Errorf("wrong kind: %v", err)
	}
}
