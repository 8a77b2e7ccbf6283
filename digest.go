package rodepush

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Supported digest algorithms.
//
// SHA-256 is the default for storage keys and wire-visible checksums.
// BLAKE3 is available for bulk content-addressed chunking.
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Digest is a hash value qualified with the algorithm used to compute it.
//
// The text form is "algo:hex" with lower-case hexadecimal.
type Digest struct {
	algo     string
	checksum []byte
}

func (d Digest) Checksum() []byte { return d.checksum }

func (d Digest) Algorithm() string { return d.algo }

func (d Digest) String() string {
	b, _ := d.MarshalText()
	return string(b)
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.algo == "" && len(d.checksum) == 0
}

// Equal compares two digests in constant time.
//
// Constant-time comparison prevents timing-based forgery of signed
// checksums.
func (d Digest) Equal(o Digest) bool {
	if d.algo != o.algo || len(d.checksum) != len(o.checksum) {
		return false
	}
	return subtle.ConstantTimeCompare(d.checksum, o.checksum) == 1
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	el := hex.EncodedLen(len(d.checksum))
	hl := len(d.algo) + 1
	b := make([]byte, hl+el)
	copy(b, d.algo)
	b[len(d.algo)] = ':'
	hex.Encode(b[hl:], d.checksum)
	return b, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(t []byte) error {
	i := bytes.IndexByte(t, ':')
	if i == -1 {
		return &Error{Kind: ErrValidation, Message: "invalid digest format"}
	}
	algo := string(t[:i])
	t = t[i+1:]
	sum := make([]byte, hex.DecodedLen(len(t)))
	if _, err := hex.Decode(sum, t); err != nil {
		return &Error{Kind: ErrValidation, Message: "invalid digest format"}
	}
	switch algo {
	case SHA256:
		if len(sum) != sha256.Size {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("bad checksum length: %d", len(sum))}
		}
	case BLAKE3:
		if len(sum) != 32 {
			return &Error{Kind: ErrValidation, Message: fmt.Sprintf("bad checksum length: %d", len(sum))}
		}
	default:
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("unknown algorithm %q", algo)}
	}
	d.algo = algo
	d.checksum = sum
	return nil
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(i interface{}) error {
	switch v := i.(type) {
	case string:
		return d.UnmarshalText([]byte(v))
	case []byte:
		return d.UnmarshalText(v)
	default:
		return &Error{Kind: ErrValidation, Message: fmt.Sprintf("invalid digest type %T", i)}
	}
}

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	b, err := d.MarshalText()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// NewDigest constructs a Digest from an algorithm name and raw checksum.
func NewDigest(algo string, sum []byte) Digest {
	return Digest{
		algo:     algo,
		checksum: sum,
	}
}

// ParseDigest parses the "algo:hex" text form.
func ParseDigest(digest string) (Digest, error) {
	d := Digest{}
	return d, d.UnmarshalText([]byte(digest))
}

// NewHasher returns a streaming hash for the named algorithm.
//
// The returned hash is not safe for concurrent use.
func NewHasher(algo string) (hash.Hash, error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	}
	return nil, &Error{Kind: ErrValidation, Message: fmt.Sprintf("unknown algorithm %q", algo)}
}

// Sum hashes b with the named algorithm.
func Sum(algo string, b []byte) (Digest, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	h.Write(b)
	return NewDigest(algo, h.Sum(nil)), nil
}

// SumReader consumes r and returns its digest.
//
// A read failure surfaces as an integrity error so the enclosing upload
// aborts.
func SumReader(algo string, r io.Reader) (Digest, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Digest{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, &Error{
			Kind:    ErrIntegrity,
			Message: "hashing stream failed",
			Inner:   err,
		}
	}
	return NewDigest(algo, h.Sum(nil)), nil
}

// DigestReader tees bytes read from the underlying reader into a hasher.
//
// After the stream is consumed, Digest reports the hash of everything
// read so far.
type DigestReader struct {
	r    io.Reader
	h    hash.Hash
	algo string
	n    int64
}

// NewDigestReader wraps r, hashing with the named algorithm as bytes pass
// through.
func NewDigestReader(algo string, r io.Reader) (*DigestReader, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return nil, err
	}
	return &DigestReader{r: r, h: h, algo: algo}, nil
}

// Read implements io.Reader.
func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Digest reports the hash of the bytes read so far.
func (d *DigestReader) Digest() Digest {
	return NewDigest(d.algo, d.h.Sum(nil))
}

// Count reports the number of bytes read so far.
func (d *DigestReader) Count() int64 { return d.n }
