package rodepush

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestBundleValidate(t *testing.T) {
	sum := func(s string) Digest { d, _ := Sum(SHA256, []byte(s)); return d }
	b := Bundle{
		ID:            NewBundleID(),
		ApplicationID: uuid.New(),
		Checksum:      sum("whole"),
		Size:          10,
		Chunks: []Chunk{
			{Digest: sum("a"), Offset: 0, Length: 4, Codec: CodecZstd},
			{Digest: sum("b"), Offset: 4, Length: 6, Codec: CodecZstd},
		},
	}
	if err := b.Validate(); err != nil {
		t.Fatal(err)
	}

	t.Run("SizeMismatch", func(t *testing.T) {
		bad := b
		bad.Size = 11
		if err := bad.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("OffsetGap", func(t *testing.T) {
		bad := b
		bad.Chunks = []Chunk{
			{Digest: sum("a"), Offset: 0, Length: 4, Codec: CodecZstd},
			{Digest: sum("b"), Offset: 5, Length: 6, Codec: CodecZstd},
		}
		if err := bad.Validate(); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("NoChecksum", func(t *testing.T) {
		bad := b
		bad.Checksum = Digest{}
		if err := bad.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}

func TestStorageKeys(t *testing.T) {
	app := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	id, err := ParseBundleID("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
	if err != nil {
		t.Fatal(err)
	}
	b := Bundle{ID: id, ApplicationID: app}
	want := "apps/6ba7b810-9dad-11d1-80b4-00c04fd430c8/bundles/6ba7b811-9dad-11d1-80b4-00c04fd430c8"
	if got := b.StorageKey(); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	d, _ := Sum(SHA256, []byte("chunk"))
	c := Chunk{Digest: d}
	key := c.StorageKey()
	hex := strings.TrimPrefix(d.String(), "sha256:")
	if want := "chunks/" + hex[:2] + "/" + hex; key != want {
		t.Errorf("got: %q, want: %q", key, want)
	}
}

func TestBundleCompatible(t *testing.T) {
	v123, _ := ParseVersion("1.2.3")
	v124, _ := ParseVersion("1.2.4")
	v130, _ := ParseVersion("1.3.0")
	mk := func(v Version, p Platform) *Bundle {
		return &Bundle{Version: v, Platform: p}
	}
	if !mk(v123, PlatformIOS).Compatible(mk(v124, PlatformIOS)) {
		t.Error("same minor line should be compatible")
	}
	if mk(v123, PlatformIOS).Compatible(mk(v130, PlatformIOS)) {
		t.Error("cross-minor diff should be rejected")
	}
	if mk(v123, PlatformIOS).Compatible(mk(v124, PlatformAndroid)) {
		t.Error("cross-platform diff should be rejected")
	}
	if !mk(v123, PlatformBoth).Compatible(mk(v124, PlatformAndroid)) {
		t.Error("universal bundle should be compatible")
	}
}
