package libbundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/datastore/mem"
	"github.com/panicfrog/rodepush/objstore"
)

func newService(t *testing.T) (*Libbundle, datastore.Store, objstore.Store) {
	t.Helper()
	blobs, err := objstore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := mem.New()
	l, err := New(context.Background(), &Options{Store: store, Blobs: blobs})
	if err != nil {
		t.Fatal(err)
	}
	return l, store, blobs
}

func randBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func uploadReq(t *testing.T, app uuid.UUID, version string, data []byte) *UploadRequest {
	t.Helper()
	v, err := rodepush.ParseVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := rodepush.Sum(rodepush.SHA256, data)
	if err != nil {
		t.Fatal(err)
	}
	return &UploadRequest{
		ApplicationID: app,
		Version:       v,
		Platform:      rodepush.PlatformIOS,
		Checksum:      sum,
		Body:          bytes.NewReader(data),
	}
}

func TestUploadRoundtrip(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newService(t)
	app := uuid.New()
	data := randBytes(1, 3<<20)

	b, err := l.Upload(ctx, uploadReq(t, app, "1.0.0", data))
	if err != nil {
		t.Fatal(err)
	}
	if b.Size != int64(len(data)) {
		t.Errorf("size: got %d, want %d", b.Size, len(data))
	}
	if err := b.Validate(); err != nil {
		t.Error(err)
	}

	// Reassembling the chunks reproduces the upload (property P1).
	var re bytes.Buffer
	for _, c := range b.Chunks {
		cb, err := l.GetChunk(ctx, c)
		if err != nil {
			t.Fatal(err)
		}
		re.Write(cb)
	}
	sum, _ := rodepush.Sum(rodepush.SHA256, re.Bytes())
	if !sum.Equal(b.Checksum) {
		t.Error("reassembled chunks do not hash to the bundle checksum")
	}

	// The full payload streams back from the committed key.
	got, rc, err := l.Open(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if !bytes.Equal(body, data) || got.ID != b.ID {
		t.Error("download mismatch")
	}
}

func TestUploadChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	l, store, blobs := newService(t)
	app := uuid.New()
	data := randBytes(2, 1<<20)

	req := uploadReq(t, app, "1.0.0", data)
	// Flip trailing bytes relative to the advertised checksum.
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0xff
	req.Body = bytes.NewReader(tampered)

	_, err := l.Upload(ctx, req)
	if err == nil {
		t.Fatal("expected integrity error")
	}
	if !errors.Is(err, rodepush.ErrIntegrity) {
		t.Errorf("wrong kind: %v", err)
	}

	// Nothing persisted: no rows, no blobs.
	if bs, _ := store.ListBundles(ctx, datastore.BundleFilter{ApplicationID: app}); len(bs) != 0 {
		t.Error("bundle row persisted after integrity failure")
	}
	var keys []string
	blobs.List(ctx, "", func(key string, _ objstore.Info) error {
		keys = append(keys, key)
		return nil
	})
	if len(keys) != 0 {
		t.Errorf("blobs persisted after integrity failure: %v", keys)
	}
}

func TestDuplicateUploadConflict(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newService(t)
	app := uuid.New()

	first, err := l.Upload(ctx, uploadReq(t, app, "1.0.0", randBytes(3, 1<<20)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Upload(ctx, uploadReq(t, app, "1.0.0", randBytes(4, 1<<20)))
	if err == nil {
		t.Fatal("expected conflict")
	}
	if !errors.Is(err, rodepush.ErrConflict) {
		t.Errorf("wrong kind: %v", err)
	}

	// The first bundle's checksum stays authoritative.
	got, err := l.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Checksum.Equal(first.Checksum) {
		t.Error("first checksum no longer authoritative")
	}
}

func TestChunkDeduplication(t *testing.T) {
	ctx := context.Background()
	l, _, blobs := newService(t)
	app := uuid.New()
	data := randBytes(5, 2<<20)

	b1, err := l.Upload(ctx, uploadReq(t, app, "1.0.0", data))
	if err != nil {
		t.Fatal(err)
	}
	// Same bytes, next version: every chunk digest must match and the
	// chunk blobs stay shared.
	b2, err := l.Upload(ctx, uploadReq(t, app, "1.0.1", data))
	if err != nil {
		t.Fatal(err)
	}
	if len(b1.Chunks) != len(b2.Chunks) {
		t.Fatalf("chunk counts differ: %d vs %d", len(b1.Chunks), len(b2.Chunks))
	}
	for i := range b1.Chunks {
		if !b1.Chunks[i].Digest.Equal(b2.Chunks[i].Digest) {
			t.Fatalf("chunk %d digest differs across identical uploads", i)
		}
	}
	var chunkBlobs int
	blobs.List(ctx, "chunks/", func(string, objstore.Info) error {
		chunkBlobs++
		return nil
	})
	if chunkBlobs != len(b1.Chunks) {
		t.Errorf("chunks stored %d times, want %d", chunkBlobs, len(b1.Chunks))
	}
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newService(t)
	app := uuid.New()

	b1, err := l.Upload(ctx, uploadReq(t, app, "1.0.0", randBytes(6, 1<<20)))
	if err != nil {
		t.Fatal(err)
	}
	b2, err := l.Upload(ctx, uploadReq(t, app, "1.0.1", randBytes(7, 1<<20)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertDiffPackage(ctx, &rodepush.DiffPackage{
		ApplicationID:  app,
		SourceBundleID: b1.ID,
		TargetBundleID: b2.ID,
		Platform:       rodepush.PlatformIOS,
		StorageKey:     rodepush.DiffStorageKey(app, b1.ID, b2.ID),
		Checksum:       b1.Checksum,
	}); err != nil {
		t.Fatal(err)
	}

	if err := l.Delete(ctx, b1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Get(ctx, b1.ID); !errors.Is(err, rodepush.ErrNotFound) {
		t.Error("bundle still present")
	}
	if _, err := store.GetDiffPackage(ctx, b1.ID, b2.ID); !errors.Is(err, rodepush.ErrNotFound) {
		t.Error("diff row survived bundle deletion")
	}
}
