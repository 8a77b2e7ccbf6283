package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/bundlediff"
	"github.com/panicfrog/rodepush/datastore/mem"
	"github.com/panicfrog/rodepush/internal/cache"
	"github.com/panicfrog/rodepush/libbundle"
	"github.com/panicfrog/rodepush/libdiff"
	"github.com/panicfrog/rodepush/objstore"
)

type env struct {
	srv     *httptest.Server
	apiKey  string
	bundles *libbundle.Libbundle
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	blobs, err := objstore.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := mem.New()
	app := &rodepush.Application{Name: "demo", APIKey: rodepush.NewAPIKey()}
	if err := store.CreateApplication(ctx, app); err != nil {
		t.Fatal(err)
	}
	lb, err := libbundle.New(ctx, &libbundle.Options{Store: store, Blobs: blobs})
	if err != nil {
		t.Fatal(err)
	}
	ld, err := libdiff.New(ctx, &libdiff.Options{
		Store:    store,
		Blobs:    blobs,
		Chunks:   lb,
		Cache:    cache.NewMemory(),
		CacheTTL: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := New(&Options{
		Store:   store,
		Bundles: lb,
		Diffs:   ld,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &env{srv: srv, apiKey: app.APIKey, bundles: lb}
}

func (e *env) do(t *testing.T, method, path string, hdr map[string]string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(APIKeyHeader, e.apiKey)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *env) upload(t *testing.T, version string, data []byte) string {
	t.Helper()
	sum, _ := rodepush.Sum(rodepush.SHA256, data)
	resp := e.do(t, http.MethodPost, "/api/v1/bundles", map[string]string{
		VersionHeader:  version,
		PlatformHeader: "ios",
		ChecksumHeader: sum.String(),
	}, bytes.NewReader(data))
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload: %d: %s", resp.StatusCode, body)
	}
	env := decodeEnvelope(t, resp)
	data2 := env["data"].(map[string]any)
	return data2["id"].(string)
}

func randBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestUploadDownloadRoundtrip(t *testing.T) {
	e := newEnv(t)
	data := randBytes(1, 1<<20)
	id := e.upload(t, "1.0.0", data)

	resp := e.do(t, http.MethodGet, "/api/v1/bundles/"+id, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metadata: %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env["success"] != true || env["request_id"] == "" {
		t.Errorf("bad envelope: %v", env)
	}

	resp = e.do(t, http.MethodGet, "/api/v1/bundles/"+id+"/download", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, data) {
		t.Error("download mismatch")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/api/v1/bundles/"+rodepush.NewBundleID().String(), map[string]string{
		RequestIDHeader: "corr-123",
	}, nil)
	env := decodeEnvelope(t, resp)
	if env["request_id"] != "corr-123" {
		t.Errorf("request id not echoed: %v", env["request_id"])
	}
}

func TestDuplicateUpload(t *testing.T) {
	e := newEnv(t)
	e.upload(t, "1.0.0", randBytes(2, 1<<18))

	// Same triple, different bytes: 409.
	data := randBytes(3, 1<<18)
	sum, _ := rodepush.Sum(rodepush.SHA256, data)
	resp := e.do(t, http.MethodPost, "/api/v1/bundles", map[string]string{
		VersionHeader:  "1.0.0",
		PlatformHeader: "ios",
		ChecksumHeader: sum.String(),
	}, bytes.NewReader(data))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("got %d, want 409", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	errBody := env["error"].(map[string]any)
	if errBody["kind"] != "conflict" {
		t.Errorf("kind: %v", errBody["kind"])
	}
}

func TestIntegrityRejection(t *testing.T) {
	e := newEnv(t)
	data := randBytes(4, 1<<18)
	sum, _ := rodepush.Sum(rodepush.SHA256, data)
	// Flip trailing bytes relative to the advertised checksum.
	data[len(data)-1] ^= 0xff

	resp := e.do(t, http.MethodPost, "/api/v1/bundles", map[string]string{
		VersionHeader:  "1.0.0",
		PlatformHeader: "ios",
		ChecksumHeader: sum.String(),
	}, bytes.NewReader(data))
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	errBody := env["error"].(map[string]any)
	if errBody["kind"] != "integrity" {
		t.Errorf("kind: %v", errBody["kind"])
	}
}

func TestMalformedUpload(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/v1/bundles", map[string]string{
		VersionHeader:  "not-a-version",
		PlatformHeader: "ios",
		ChecksumHeader: "sha256:00",
	}, bytes.NewReader([]byte("x")))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDiffEndToEnd(t *testing.T) {
	e := newEnv(t)
	v1 := randBytes(5, 2<<20)
	v2 := append([]byte(nil), v1...)
	copy(v2[1<<20:], make([]byte, 64<<10))
	src := e.upload(t, "1.0.0", v1)
	tgt := e.upload(t, "1.0.1", v2)

	resp := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/diffs/%s/%s", src, tgt), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("diff: %d", resp.StatusCode)
	}
	pkg, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	srcID, _ := rodepush.ParseBundleID(src)
	base, err := e.bundles.Get(context.Background(), srcID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := bundlediff.Apply(context.Background(), base, e.bundles, bytes.NewReader(pkg))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, v2) {
		t.Error("applied diff does not reproduce V2")
	}

	// Unknown bundle on either side: 404.
	resp = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/diffs/%s/%s", src, rodepush.NewBundleID()), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown target: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeploymentLifecycle(t *testing.T) {
	e := newEnv(t)
	id := e.upload(t, "1.0.0", randBytes(6, 1<<18))

	body, _ := json.Marshal(map[string]any{
		"bundle_id":          id,
		"environment":        "prod",
		"rollout_percentage": 25,
	})
	resp := e.do(t, http.MethodPost, "/api/v1/deployments", nil, bytes.NewReader(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	dep := env["data"].(map[string]any)
	depID := dep["id"].(string)
	if dep["status"] != "pending" {
		t.Errorf("status: %v", dep["status"])
	}

	resp = e.do(t, http.MethodPost, "/api/v1/deployments/"+depID+"/activate", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Rollback.
	resp = e.do(t, http.MethodDelete, "/api/v1/deployments/"+depID, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("rollback: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/v1/deployments/"+depID, nil, nil)
	env = decodeEnvelope(t, resp)
	dep = env["data"].(map[string]any)
	if dep["status"] != "rolled_back" || dep["rolled_back_at"] == nil {
		t.Errorf("after rollback: %v", dep)
	}

	// A second rollback conflicts.
	resp = e.do(t, http.MethodDelete, "/api/v1/deployments/"+depID, nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double rollback: %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeploymentValidation(t *testing.T) {
	e := newEnv(t)
	id := e.upload(t, "1.0.0", randBytes(7, 1<<18))

	body, _ := json.Marshal(map[string]any{
		"bundle_id":          id,
		"environment":        "prod",
		"rollout_percentage": 150,
	})
	resp := e.do(t, http.MethodPost, "/api/v1/deployments", nil, bytes.NewReader(body))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rollout 150: %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/v1/bundles/"+rodepush.NewBundleID().String(), nil)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing key: %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	req.Header.Set(APIKeyHeader, "bogus")
	resp, err = e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("bad key: %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Health needs no key.
	resp, err = http.Get(e.srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: %d", resp.StatusCode)
	}
	resp.Body.Close()
}
