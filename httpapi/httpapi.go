// Package httpapi binds the bundle, diff, and deployment services to
// the HTTP surface.
//
// The surface is thin and stateless: request decoding, the response
// envelope, and the error-kind to status mapping live here; semantics
// live in libbundle and libdiff.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/panicfrog/rodepush"
	"github.com/panicfrog/rodepush/datastore"
	"github.com/panicfrog/rodepush/libbundle"
	"github.com/panicfrog/rodepush/libdiff"
)

// Upload metadata headers.
const (
	VersionHeader  = "X-Bundle-Version"
	PlatformHeader = "X-Bundle-Platform"
	ChecksumHeader = "X-Bundle-Checksum"
)

// Options configure the handler.
type Options struct {
	Store   datastore.Store
	Bundles *libbundle.Libbundle
	Diffs   *libdiff.Libdiff
	// MaxUploadBytes rejects larger bodies with 413. Zero means 1 GiB.
	MaxUploadBytes int64
	// UploadTimeout bounds reading an upload body.
	UploadTimeout time.Duration
	// RateLimit and RateBurst shape the per-application limiter; zero
	// disables limiting.
	RateLimit float64
	RateBurst int
}

var _ http.Handler = (*HTTP)(nil)

// HTTP is the API handler.
type HTTP struct {
	*http.ServeMux
	store   datastore.Store
	bundles *libbundle.Libbundle
	diffs   *libdiff.Libdiff

	maxUpload     int64
	uploadTimeout time.Duration
	rateLimit     rate.Limit
	rateBurst     int
	limiters      sync.Map // uuid.UUID -> *rate.Limiter
}

// New assembles the routing table.
func New(opts *Options) *HTTP {
	h := &HTTP{
		store:         opts.Store,
		bundles:       opts.Bundles,
		diffs:         opts.Diffs,
		maxUpload:     opts.MaxUploadBytes,
		uploadTimeout: opts.UploadTimeout,
		rateLimit:     rate.Limit(opts.RateLimit),
		rateBurst:     opts.RateBurst,
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 1 << 30
	}
	if h.rateLimit <= 0 {
		h.rateLimit = rate.Inf
	}
	if h.rateBurst <= 0 {
		h.rateBurst = 1
	}

	m := http.NewServeMux()
	auth := func(fn http.HandlerFunc) http.Handler { return h.authenticate(fn) }
	m.Handle("POST /api/v1/bundles", auth(h.UploadBundle))
	m.Handle("GET /api/v1/bundles/{id}", auth(h.GetBundle))
	m.Handle("GET /api/v1/bundles/{id}/download", auth(h.DownloadBundle))
	m.Handle("DELETE /api/v1/bundles/{id}", auth(h.DeleteBundle))
	m.Handle("GET /api/v1/diffs/{src}/{tgt}", auth(h.GetDiff))
	m.Handle("POST /api/v1/deployments", auth(h.CreateDeployment))
	m.Handle("GET /api/v1/deployments/{id}", auth(h.GetDeployment))
	m.Handle("DELETE /api/v1/deployments/{id}", auth(h.RollbackDeployment))
	m.Handle("POST /api/v1/deployments/{id}/activate", auth(h.transitionHandler(rodepush.DeploymentActive)))
	m.Handle("POST /api/v1/deployments/{id}/pause", auth(h.transitionHandler(rodepush.DeploymentPaused)))
	m.Handle("POST /api/v1/deployments/{id}/resume", auth(h.transitionHandler(rodepush.DeploymentActive)))
	m.HandleFunc("GET /api/v1/health", h.Health)
	m.Handle("GET /api/v1/metrics", promhttp.Handler())
	h.ServeMux = m
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withRequestID(h.ServeMux).ServeHTTP(w, r)
}

// UploadBundle accepts a streaming bundle body with metadata in
// headers.
func (h *HTTP) UploadBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app := appFrom(ctx)

	version, err := rodepush.ParseVersion(r.Header.Get(VersionHeader))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	platform, err := rodepush.ParsePlatform(r.Header.Get(PlatformHeader))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	checksum, err := rodepush.ParseDigest(r.Header.Get(ChecksumHeader))
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	if r.ContentLength > h.maxUpload {
		writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrExhausted, Message: "upload exceeds size limit"})
		return
	}
	if h.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.uploadTimeout)
		defer cancel()
	}

	b, err := h.bundles.Upload(ctx, &libbundle.UploadRequest{
		ApplicationID: app.ID,
		Version:       version,
		Platform:      platform,
		Checksum:      checksum,
		Body:          http.MaxBytesReader(w, r.Body, h.maxUpload),
	})
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrExhausted, Message: "upload exceeds size limit", Inner: err})
			return
		}
		writeErr(ctx, w, err)
		return
	}
	writeData(ctx, w, http.StatusCreated, map[string]any{
		"id":       b.ID,
		"checksum": b.Checksum,
		"size":     b.Size,
		"chunks":   len(b.Chunks),
	})
}

func (h *HTTP) bundleFor(r *http.Request, pathKey string) (*rodepush.Bundle, error) {
	id, err := rodepush.ParseBundleID(r.PathValue(pathKey))
	if err != nil {
		return nil, err
	}
	b, err := h.bundles.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if app := appFrom(r.Context()); app != nil && b.ApplicationID != app.ID {
		// Not this application's bundle; indistinguishable from absent.
		return nil, &rodepush.Error{Kind: rodepush.ErrNotFound, Message: "no bundle " + id.String()}
	}
	return b, nil
}

// GetBundle serves bundle metadata.
func (h *HTTP) GetBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.bundleFor(r, "id")
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeData(ctx, w, http.StatusOK, b)
}

// DownloadBundle streams the full bundle payload.
func (h *HTTP) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.bundleFor(r, "id")
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	_, rc, err := h.bundles.Open(ctx, b.ID)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Bundle-Checksum", b.Checksum.String())
	if _, err := io.Copy(w, rc); err != nil {
		zlog.Debug(ctx).Err(err).Msg("bundle download aborted")
	}
}

// DeleteBundle removes a bundle and every diff referencing it.
func (h *HTTP) DeleteBundle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	b, err := h.bundleFor(r, "id")
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := h.bundles.Delete(ctx, b.ID); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDiff fetches or generates the differential package for a pair.
func (h *HTTP) GetDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	srcB, err := h.bundleFor(r, "src")
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	tgtB, err := h.bundleFor(r, "tgt")
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	p, rc, err := h.diffs.Get(ctx, srcB.ID, tgtB.ID)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Diff-Checksum", p.Checksum.String())
	if _, err := io.Copy(w, rc); err != nil {
		zlog.Debug(ctx).Err(err).Msg("diff download aborted")
	}
}

type deploymentRequest struct {
	BundleID          string `json:"bundle_id"`
	Environment       string `json:"environment"`
	RolloutPercentage int    `json:"rollout_percentage"`
}

// CreateDeployment creates a pending deployment for a bundle.
func (h *HTTP) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app := appFrom(ctx)

	var req deploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "malformed deployment request", Inner: err})
		return
	}
	if req.Environment == "" {
		writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "missing environment"})
		return
	}
	id, err := rodepush.ParseBundleID(req.BundleID)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	b, err := h.bundles.Get(ctx, id)
	if err != nil || b.ApplicationID != app.ID {
		writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "unknown bundle " + req.BundleID})
		return
	}
	d := &rodepush.Deployment{
		ID:                uuid.New(),
		ApplicationID:     app.ID,
		BundleID:          id,
		Environment:       req.Environment,
		Status:            rodepush.DeploymentPending,
		RolloutPercentage: req.RolloutPercentage,
		CreatedAt:         time.Now().UTC(),
	}
	if err := h.store.CreateDeployment(ctx, d); err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeData(ctx, w, http.StatusCreated, d)
}

func (h *HTTP) deploymentFor(r *http.Request) (*rodepush.Deployment, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "invalid deployment id", Inner: err}
	}
	d, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if app := appFrom(r.Context()); app != nil && d.ApplicationID != app.ID {
		return nil, &rodepush.Error{Kind: rodepush.ErrNotFound, Message: "no deployment " + id.String()}
	}
	return d, nil
}

// GetDeployment serves deployment status.
func (h *HTTP) GetDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.deploymentFor(r)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	writeData(ctx, w, http.StatusOK, d)
}

// RollbackDeployment rolls back an active or paused deployment.
func (h *HTTP) RollbackDeployment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.deploymentFor(r)
	if err != nil {
		writeErr(ctx, w, err)
		return
	}
	if err := h.transition(ctx, d, rodepush.DeploymentRolledBack); err != nil {
		writeErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) transitionHandler(next rodepush.DeploymentStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		d, err := h.deploymentFor(r)
		if err != nil {
			writeErr(ctx, w, err)
			return
		}
		if err := h.transition(ctx, d, next); err != nil {
			writeErr(ctx, w, err)
			return
		}
		writeData(ctx, w, http.StatusOK, d)
	}
}

func (h *HTTP) transition(ctx context.Context, d *rodepush.Deployment, next rodepush.DeploymentStatus) error {
	expect := d.Status
	if err := d.Transition(next, time.Now().UTC()); err != nil {
		return err
	}
	return h.store.UpdateDeploymentStatus(ctx, d, expect)
}

// Health is the liveness endpoint.
func (h *HTTP) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok\n")
}
