package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/panicfrog/rodepush"
)

// APIKeyHeader is the authentication hook: requests present an
// application's rotating secret here. Authentication schemes beyond the
// key check are the deployment's concern, not the core's.
const APIKeyHeader = "X-RodePush-Key"

type appKey int

const appCtxKey appKey = 0

// appFrom returns the authenticated application, if any.
func appFrom(ctx context.Context) *rodepush.Application {
	a, _ := ctx.Value(appCtxKey).(*rodepush.Application)
	return a
}

// withRequestID threads the correlation id and a request-scoped logger
// context.
func (h *HTTP) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		ctx = zlog.ContextWithValues(ctx,
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
		)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the presented key to an application and rejects
// requests without one.
func (h *HTTP) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrValidation, Message: "missing api key"})
			return
		}
		app, err := h.store.GetApplicationByAPIKey(ctx, key)
		if err != nil || !app.CheckAPIKey(key) {
			writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrNotFound, Message: "unknown api key"})
			return
		}
		if !h.limiter(app).Allow() {
			writeErr(ctx, w, &rodepush.Error{Kind: rodepush.ErrExhausted, Message: "rate limit exceeded"})
			return
		}
		ctx = context.WithValue(ctx, appCtxKey, app)
		ctx = zlog.ContextWithValues(ctx, "application", app.ID.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// limiter returns the per-application rate limiter.
func (h *HTTP) limiter(app *rodepush.Application) *rate.Limiter {
	v, ok := h.limiters.Load(app.ID)
	if !ok {
		v, _ = h.limiters.LoadOrStore(app.ID, rate.NewLimiter(h.rateLimit, h.rateBurst))
	}
	return v.(*rate.Limiter)
}
