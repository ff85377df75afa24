// Package httpapi exposes a Runtime over HTTP.
//
// Routes:
//
//	GET    /health
//	GET    /v1/packages
//	POST   /v1/packages
//	GET    /v1/packages/{id}
//	DELETE /v1/packages/{id}
//	GET    /v1/packages/{id}/state?prefix=
//	GET    /v1/packages/{id}/actions?page=&per_page=
//	GET    /v1/packages/{id}/logs?page=&per_page=
//	POST   /v1/contracts/{id}/actions/{action}?ts=&nonce=
//	POST   /v1/agents/{id}/tick
//	GET    /v1/agents/{id}
//	GET    /v1/codestore
//
// Everything under /v1 requires an HS256 bearer token when a secret is set.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-executor/engine"
)

// MaxPackageSize bounds the request body of package uploads.
const MaxPackageSize = 64 << 20

// Option configures the router.
type Option func(*api)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *api) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithJWTSecret requires bearer tokens signed with secret on /v1 routes.
func WithJWTSecret(secret string) Option {
	return func(a *api) {
		if secret != "" {
			a.secret = []byte(secret)
		}
	}
}

// WithClock replaces the clock used for actions submitted without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *api) {
		a.now = now
	}
}

type api struct {
	rt     *engine.Runtime
	logger *zap.Logger
	secret []byte
	now    func() time.Time
}

// NewRouter returns the HTTP handler serving rt.
func NewRouter(rt *engine.Runtime, opts ...Option) http.Handler {
	a := &api{rt: rt, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		if a.secret != nil {
			r.Use(authenticate(a.secret))
		}
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", a.listPackages)
			r.Post("/", a.registerPackage)
			r.Get("/{id}", a.getPackage)
			r.Delete("/{id}", a.unregisterPackage)
			r.Get("/{id}/state", a.packageState)
			r.Get("/{id}/actions", a.packageActions)
			r.Get("/{id}/logs", a.packageLogs)
		})
		r.Post("/contracts/{id}/actions/{action}", a.executeAction)
		r.Post("/agents/{id}/tick", a.tickAgent)
		r.Get("/agents/{id}", a.agentStatus)
		r.Get("/codestore", a.codeStats)
	})
	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
