// Package api is the HTTP boundary of the proxy: it intercepts app traffic
// and serves the admin endpoints under AdminPrefix.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"shellcache/internal/lifecycle"
	"shellcache/internal/logger"
	"shellcache/internal/registry"
	"shellcache/internal/strategy"
)

// AdminPrefix is the path prefix reserved for admin endpoints. Everything
// else is intercepted.
const AdminPrefix = "/_shellcache"

const (
	headerRequestID  = "X-Request-Id"
	headerStatusText = "X-Shellcache-Status-Text"
)

// DeploymentFactory builds the deployment for a version. Empty coreAssets
// selects the configured list.
type DeploymentFactory func(version string, coreAssets []string) (lifecycle.Deployment, error)

// Options wires the server to the rest of the proxy.
type Options struct {
	Router   *strategy.Router
	Host     *lifecycle.Host
	Registry registry.Registry
	// Upstream is the origin that origin-form requests are forwarded to.
	// Absolute-form (proxy) requests keep their own host.
	Upstream    *url.URL
	Deployments DeploymentFactory
	// Metrics is mounted at AdminPrefix/metrics when non-nil.
	Metrics http.Handler
}

type server struct {
	opts Options
}

// NewServer builds the router: admin endpoints first, interception for the rest.
func NewServer(opts Options) http.Handler {
	s := &server{opts: opts}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(rejectConnect)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/status", s.status)
		r.Get("/stores", s.listStores)
		r.Delete("/stores/{storeId}", s.deleteStore)
		r.Post("/deployments", s.deploy)
		r.Post("/deployments/activate", s.activate)
		if opts.Metrics != nil {
			r.Handle("/metrics", opts.Metrics)
		}
	})
	r.HandleFunc("/*", s.intercept)

	return r
}

// requestID tags every request with a uuid and puts it into the log context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := logger.WithContext(r.Context(), &logger.LogContext{RequestID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		args := []any{
			logger.KeyMethod, r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			"bytes", ww.BytesWritten(),
			logger.KeyDuration, time.Since(start).String(),
		}
		if isAdminPath(r.URL.Path) {
			logger.DebugCtx(r.Context(), "admin request completed", args...)
			return
		}
		logger.InfoCtx(r.Context(), "request completed", args...)
	})
}

// rejectConnect refuses tunnels. Only plain HTTP requests, origin-form or
// absolute-form, can be classified and stored.
func rejectConnect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			logger.DebugCtx(r.Context(), "refusing tunnel", "host", r.Host)
			http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAdminPath(p string) bool {
	return p == AdminPrefix || strings.HasPrefix(p, AdminPrefix+"/")
}

// detach keeps request-scoped values but not the request's cancellation.
// Deployments run to completion even if the admin client hangs up.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
