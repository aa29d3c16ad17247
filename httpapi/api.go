// Package httpapi serves the job orchestration operations over HTTP: job
// creation and inspection, cancellation, retries, batches, cache
// administration and the live event endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/cliu238/vacalibration/engine"
	"github.com/cliu238/vacalibration/live"
	"github.com/cliu238/vacalibration/scope"
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng     *engine.Engine
	auth    live.Authenticator
	logger  *slog.Logger
	origins []string
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator sets how callers are identified. The default treats
// every caller as anonymous.
func WithAuthenticator(a live.Authenticator) Option {
	return func(api *API) { api.auth = a }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(api *API) { api.logger = l }
}

// WithCORSOrigins sets the origins allowed to call the API from a browser.
// No origins disables CORS handling.
func WithCORSOrigins(origins ...string) Option {
	return func(api *API) { api.origins = append(api.origins, origins...) }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		auth:   live.NoopAuthenticator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.authenticate)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.createJob)
			r.Get("/", a.listJobs)
			r.Delete("/", a.deleteJobs)

			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", a.getJob)
				r.Delete("/", a.deleteJob)
				r.Get("/result", a.getResult)
				r.Get("/output", a.getOutput)
				r.Post("/cancel", a.cancelJob)
				r.Post("/retry", a.retryJob)
				r.Post("/dispatch", a.resubmitJob)
				r.Get("/ws", a.watchJob)
				r.Get("/events", a.streamJob)
			})
		})

		r.Post("/batches", a.createBatch)
		r.Get("/batches/{batchId}", a.getBatch)

		r.Get("/cache/stats", a.cacheStats)
		r.Delete("/cache", a.clearCache)

		r.Get("/stats", a.stats)
	})

	if len(a.origins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   a.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	}).Handler(r)
}

type identityKey struct{}

// authenticate resolves the caller and scopes the request context to it.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := a.auth.Authenticate(r.Context(), live.TokenFromRequest(r))
		if err != nil {
			if errors.Is(err, live.ErrUnauthorized) {
				writeErr(w, http.StatusUnauthorized, err)
				return
			}
			writeError(w, err)
			return
		}
		ctx := r.Context()
		if !who.Anonymous() {
			ctx = scope.Restore(ctx, who.Subject)
		}
		ctx = context.WithValue(ctx, identityKey{}, who)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) *live.Identity {
	who, _ := ctx.Value(identityKey{}).(*live.Identity)
	return who
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
