// Package httpapi exposes the sync service over HTTP: the streaming sync
// endpoint (NDJSON and websocket flavors), write checkpoints, sync rules
// status, health probes and Prometheus metrics. Handlers stay thin; protocol
// work happens in syncer and wire.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/erauner12/bucketsync/internal/auth"
	"github.com/erauner12/bucketsync/internal/errcode"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/syncer"
)

// Options holds the transport-level knobs handlers need.
type Options struct {
	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS handling entirely.
	CORSOrigins []string
	// TokenExpiryMargin ends sync streams this long before the token
	// expires, so clients refresh and reconnect instead of failing mid-line.
	TokenExpiryMargin time.Duration
	// WriteCheckpoints rate-limits checkpoint creation per user.
	WriteCheckpoints RateLimit
}

// Server holds the handler dependencies.
type Server struct {
	log    zerolog.Logger
	store  storage.Store
	syncer *syncer.Syncer
	keys   *auth.KeyStore
	opts   Options
}

// NewServer wires handlers over the store, the stream orchestrator and the
// verification key store.
func NewServer(store storage.Store, sy *syncer.Syncer, keys *auth.KeyStore, opts Options, log zerolog.Logger) *Server {
	return &Server{
		log:    log.With().Str("component", "httpapi").Logger(),
		store:  store,
		syncer: sy,
		keys:   keys,
		opts:   opts,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Correlation(s.log))
	r.Use(middleware.Recoverer)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-ID"},
			MaxAge:         300,
		}).Handler)
	}

	// Unauthenticated probes and metrics.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/sync/stream", s.streamHTTP)
		r.Get("/sync/stream", s.streamWebsocket)
		r.Get("/sync/rules/status", s.handleRulesStatus)

		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.opts.WriteCheckpoints, s.log))
			r.Post("/sync/write-checkpoint", s.handleWriteCheckpoint)
		})
	})

	return r
}

// originPatterns converts configured origins to the bare host patterns the
// websocket accept check matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError responds with the coded error in the errcode JSON shape, under
// the status its code maps to.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	coded := errcode.AsError(err)
	status := errcode.HTTPStatus(err)
	ev := zerolog.Ctx(r.Context()).Debug()
	if status >= http.StatusInternalServerError {
		ev = zerolog.Ctx(r.Context()).Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, r, status, coded)
}
