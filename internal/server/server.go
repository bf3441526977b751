// Package server exposes the export pipeline over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/woo-export/pkg/export"
	"github.com/Sternrassler/woo-export/pkg/ledger"
	"github.com/Sternrassler/woo-export/pkg/logging"
	"github.com/Sternrassler/woo-export/pkg/metrics"
	"github.com/Sternrassler/woo-export/pkg/pipeline"
)

// Pipeline runs exports and fan-outs.
type Pipeline interface {
	ExportPage(ctx context.Context, entity export.Entity, page int) (*pipeline.PageResult, error)
	EnqueueAll(ctx context.Context, entity export.Entity) (*pipeline.EnqueueResult, error)
}

// Manifests lists exported pages.
type Manifests interface {
	Manifest(ctx context.Context, entity export.Entity) (ledger.Manifest, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Config holds server configuration.
type Config struct {
	// Token, when set, must be presented as a bearer token on export, enqueue and manifest routes
	Token string

	// RequestTimeout bounds a single export or enqueue call (default: 5m)
	RequestTimeout time.Duration
}

// Server routes HTTP requests to the pipeline.
type Server struct {
	registry  *export.Registry
	pipeline  Pipeline
	manifests Manifests
	ready     []Pinger
	config    Config
	logger    zerolog.Logger
}

// New creates a server. manifests may be nil, the manifest route then answers 404.
func New(registry *export.Registry, p Pipeline, manifests Manifests, cfg Config, logger zerolog.Logger, ready ...Pinger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &Server{
		registry:  registry,
		pipeline:  p,
		manifests: manifests,
		ready:     ready,
		config:    cfg,
		logger:    logging.Component(logger, "server"),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("/{entity}/enqueue", s.protect(http.HandlerFunc(s.enqueueHandler)))
	mux.Handle("GET /{entity}/manifest", s.protect(http.HandlerFunc(s.manifestHandler)))
	mux.Handle("/{entity}/{page}", s.protect(http.HandlerFunc(s.exportHandler)))

	mux.HandleFunc("/", s.homeHandler)

	h := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	})(mux)
	h = hlog.RequestIDHandler("request_id", "X-Request-Id")(h)
	return hlog.NewHandler(s.logger)(h)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// protect enforces the bearer token when one is configured.
func (s *Server) protect(next http.Handler) http.Handler {
	if s.config.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.config.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing or invalid bearer token", Kind: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) entity(r *http.Request) (export.Entity, error) {
	cfg, err := s.registry.Resolve(r.PathValue("entity"))
	if err != nil {
		return "", err
	}
	return cfg.Entity, nil
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	entity, err := s.entity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %q", export.ErrInvalidPage, r.PathValue("page")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.pipeline.ExportPage(ctx, entity, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	entity, err := s.entity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	result, err := s.pipeline.EnqueueAll(ctx, entity)
	if err != nil {
		if result != nil {
			// Partial fan-out: report what was scheduled alongside the failure.
			writeJSON(w, http.StatusInternalServerError, partialBody{
				EnqueueResult: result,
				Error:         err.Error(),
				Kind:          export.KindOf(err),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) manifestHandler(w http.ResponseWriter, r *http.Request) {
	entity, err := s.entity(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.manifests == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "export ledger is disabled", Kind: "not_found"})
		return
	}

	m, err := s.manifests.Manifest(r.Context(), entity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>woo-export</title></head>
<body>
<h1>woo-export</h1>
<p>Exports shop records page by page to JSON Lines objects.</p>
<ul>
{{range .Entities}}<li><code>GET|POST /{{.}}/enqueue</code> schedules one export task per page of {{.}}</li>
<li><code>GET|POST /{{.}}/{page}</code> exports one page of {{.}}</li>
<li><code>GET /{{.}}/manifest</code> lists exported pages of {{.}}</li>
{{end}}<li><code>GET /health</code>, <code>GET /ready</code>, <code>GET /metrics</code></li>
</ul>
</body>
</html>
`))

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := homeTemplate.Execute(w, struct{ Entities []export.Entity }{s.registry.Entities()}); err != nil {
		s.logger.Error().Err(err).Msg("Render home page failed")
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type partialBody struct {
	*pipeline.EnqueueResult
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps a pipeline error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, export.ErrUnsupportedEntity):
		return http.StatusNotFound
	case errors.Is(err, export.ErrInvalidPage):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrSchemaMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, export.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind := export.KindOf(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().Err(err).Str("error_kind", kind).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Kind: "method_not_allowed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
