// Package httpapi serves the query surface and activity ingestion over HTTP
// and a websocket activity stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recall/internal/app"
	"github.com/raphaelgruber/recall/internal/models"
	"github.com/raphaelgruber/recall/internal/service"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Deps holds the services behind the routes. Stats and Ask are optional;
// their routes answer 501 when nil.
type Deps struct {
	Activity *service.ActivityService
	Search   *service.SearchService
	Jobs     *service.JobManager
	Stats    func() app.Stats
	Ask      func(ctx context.Context, q models.Query) (string, *models.Response, error)
}

// FromApp builds route dependencies from a running application.
func FromApp(a *app.App) Deps {
	return Deps{
		Activity: a.Activity,
		Search:   a.Search,
		Jobs:     a.Jobs,
		Stats:    a.Stats,
		Ask:      a.Ask,
	}
}

// Server routes HTTP requests to the services.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// base scopes background work started by requests, such as backfills,
	// to the server lifetime instead of the request.
	base context.Context

	pingInterval time.Duration
	pongWait     time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithBaseContext sets the context background jobs run under.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// WithPingInterval sets how often websocket clients are pinged. Clients that
// do not answer within twice the interval are disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
		s.pongWait = 2 * d
	}
}

// New creates a server.
func New(deps Deps, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Capture agents are not browsers
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		base:         context.Background(),
		pingInterval: 30 * time.Second,
		pongWait:     60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/context", s.handleContext)
	mux.HandleFunc("POST /api/ask", s.handleAsk)

	mux.HandleFunc("POST /api/activity", s.handleRecord)
	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("POST /api/sources/{id}/close", s.handleCloseSource)
	mux.HandleFunc("GET /api/episodes", s.handleRecent)
	mux.HandleFunc("GET /api/episodes/{id}", s.handleEpisode)
	mux.HandleFunc("GET /api/frames/{id}", s.handleFrame)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/backfill", s.handleBackfill)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJob)

	mux.HandleFunc("GET /ws/activity", s.handleActivityStream)

	return LoggingMiddleware(s.logger)(mux)
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorBody.Code.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeOutOfOrder  = "out_of_order"
	CodeUnavailable = "embedding_unavailable"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// classify maps a service error onto a status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, models.ErrOutOfOrder):
		return http.StatusConflict, CodeOutOfOrder
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, models.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", models.ErrValidation, err)
	}
	return nil
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrValidation, key)
	}
	return v, nil
}

func notImplemented(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, ErrorBody{Error: what + " is not configured", Code: CodeInternal})
}
