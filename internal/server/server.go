// Package server exposes the explainer over HTTP: classify an image, then
// inspect the resulting graph layer by layer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/born-ml/explainer/internal/builder"
	"github.com/born-ml/explainer/internal/cnn"
	"github.com/born-ml/explainer/internal/imageprep"
	"github.com/born-ml/explainer/internal/matrix"
	"github.com/born-ml/explainer/internal/model"
	"github.com/born-ml/explainer/internal/session"
	"github.com/born-ml/explainer/internal/store"
)

// Options configures a Server.
type Options struct {
	Model          *model.Model
	Build          builder.Options
	Image          imageprep.Options
	Scale          cnn.ScaleLevel // default overview scale level
	Sessions       *session.Store // nil creates one
	History        *store.DB      // nil disables run history
	MaxUploadBytes int64          // 0 uses 32 MiB
	Logger         *log.Logger    // nil is silent

	// AllowURLFetch enables the url parameter of /api/classify. Fetches
	// go through Image.Client, which defaults to imageprep.PublicClient.
	AllowURLFetch bool
}

// Server serves the HTTP API.
type Server struct {
	opts   Options
	router *mux.Router
}

// New returns a server for opts.Model.
func New(opts Options) (*Server, error) {
	if opts.Model == nil {
		return nil, errors.New("server: no model")
	}
	if err := opts.Model.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore(session.DefaultCapacity, opts.Logger)
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.Scale == "" {
		opts.Scale = cnn.ModuleScale
	}
	if opts.AllowURLFetch && opts.Image.Client == nil {
		opts.Image.Client = imageprep.PublicClient(30 * time.Second)
	}

	s := &Server{opts: opts, router: mux.NewRouter()}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/model", s.handleModel).Methods(http.MethodGet)
	api.HandleFunc("/classify", s.handleClassify).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)

	g := api.PathPrefix("/graphs/{id}").Subrouter()
	g.HandleFunc("", s.handleGraph).Methods(http.MethodGet)
	g.HandleFunc("/layers/{layer}", s.handleLayer).Methods(http.MethodGet)
	g.HandleFunc("/ranges", s.handleRanges).Methods(http.MethodGet)
	g.HandleFunc("/flatten", s.handleFlatten).Methods(http.MethodGet)
	g.HandleFunc("/predictions", s.handlePredictions).Methods(http.MethodGet)
	g.HandleFunc("/conv/{layer}/{node:[0-9]+}/{row:[0-9]+}/{col:[0-9]+}", s.handleConv).Methods(http.MethodGet)
	g.HandleFunc("/overview.svg", s.handleOverview).Methods(http.MethodGet)
	g.HandleFunc("/input.png", s.handleInput).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logf("[server] listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logf("[server] shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logf("[server] %s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start))
	})
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("json encode error: %v", err), http.StatusInternalServerError)
		return
	}
	rawJSON(w, status, data)
}

func rawJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// statusOf maps an error to the HTTP status reported for it.
func statusOf(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoCurrent),
		errors.Is(err, store.ErrNotFound), errors.Is(err, cnn.ErrLayerIndex):
		return http.StatusNotFound
	case errors.Is(err, imageprep.ErrForbiddenAddress), errors.Is(err, errURLDisabled):
		return http.StatusForbidden
	case errors.Is(err, imageprep.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageprep.ErrFormat), errors.Is(err, builder.ErrInput),
		errors.Is(err, cnn.ErrLayerTypeMismatch), errors.Is(err, cnn.ErrUnknownNode),
		errors.Is(err, matrix.ErrShape), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest  = errors.New("bad request")
	errURLDisabled = errors.New("url fetching is disabled")
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logf("[server] %s %s: %v", r.Method, r.URL.Path, err)
	}
	jsonResponse(w, status, errorBody{Error: err.Error()})
}
