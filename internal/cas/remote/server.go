package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/hermetic/internal/cas"
	"github.com/roach88/hermetic/internal/ir"
	"github.com/roach88/hermetic/internal/metrics"
)

// DefaultMaxBlobBytes bounds a single PUT body.
const DefaultMaxBlobBytes int64 = 1 << 30

// HelloResponse is the /hello payload.
type HelloResponse struct {
	Success       bool   `json:"success"`
	Version       string `json:"version"`
	HashAlgorithm string `json:"hash_algorithm"`
}

// Server serves a cas.Store over HTTP.
type Server struct {
	Addr     string
	router   *chi.Mux
	server   *http.Server
	store    cas.Store
	maxBlob  int64
	logger   *slog.Logger
	recorder metrics.Recorder
	metrics  http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger (default slog.Default()).
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServerRecorder sets the metrics recorder.
func WithServerRecorder(r metrics.Recorder) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithMaxBlobBytes bounds PUT bodies.
func WithMaxBlobBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxBlob = n
		}
	}
}

// NewServer creates a cache server for store listening on addr.
func NewServer(addr string, store cas.Store, opts ...ServerOption) *Server {
	s := &Server{
		Addr:     addr,
		router:   chi.NewRouter(),
		store:    store,
		maxBlob:  DefaultMaxBlobBytes,
		logger:   slog.Default(),
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/hello", s.handleHello)
	s.router.Head("/cas/{hash}", s.handleHead)
	s.router.Get("/cas/{hash}", s.handleGet)
	s.router.Put("/cas/{hash}", s.handlePut)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("cache server listening", "addr", s.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HelloResponse{
		Success:       true,
		Version:       ir.EngineVersion,
		HashAlgorithm: ir.HashSHA256.String(),
	})
}

func (s *Server) hashParam(w http.ResponseWriter, r *http.Request) (ir.ContentHash, bool) {
	h, err := ir.ParseContentHash(chi.URLParam(r, "hash"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return ir.ContentHash{}, false
	}
	return h, true
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hashParam(w, r)
	if !ok {
		return
	}
	found, err := s.store.Contains(r.Context(), h)
	s.recorder.IncRemoteRequest(http.MethodHead, err == nil)
	switch {
	case err != nil:
		s.logger.Error("contains failed", "hash", h.String(), "error", err)
		w.WriteHeader(http.StatusInternalServerError)
	case found:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hashParam(w, r)
	if !ok {
		return
	}
	data, err := s.store.Get(r.Context(), h)
	if err != nil {
		s.recorder.IncRemoteRequest(http.MethodGet, cas.IsNotFound(err))
		if cas.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("get failed", "hash", h.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.recorder.IncRemoteRequest(http.MethodGet, true)
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	h, ok := s.hashParam(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBlob))
	if err != nil {
		s.recorder.IncRemoteRequest(http.MethodPut, false)
		http.Error(w, "read body: "+err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	if err := cas.Verify(h, data); err != nil {
		s.recorder.IncRemoteRequest(http.MethodPut, false)
		s.logger.Warn("rejected blob", "hash", h.String(), "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.store.Put(r.Context(), data); err != nil {
		s.recorder.IncRemoteRequest(http.MethodPut, false)
		s.logger.Error("put failed", "hash", h.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.recorder.IncRemoteRequest(http.MethodPut, true)
	w.WriteHeader(http.StatusCreated)
}
