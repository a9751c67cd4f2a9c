// Package inbox is a small HTTP receiver for reports uploaded by the HTTP
// sender. It is meant for development and self-hosted setups; received
// archives are queued in a storage backend.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Store is where received archives go.
type Store interface {
	storage.Backend
	storage.Browser
}

const defaultMaxUpload = 64 << 20

// Server receives report uploads.
type Server struct {
	router    chi.Router
	store     Store
	logger    *slog.Logger
	maxUpload int64
	maxQueued int
	origins   []string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxUpload caps the request body size in bytes.
func WithMaxUpload(n int64) ServerOption {
	return func(s *Server) { s.maxUpload = n }
}

// WithMaxQueued caps the number of stored reports. Zero is unbounded.
func WithMaxQueued(n int) ServerOption {
	return func(s *Server) { s.maxQueued = n }
}

// WithAllowedOrigins sets the CORS origins. The default allows any origin.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

// NewServer creates a receiver storing into store.
func NewServer(store Store, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		logger:    slog.Default(),
		maxUpload: defaultMaxUpload,
		origins:   []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)
	r.Route("/reports", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleUpload)
		r.Get("/{name}", s.handleDownload)
		r.Get("/{name}/summary", s.handleSummary)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Receipt is the upload response.
type Receipt struct {
	Name     string `json:"name"`
	ReportID string `json:"report_id"`
	Summary  string `json:"summary"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	f, hdr, err := r.FormFile(sender.FormFile)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("missing %q file part", sender.FormFile))
		return
	}
	defer f.Close()

	rep, err := queue.Decode(f)
	if err != nil {
		s.logger.Warn("rejected upload", slog.String("file", hdr.Filename), slog.String("error", err.Error()))
		respondDomainError(w, err)
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		respondError(w, http.StatusInternalServerError, "rewinding upload")
		return
	}

	ws, name, err := s.store.Create(s.maxQueued)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if _, err := io.Copy(ws, f); err != nil {
		ws.Abort()
		respondDomainError(w, core.ErrStorage("storing upload").WithCause(err))
		return
	}
	if err := ws.Close(); err != nil {
		respondDomainError(w, core.ErrStorage("storing upload").WithCause(err))
		return
	}

	s.logger.Info("report received",
		slog.String("report", name),
		slog.String("file", hdr.Filename),
		slog.String("report_id", rep.GeneralInfo.ReportID))
	respondJSON(w, http.StatusCreated, Receipt{Name: name, ReportID: rep.GeneralInfo.ReportID, Summary: rep.String()})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	names, err := s.store.List()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"reports": names})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rs, err := s.store.Open(name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	defer rs.Close()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, time.Time{}, rs)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rs, err := s.store.Open(name)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	defer rs.Close()
	rep, err := queue.Decode(rs)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting report inbox", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondDomainError(w http.ResponseWriter, err error) {
	respondError(w, httpStatusForError(err), err.Error())
}

func httpStatusForError(err error) int {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return http.StatusInternalServerError
	}
	switch domErr.Category {
	case core.ErrCatValidation, core.ErrCatArchive:
		return http.StatusUnprocessableEntity
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatCapacity:
		return http.StatusInsufficientStorage
	case core.ErrCatContention:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
