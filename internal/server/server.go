// Package server exposes the bulk importer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/agentic-research/bulkfs/api"
	"github.com/agentic-research/bulkfs/internal/bulkimport"
	"github.com/agentic-research/bulkfs/internal/repository"
)

const maxRequestBytes = 1 << 20

// Server serves the import control API.
type Server struct {
	importer *bulkimport.Importer
	repo     repository.Repository
	defaults bulkimport.Defaults
	log      zerolog.Logger
}

// New returns a server driving im. Requests are resolved against repo and
// filled in from d.
func New(im *bulkimport.Importer, repo repository.Repository, d bulkimport.Defaults, log zerolog.Logger) *Server {
	return &Server{importer: im, repo: repo, defaults: d, log: log}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", s.health)
	r.Route("/api/imports", func(r chi.Router) {
		r.Post("/", s.startImport)
		r.Get("/status", s.status)
		r.Post("/stop", s.stop)
	})
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startImport(w http.ResponseWriter, r *http.Request) {
	var req api.ImportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	p, err := bulkimport.ParametersFromRequest(r.Context(), s.repo, req, s.defaults)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.importer.Start(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.importer.Status())
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.importer.Status())
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	if !s.importer.Stop() {
		writeError(w, http.StatusConflict, errors.New("no import is running"))
		return
	}
	writeJSON(w, http.StatusAccepted, s.importer.Status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bulkimport.ErrImportInProgress):
		return http.StatusConflict
	case errors.Is(err, bulkimport.ErrBadRequest), errors.Is(err, bulkimport.ErrInvalidParameters):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
