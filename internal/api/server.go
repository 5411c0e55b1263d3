// Copyright 2025 James Ross
// Package api is the thin HTTP client surface: job submission, status,
// cancellation, rerun, artifact streaming, and upload ingest, per
// spec.md §6. It holds no dispatch logic of its own; every handler
// either writes through to the Job Store/Queue or reads from them.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-redis-work-queue/internal/config"
)

// Server wraps the routed handler in the standard middleware chain and
// an http.Server lifecycle.
type Server struct {
	cfg     *config.Config
	handler *Handler
	log     *zap.Logger
	http    *http.Server
}

func NewServer(cfg *config.Config, h *Handler, log *zap.Logger) *Server {
	return &Server{cfg: cfg, handler: h, log: log}
}

// Routes builds the gorilla/mux router for every endpoint in spec.md §6
// plus the admin fleet-comparison supplement.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	h := s.handler

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("/text-to-image", h.submitJob("image-from-text")).Methods(http.MethodPost)
	jobs.HandleFunc("/image-to-video", h.submitJob("video-from-image")).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}", h.GetJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}", h.CancelJob).Methods(http.MethodDelete)
	jobs.HandleFunc("/{id}/rerun", h.RerunJob).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}/artifacts", h.GetArtifact).Methods(http.MethodGet)
	jobs.Use(authMiddleware(s.cfg.Auth.DownloadTokenSecret, s.log))

	files := r.PathPrefix("/files").Subrouter()
	// the sub-path under /files/upload/path/ can itself contain slashes
	// (date-partitioned storage), so it is matched with {path:.*} and
	// registered before the bare {id} route.
	files.Handle("/upload/path/{path:.*}", http.HandlerFunc(h.GetFileByPath)).Methods(http.MethodGet)
	files.HandleFunc("/{id}", h.GetFileByID).Methods(http.MethodGet)
	files.Use(authMiddleware(s.cfg.Auth.DownloadTokenSecret, s.log))

	uploads := r.PathPrefix("/uploads").Subrouter()
	uploads.HandleFunc("", h.UploadFile).Methods(http.MethodPost)
	uploads.Use(authMiddleware(s.cfg.Auth.DownloadTokenSecret, s.log))

	admin := r.PathPrefix("/admin/nodes").Subrouter()
	admin.HandleFunc("", h.ListNodes).Methods(http.MethodGet)
	admin.HandleFunc("/stats", h.ClusterStats).Methods(http.MethodGet)
	admin.HandleFunc("/{id}/score", h.NodeScore).Methods(http.MethodGet)
	admin.HandleFunc("/{id}/maintenance", h.SetMaintenance).Methods(http.MethodPost)
	admin.Use(authMiddleware(s.cfg.Auth.DownloadTokenSecret, s.log))

	return r
}

func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	h = recoveryMiddleware(s.log)(h)
	h = requestIDMiddleware(h)
	h = corsMiddleware(h)
	h = loggingMiddleware(s.log)(h)
	return h
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	handler := s.applyMiddleware(s.Routes())
	s.http = &http.Server{
		Addr:         s.cfg.HTTP.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.HTTP.ReadTimeout,
		WriteTimeout: s.cfg.HTTP.WriteTimeout,
	}
	s.log.Info("starting http api", zap.String("addr", s.cfg.HTTP.ListenAddr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
