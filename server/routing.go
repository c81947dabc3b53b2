package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/tessera/logger"
)

// routes configures every HTTP handler
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws/events", s.hub.ServeWS)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Route("/{job}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/run", s.handleRun)
			r.Post("/pause", s.handleStop)
			r.Post("/stop", s.handleStop)
			r.Post("/resume", s.handleResume)
			r.Post("/forcestop", s.handleForceStop)
			r.Post("/messages", s.handleMessage)
			r.Get("/executions", s.handleExecutions)
		})
	})
	return r
}

// requestLogger logs each request at debug level, failures at warn
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := []interface{}{
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.logger.Warnw("Request failed", fields...)
			return
		}
		s.logger.Debugw("Request served", fields...)
	})
}

// corsMiddleware lets local dashboards call the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
