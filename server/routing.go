package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/metronome/logger"
)

// Router builds the HTTP handler of the API
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)

	r.Get("/ping", s.handlePing)
	r.Get("/v1/health", s.handleHealth)
	r.Get("/v1/events", s.handleEvents)
	if s.metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleCreateJob)

		r.Route("/{jobId}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Put("/", s.handleUpdateJob)
			r.Delete("/", s.handleDeleteJob)

			r.Get("/schedules", s.handleListSchedules)
			r.Post("/schedules", s.handleCreateSchedule)
			r.Get("/schedules/{scheduleId}", s.handleGetSchedule)
			r.Put("/schedules/{scheduleId}", s.handleUpdateSchedule)
			r.Delete("/schedules/{scheduleId}", s.handleDeleteSchedule)

			r.Get("/runs", s.handleListRuns)
			r.Post("/runs", s.handleTriggerRun)
			r.Get("/runs/{runId}", s.handleGetRun)
			r.Post("/runs/{runId}/actions/stop", s.handleStopRun)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

// requestLogger logs every request with its status and latency
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logger.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))

		log := logger.LoggerFromContext(ctx, s.logger)
		fields := []interface{}{
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			log.Warnw("HTTP request failed", fields...)
		case r.URL.Path == "/ping" || r.URL.Path == "/v1/health" || r.URL.Path == "/metrics":
			log.Debugw("HTTP request", fields...)
		default:
			log.Infow("HTTP request", fields...)
		}
	})
}

// corsMiddleware adds CORS headers for origins listed in server.allowed_origins
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts requests without an Origin header and origins that
// start with a configured allowed origin (any port)
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
