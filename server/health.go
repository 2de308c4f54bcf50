package server

import (
	"context"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/metronome/version"
)

// healthCheckTimeout bounds the database ping of a readiness check
const healthCheckTimeout = 2 * time.Second

// handlePing is the liveness check
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleHealth is the readiness check: the database answers and the
// dispatcher, when enabled, ticked recently
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, ready := s.readiness(r.Context())
	info := version.Get()
	resp := HealthResponse{
		Status:  "ok",
		Version: info.Version,
		Commit:  info.Short(),
		Checks:  checks,
		Clients: s.ClientCount(),
	}
	if s.runs != nil {
		resp.Launches = s.runs.GetStats()
	}
	if s.dispatcher != nil {
		if last := s.dispatcher.LastTick(); !last.IsZero() {
			resp.LastTickAt = last.UTC().Format(time.RFC3339)
		}
	}

	status := http.StatusOK
	if !ready {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// readiness runs every check. The map holds "ok" or the failure per check.
func (s *Server) readiness(ctx context.Context) (map[string]string, bool) {
	checks := map[string]string{}
	ready := true

	if s.getState() != ServerStateRunning {
		checks["server"] = stateString(s.getState())
		ready = false
	}

	if s.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := s.db.PingContext(pingCtx)
		cancel()
		if err != nil {
			checks["database"] = err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}

	if s.dispatcher != nil {
		checks["dispatcher"] = "ok"
		last := s.dispatcher.LastTick()
		switch {
		case !s.dispatcher.IsRunning():
			checks["dispatcher"] = "not running"
			ready = false
		case last.IsZero():
			checks["dispatcher"] = "no tick yet"
			ready = false
		case s.staleAfter > 0 && s.now().Sub(last) > s.staleAfter:
			checks["dispatcher"] = "last tick " + s.now().Sub(last).Truncate(time.Second).String() + " ago"
			ready = false
		}
	}
	return checks, ready
}

// syncGRPCHealth mirrors readiness into the gRPC health service until the
// server stops
func (s *Server) syncGRPCHealth(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.updateGRPCHealth()
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) updateGRPCHealth() {
	status := healthpb.HealthCheckResponse_SERVING
	if _, ready := s.readiness(s.ctx); !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(healthServiceName, status)
	s.health.SetServingStatus("", status)
}
