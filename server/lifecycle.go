package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/sym"
)

// grpcHealthInterval is how often readiness is mirrored to gRPC health
const grpcHealthInterval = 5 * time.Second

// Start listens on the configured ports and serves until Shutdown.
// It returns once the listeners are bound; serve errors go to errCh.
func (s *Server) Start() (<-chan error, error) {
	errCh := make(chan error, 2)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       seconds(s.cfg.ReadTimeoutSeconds),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      seconds(s.cfg.WriteTimeoutSeconds),
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.GRPCHealthPort > 0 {
		gaddr := fmt.Sprintf(":%d", s.cfg.GRPCHealthPort)
		glis, err := net.Listen("tcp", gaddr)
		if err != nil {
			_ = lis.Close()
			return nil, errors.Wrapf(err, "failed to listen on %s for gRPC health", gaddr)
		}
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.syncGRPCHealth(grpcHealthInterval)
		}()
		go func() {
			defer s.wg.Done()
			s.logger.Infow("gRPC health server listening", "port", s.cfg.GRPCHealthPort)
			if err := s.grpcServer.Serve(glis); err != nil {
				errCh <- errors.Wrap(err, "gRPC health server failed")
			}
		}()
	}

	s.setState(ServerStateRunning)
	s.logger.Infow(fmt.Sprintf("%s API listening on port %d", sym.Pulse, s.cfg.Port), "port", s.cfg.Port)

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			errCh <- errors.Wrap(err, "HTTP server failed")
		}
	}()
	return errCh, nil
}

// Shutdown drains the server: readiness turns unavailable, event stream
// clients are disconnected and in-flight requests finish within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)
	s.health.Shutdown()

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "HTTP server shutdown")
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	s.cancel()
	s.closeClients()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for background goroutines")
	}

	s.setState(ServerStateStopped)
	return shutdownErr
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
