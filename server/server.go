// Package server exposes the scheduler over a REST API, a websocket run
// event stream and a gRPC health service.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/pulse/events"
	"github.com/teranos/metronome/pulse/job"
	"github.com/teranos/metronome/pulse/run"
	"github.com/teranos/metronome/pulse/schedule"
)

const (
	// MaxClients is the maximum number of concurrent websocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds graceful shutdown of the HTTP server
	ShutdownTimeout = 30 * time.Second
	// healthServiceName is the gRPC health service mirroring readiness
	healthServiceName = "metronome.v1.Scheduler"
)

// ServerState is the lifecycle state of the server
type ServerState int

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// TickSource reports dispatcher liveness for readiness checks
type TickSource interface {
	IsRunning() bool
	LastTick() time.Time
}

// Deps are the components the server serves
type Deps struct {
	DB         *sql.DB
	Jobs       *job.Store
	Schedules  *schedule.Store
	Runs       *run.Manager
	Dispatcher TickSource // nil when the dispatcher is disabled
	Bus        *events.Bus
	Config     *am.Config
	Logger     *zap.SugaredLogger
}

// Server serves the scheduler API
type Server struct {
	db         *sql.DB
	jobs       *job.Store
	schedules  *schedule.Store
	runs       *run.Manager
	dispatcher TickSource
	bus        *events.Bus
	cfg        am.ServerConfig
	metrics    bool
	staleAfter time.Duration
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader
	now        func() time.Time

	mu      sync.RWMutex
	clients map[*Client]bool

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32
}

// New creates a server. Nothing listens until Start.
func New(d Deps) *Server {
	cfg := d.Config
	if cfg == nil {
		cfg = &am.Config{}
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bus := d.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		db:         d.DB,
		jobs:       d.Jobs,
		schedules:  d.Schedules,
		runs:       d.Runs,
		dispatcher: d.Dispatcher,
		bus:        bus,
		cfg:        cfg.Server,
		metrics:    cfg.Metrics.Enabled,
		staleAfter: time.Duration(cfg.StaleAfterSeconds()) * time.Second,
		logger:     log.Named("server"),
		now:        time.Now,
		clients:    make(map[*Client]bool),
		health:     health.NewServer(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = s.newUpgrader()
	return s
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
