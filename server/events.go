package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/metronome/logger"
)

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// handleEvents handles GET /v1/events, a websocket streaming run
// transitions as JSON. ?jobId= narrows the stream to one job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.ClientCount() >= MaxClients {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "too many event stream clients")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Debugw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		server: s,
		conn:   conn,
		id:     uuid.NewString(),
		jobID:  r.URL.Query().Get("jobId"),
	}
	if !s.register(c) {
		c.close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// register subscribes the client to the bus. Returns false when the
// server is full or stopping.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	if len(s.clients) >= MaxClients || s.getState() != ServerStateRunning {
		s.mu.Unlock()
		s.logger.Warnw("Rejecting event stream client", "client_id", c.id, "max_clients", MaxClients)
		return false
	}
	c.send = s.bus.Subscribe()
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Event stream client connected",
		"client_id", c.id,
		logger.FieldJobID, c.jobID,
		"total_clients", total)
	return true
}

// unregister ends the client's subscription. Safe to call more than once.
func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	s.bus.Unsubscribe(c.send)
	s.logger.Infow("Event stream client disconnected", "client_id", c.id, "total_clients", total)
}

// closeClients disconnects every event stream client
func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		s.unregister(c)
	}
}
