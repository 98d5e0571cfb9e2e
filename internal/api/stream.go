package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/drone-swarm/internal/engine"
	"github.com/talgya/drone-swarm/internal/swarm"
)

const (
	heartbeat  = 15 * time.Second
	writeWait  = 5 * time.Second
	pongWait   = 40 * time.Second // must exceed heartbeat
	sendBuffer = 4                // frames queued per client before new ones are dropped
)

// Frame is one message on the live stream.
type Frame struct {
	Tick      uint64           `json:"tick"`
	AvgError  *float64         `json:"avg_error"`
	Converged bool             `json:"converged"`
	Drones    []swarm.Snapshot `json:"drones"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans frames out to connected stream clients. Slow clients lose
// frames rather than stalling the frame loop.
type hub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	conns    atomic.Int32
	upgrader websocket.Upgrader
	pongWait time.Duration // silence allowed before a client is dropped
}

func newHub() *hub {
	return &hub{
		clients:  make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pongWait: pongWait,
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (c *streamClient) writeLoop() {
	ping := time.NewTicker(heartbeat)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Broadcast sends the current swarm state to stream clients. It must run on
// the frame loop goroutine; it does nothing when nobody is listening.
func (s *Server) Broadcast(tick uint64) {
	if s.streams.count() == 0 {
		return
	}
	data, err := json.Marshal(s.frame(tick))
	if err != nil {
		slog.Error("stream frame encode failed", "error", err)
		return
	}
	s.streams.broadcast(data)
}

func (s *Server) frame(tick uint64) Frame {
	sw := s.Sim.Swarm
	return Frame{
		Tick:      tick,
		AvgError:  engine.Finite(sw.AverageError()),
		Converged: sw.IsConverged(s.Sim.Threshold),
		Drones:    sw.Snapshots(),
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Connection limit.
	current := s.streams.conns.Add(1)
	if int(current) > s.MaxStreams {
		s.streams.conns.Add(-1)
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.streams.conns.Add(-1)

	conn, err := s.streams.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("stream upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, sendBuffer)}

	// Catch-up frame so a new client does not wait for the next broadcast.
	var first []byte
	doErr := s.Eng.Do(func() {
		first, _ = json.Marshal(s.frame(s.Sim.CurrentTick()))
	})
	if doErr == nil && first != nil {
		c.send <- first
	}

	s.streams.register(c)
	go c.writeLoop()
	slog.Info("stream client connected", "remote", clientIP(r), "clients", s.streams.count())

	// Drain reads so close and pong frames are processed. Each pong pushes
	// the deadline out; a client that stops answering pings is dropped.
	wait := s.streams.pongWait
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.streams.unregister(c)
	slog.Info("stream client disconnected", "remote", clientIP(r))
}
