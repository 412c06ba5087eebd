// Package websocket exposes the telemetry bus to game clients over a
// WebSocket stream. Each connection owns a read pump (subscription control
// messages) and a write pump (bus fan-out); slow connections drop frames
// rather than stall the bus.
package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epochmesh/backend/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // under pongWait
	maxMsgSize = 4096
)

// controlMessage is what clients send: subscription management only.
type controlMessage struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// ack is the reply to a control message.
type ack struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
	Error    string   `json:"error,omitempty"`
}

// StreamServer upgrades HTTP connections and bridges them onto the bus.
type StreamServer struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]bool
}

// NewStreamServer creates the server over the given bus.
func NewStreamServer(b *bus.Bus) *StreamServer {
	return &StreamServer{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
		logger:  log.New(log.Writer(), "[Stream] ", log.LstdFlags),
	}
}

// ClientCount returns the number of live connections.
func (s *StreamServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleWS is the http.HandlerFunc for the stream endpoint. Clients start
// with no channels and send {"subscribe": [...]} to opt in.
func (s *StreamServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Upgrade failed: %v", err)
		return
	}

	sub, err := s.bus.Subscribe() // no channels yet
	if err != nil {
		conn.Close()
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		sub:    sub,
		send:   make(chan []byte, 100),
	}

	s.mu.Lock()
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", total)

	go c.writePump()
	go c.forwardPump()
	go c.readPump()
}

func (s *StreamServer) remove(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	s.bus.Unsubscribe(c.sub)
	c.conn.Close()
	s.logger.Printf("Client disconnected (total: %d)", total)
}

// ============================================================================
// CLIENT
// ============================================================================

type client struct {
	server *StreamServer
	conn   *websocket.Conn
	sub    *bus.Subscription

	send chan []byte
}

// readPump consumes control messages until the connection dies. It owns all
// reads on the connection. Teardown order matters: remove closes sub.C, and
// forwardPump keeps draining the buffered tail before it closes send.
func (c *client) readPump() {
	defer c.server.remove(c)

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			c.reply(ack{Type: "error", Error: "malformed control message"})
			continue
		}

		if len(ctrl.Subscribe) > 0 {
			if err := c.sub.Add(ctrl.Subscribe...); err != nil {
				c.reply(ack{Type: "error", Error: err.Error()})
				continue
			}
		}
		if len(ctrl.Unsubscribe) > 0 {
			c.sub.Remove(ctrl.Unsubscribe...)
		}
		c.reply(ack{Type: "subscribed", Channels: c.sub.Channels()})
	}
}

// forwardPump moves bus envelopes into the send buffer, dropping on
// overflow. It is the only goroutine that closes send: a closed sub.C still
// yields its buffered envelopes, so nothing else may close send first.
func (c *client) forwardPump() {
	defer close(c.send)
	for env := range c.sub.C {
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow client, frame dropped.
		}
	}
}

// writePump owns all writes on the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) reply(a ack) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
