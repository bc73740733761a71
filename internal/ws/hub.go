// Package ws pushes device status, session state and detections to
// connected dashboards.
package ws

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/metrics"
)

const (
	MessageTypeDeviceStatus = "device_status"
	MessageTypeSessionState = "session_state"
	MessageTypeDetection    = "detection"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type Hub struct {
	clients   map[*Client]struct{}
	broadcast chan Message
	mu        sync.RWMutex
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHub builds a hub. An empty allowedOrigins accepts any origin.
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:   make(map[*Client]struct{}),
		broadcast: make(chan Message, 256),
		log:       logging.Component("ws"),
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
		},
	}
	return h
}

// Serve runs the hub until ctx ends, then closes every client.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAll()
			h.log.Info().Int("clients_closed", n).Msg("Websocket hub stopped")
			return ctx.Err()

		case msg := <-h.broadcast:
			h.fanout(msg)
		}
	}
}

func (h *Hub) String() string { return "ws-hub" }

// Broadcast queues msg for every client. It never blocks: when the hub is
// saturated the message is dropped.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: payload}:
	default:
		h.log.Warn().Str("type", msgType).Msg("Websocket broadcast queue full, dropping message")
	}
}

func (h *Hub) Name() string { return "ws" }

// Deliver pushes an ingested detection to dashboards.
func (h *Hub) Deliver(_ context.Context, ev data.DetectionEvent) error {
	h.Broadcast(MessageTypeDetection, ev)
	return nil
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	h.log.Debug().Uint64("client_id", c.id).Int("total_clients", n).Msg("Websocket client connected")
}

// remove is idempotent; the hub may already have dropped a slow client.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	NewClient(h, conn).Start()
}

// fanout delivers in client id order. A client whose buffer is full is
// dropped rather than allowed to stall the hub.
func (h *Hub) fanout(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.sorted()
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			h.log.Warn().Uint64("client_id", c.id).Msg("Dropping slow websocket client")
		}
	}
	metrics.WSClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.sorted() {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.WSClients.Set(0)
}

// sorted must be called with mu held.
func (h *Hub) sorted() []*Client {
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
