// Package pushchan streams live process state to operator dashboards over
// a websocket endpoint. Every connection receives a full snapshot on
// connect, a relay of all bus events, and a metrics push every 5 seconds.
package pushchan

import (
	"net/http"
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/breaker"
	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/heal"
	"github.com/chronicler-app/chronicler/pool"
	"github.com/chronicler-app/chronicler/track"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	metricsPushInterval = 5 * time.Second
	writeTimeout        = 10 * time.Second
	aggregateWindow     = 15 * time.Minute
)

// Message is the wire shape of both directions.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// Hub fans process state out to connected clients.
type Hub struct {
	Bus      *events.Bus
	Sampler  *track.Sampler
	Requests *track.Requests
	Errors   *track.Errors
	Healer   *heal.Controller
	Breakers *breaker.Set
	Pool     *pool.Pool

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New returns a Hub over the given state sources.
func New(bus *events.Bus, sampler *track.Sampler, requests *track.Requests, errs *track.Errors,
	healer *heal.Controller, breakers *breaker.Set, p *pool.Pool) *Hub {
	return &Hub{
		Bus:      bus,
		Sampler:  sampler,
		Requests: requests,
		Errors:   errs,
		Healer:   healer,
		Breakers: breakers,
		Pool:     p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is same-deployment; origin policy is enforced
			// by the fronting auth middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var conn, err = h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}

	var c = newClient(h, conn)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	c.send(Message{Type: "snapshot", Payload: h.snapshot()})
	c.run()
}

// snapshot collects the full state pushed on connect.
func (h *Hub) snapshot() map[string]interface{} {
	var latest, _ = h.Sampler.Latest()
	return map[string]interface{}{
		"metrics":         latest,
		"metrics_history": h.Sampler.History(),
		"request_stats":   h.Requests.Routes(),
		"errors":          h.Errors.Recent(),
		"healing_status":  h.Healer.Status(),
		"breaker_states":  h.Breakers.Snapshot(),
		"pool":            h.Pool.Stats(),
	}
}

// handleRequest serves one client request message.
func (h *Hub) handleRequest(c *client, msg Message) {
	switch msg.Type {
	case "ping":
		c.send(Message{Type: "pong", Payload: map[string]interface{}{"server_time": time.Now().UTC()}})
	case "get_metrics":
		var latest, _ = h.Sampler.Latest()
		c.send(Message{Type: "metrics", Payload: map[string]interface{}{
			"latest":    latest,
			"aggregate": h.Sampler.Aggregate(aggregateWindow),
		}})
	case "get_metrics_history":
		c.send(Message{Type: "metrics_history", Payload: h.Sampler.History()})
	case "get_requests":
		c.send(Message{Type: "requests", Payload: map[string]interface{}{
			"recent": h.Requests.Recent(),
			"routes": h.Requests.Routes(),
		}})
	case "get_errors":
		c.send(Message{Type: "errors", Payload: h.Errors.Recent()})
	case "get_health":
		c.send(Message{Type: "health", Payload: map[string]interface{}{
			"breakers": h.Breakers.Snapshot(),
			"pool":     h.Pool.Stats(),
		}})
	case "get_healing_status":
		c.send(Message{Type: "healing_status", Payload: h.Healer.Status()})
	default:
		c.send(Message{Type: "error", Payload: "unknown request type: " + msg.Type})
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var clients = make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
