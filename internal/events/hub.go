// Package events streams operational sync events to WebSocket clients.
package events

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/nodesync/internal/logging"
	"github.com/kimhsiao/nodesync/internal/uuid"
)

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStarted          = "sync.started"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventPeerDiscovered       = "peer.discovered"
	EventPeerIncompatible     = "peer.incompatible"
	EventDeadLettered         = "event.dead_lettered"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts non-browser clients and browsers on localhost.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one WebSocket connection.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. A client without
// subscriptions receives everything.
func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

type message struct {
	eventType string
	payload   []byte
}

// Hub maintains active client connections and broadcasts messages.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	now        func() time.Time
}

// NewHub creates a hub and starts its loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": c.id, "total": total})

		case m := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(m.eventType) {
					continue
				}
				select {
				case c.send <- m.payload:
				default:
					// slow consumer
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients. It never blocks:
// when the hub is saturated the message is dropped.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: h.now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	default:
		logging.Warn("WebSocket broadcast dropped", map[string]interface{}{"type": eventType})
	}
}

// =====================================================
// Sync Event Broadcasters
// =====================================================

// BroadcastSyncStarted notifies clients that a push cycle to peer started.
func (h *Hub) BroadcastSyncStarted(peerID string, pending int) {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"peer":    peerID,
		"pending": pending,
	})
}

// BroadcastSyncCompleted notifies clients that a push cycle finished.
func (h *Hub) BroadcastSyncCompleted(peerID string, sent, processed int, duration time.Duration) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"peer":      peerID,
		"sent":      sent,
		"processed": processed,
		"duration":  duration.Milliseconds(),
	})
}

// BroadcastSyncFailed notifies clients that a push cycle failed.
func (h *Hub) BroadcastSyncFailed(peerID, errorCode string, retryAfter time.Duration) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"peer":        peerID,
		"error_code":  errorCode,
		"retry_after": int(retryAfter.Seconds()),
	})
}

// BroadcastConflictDetected notifies clients of a resolved conflict.
func (h *Hub) BroadcastConflictDetected(table, recordID, conflictType, winner string, losers []string) {
	h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
		"table":         table,
		"record_id":     recordID,
		"conflict_type": conflictType,
		"winner":        winner,
		"losers":        losers,
		"resolution":    "PRIORITY_THEN_TIMESTAMP",
	})
}

// BroadcastPeerDiscovered notifies clients of a new peer.
func (h *Hub) BroadcastPeerDiscovered(nodeID, address string) {
	h.Broadcast(EventPeerDiscovered, map[string]interface{}{
		"node_id": nodeID,
		"address": address,
	})
}

// BroadcastPeerIncompatible notifies clients that a peer was excluded.
func (h *Hub) BroadcastPeerIncompatible(nodeID, status, reason string) {
	h.Broadcast(EventPeerIncompatible, map[string]interface{}{
		"node_id": nodeID,
		"status":  status,
		"reason":  reason,
	})
}

// BroadcastDeadLettered notifies clients that an event was parked.
func (h *Hub) BroadcastDeadLettered(eventID, sourceNodeID, reason string, retries int) {
	h.Broadcast(EventDeadLettered, map[string]interface{}{
		"event_id":    eventID,
		"source_node": sourceNodeID,
		"error":       reason,
		"retry_count": retries,
	})
}

// =====================================================
// Connection Pumps
// =====================================================

// readPump pumps messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control response. The send channel may already be closed
// by the hub, so the send is guarded.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// Handler upgrades the request and registers the connection.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           h,
			subscriptions: make(map[string]bool),
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
