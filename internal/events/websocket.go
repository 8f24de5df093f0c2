package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexus-gateway/nexus/internal/logging"
)

// WebSocketBroadcaster adapts Bus events onto the dashboard's websocket
// feed, grounded on the teacher's ui/transports/websocket client send-loop
// shape (per-client buffered channel, writePump/readPump split).
type WebSocketBroadcaster struct {
	bus      *Bus
	log      logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// NewWebSocketBroadcaster builds a broadcaster over bus. CORS origin
// checking is deliberately permissive here — the dashboard is an external,
// out-of-scope consumer (per spec Non-goals); operators front this with
// their own reverse proxy if origin restriction is needed.
func NewWebSocketBroadcaster(bus *Bus, log logging.Logger) *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		bus: bus,
		log: log.WithComponent("events"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and starts forwarding bus events to it
// until the client disconnects.
func (w *WebSocketBroadcaster) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	client := &wsClient{conn: conn, send: make(chan Event, subscriberBuffer)}

	w.mu.Lock()
	w.clients[client] = struct{}{}
	w.mu.Unlock()

	ch, unsubscribe := w.bus.Subscribe()
	go w.pump(client, ch, unsubscribe)
	go w.readLoop(client)
}

// pump relays bus events onto the client's websocket connection and sends a
// periodic ping to detect dead connections.
func (w *WebSocketBroadcaster) pump(client *wsClient, ch <-chan Event, unsubscribe func()) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		unsubscribe()
		w.mu.Lock()
		delete(w.clients, client)
		w.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound messages (the feed is one-directional) but must
// still read to process control frames and notice client disconnects.
func (w *WebSocketBroadcaster) readLoop(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every attached client (used on graceful shutdown).
func (w *WebSocketBroadcaster) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for client := range w.clients {
		client.conn.Close()
	}
}
