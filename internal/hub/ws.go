package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/statalert/escalation-engine/internal/models"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends heartbeat ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotFrame is the first message on every connection: the active alerts
// in the subscriber's scope. Live events follow from exactly that point.
type snapshotFrame struct {
	Type   string         `json:"type"`
	Alerts []models.Alert `json:"alerts"`
}

// ServeHTTP upgrades the connection, sends the scope snapshot, then streams
// lifecycle events until the client disconnects or falls behind. Scope is
// taken from the facility and category query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	filter := Filter{
		Facility: r.URL.Query().Get("facility"),
		Category: r.URL.Query().Get("category"),
	}
	sub, snapshot := h.Subscribe(filter)
	defer h.Unsubscribe(sub.ID)

	slog.Info("subscriber connected", "subscriber_id", sub.ID, "facility", filter.Facility, "category", filter.Category)

	if snapshot == nil {
		snapshot = []models.Alert{}
	}
	data, err := json.Marshal(snapshotFrame{Type: "snapshot", Alerts: snapshot})
	if err != nil {
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return
	}

	c := &client{conn: conn, sub: sub}
	go c.writePump()
	c.readPump() // blocks until the connection closes

	slog.Info("subscriber disconnected", "subscriber_id", sub.ID, "last_delivered", sub.LastDelivered())
}

// client is one connected WebSocket subscriber.
type client struct {
	conn *websocket.Conn
	sub  *Subscription
}

// writePump forwards events from the subscription to the connection and sends
// periodic ping frames as heartbeats. Runs in its own goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Subscription was closed (hub shutdown or slow-subscriber
				// eviction).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			c.sub.note(ev.Seq)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames from the connection to process control messages (pong,
// close) and detect disconnects. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
