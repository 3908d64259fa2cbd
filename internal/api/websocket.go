package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fiscalprint/internal/domain"
	"fiscalprint/internal/events"
	"fiscalprint/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
)

// Message is one realtime frame pushed to UI clients.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan Message
}

// Hub pushes print request changes and notifications to connected WebSocket
// clients. Slow clients that fill their buffer are dropped.
type Hub struct {
	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader
	hello    func() any
	logger   *zerolog.Logger
}

// NewHub builds a hub. hello, when set, produces the payload of the first
// frame every client receives.
func NewHub(hello func() any, logger *zerolog.Logger) *Hub {
	l := logger.With().Str("component", "ws_hub").Logger()
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The hub only listens on the local agent port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hello:  hello,
		logger: &l,
	}
}

// Attach forwards print request changes from feed and the other realtime
// events from bus to clients. It returns a function that stops forwarding.
func (h *Hub) Attach(bus *events.EventBus, feed domain.ChangeFeed) func() {
	var unsubs []func()
	if feed != nil {
		unsubs = append(unsubs, feed.Subscribe(func(change models.PrintRequestChange) {
			payload, err := json.Marshal(change)
			if err != nil {
				h.logger.Warn().Err(err).Msg("Failed to encode print request change")
				return
			}
			h.Broadcast(Message{Type: events.EventPrintRequestChanged, Payload: payload})
		}))
	}
	if bus != nil {
		for _, t := range []string{events.EventNotification, events.EventAutoPrintToggled, events.EventPrinterConfigSaved} {
			unsubs = append(unsubs, bus.Subscribe(t, func(e *events.Event) error {
				h.Broadcast(Message{Type: e.Type, Payload: e.Payload})
				return nil
			}))
		}
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("Dropping slow websocket client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{conn: conn, send: make(chan Message, wsSendBuffer)}
	if h.hello != nil {
		if payload, err := json.Marshal(h.hello()); err == nil {
			c.send <- Message{Type: "hello", Payload: payload}
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump only watches for disconnects and pongs; clients never send commands here.
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
