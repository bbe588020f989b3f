package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/fieldlink/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return isLocalRequest(r) },
}

// Envelope is one frame on /api/events.
type Envelope struct {
	Source string `json:"source"` // transport, presence, chat, call, log
	Data   any    `json:"data"`
}

type wsClient struct {
	send chan []byte
}

// Hub fans every component event out to the connected WebSocket clients.
// A client that cannot keep up loses frames rather than stalling the others.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: map[*wsClient]struct{}{}}
}

func (h *Hub) Broadcast(source string, data any) {
	b, err := json.Marshal(Envelope{Source: source, Data: data})
	if err != nil {
		log.Warnf("event from %s not encodable: %v", source, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
		}
	}
}

func (h *Hub) register() *wsClient {
	c := &wsClient{send: make(chan []byte, 128)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serveWS upgrades the request and streams frames until the client goes
// away. hello is sent first so a client starts from a known state.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, hello Envelope) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	c := h.register()
	defer h.unregister(c)

	// Inbound frames are ignored; reading is only how a close is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case b := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func forward[T any](ctx context.Context, h *Hub, source string, ch <-chan T) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(source, v)
		}
	}
}

// pump subscribes the hub to every component in v until ctx is done.
func (h *Hub) pump(ctx context.Context, v Viewer) {
	if v.Link != nil {
		ch, cancel := v.Link.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case st, ok := <-ch:
					if !ok {
						return
					}
					h.Broadcast("transport", linkView(v.Link, st))
				}
			}
		}()
	}
	if v.Presence != nil {
		ch := v.Presence.Subscribe()
		go func() {
			defer v.Presence.Unsubscribe(ch)
			forward[presence.Event](ctx, h, "presence", ch)
		}()
	}
	if v.Chat != nil {
		ch := v.Chat.Subscribe()
		go func() {
			defer v.Chat.Unsubscribe(ch)
			forward(ctx, h, "chat", ch)
		}()
	}
	if v.Calls != nil {
		ch := v.Calls.Subscribe()
		go func() {
			defer v.Calls.Unsubscribe(ch)
			forward(ctx, h, "call", ch)
		}()
	}
	if v.Logs != nil {
		ch, cancel := v.Logs.Subscribe()
		go func() {
			defer cancel()
			forward[LogEntry](ctx, h, "log", ch)
		}()
	}
}
