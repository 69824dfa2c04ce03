package events

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Hub broadcasts committed events to websocket subscribers.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan Event
	stop       chan struct{}
	clients    atomic.Int64
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

type subscriber struct {
	id    string
	conn  *websocket.Conn
	send  chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// NewHub starts a hub. Call Close to stop it.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan Event, sendBuffer),
		stop:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

// Publish queues e for every subscriber. A full queue drops the event.
func (h *Hub) Publish(_ context.Context, e Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("Event stream buffer full, dropping event", zap.String("kind", string(e.Kind)))
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	close(h.stop)
}

// ServeHTTP upgrades the request and streams events as JSON frames. The
// optional "kinds" query parameter is a comma separated filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan Event, sendBuffer),
		kinds: parseKinds(r.URL.Query().Get("kinds")),
	}

	select {
	case h.register <- sub:
	case <-h.stop:
		conn.Close()
		return
	}

	go h.readPump(sub)
	go h.writePump(sub)
}

func parseKinds(raw string) map[Kind]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[Kind(k)] = true
		}
	}
	return kinds
}

func (h *Hub) run() {
	subs := make(map[*subscriber]bool)
	for {
		select {
		case sub := <-h.register:
			subs[sub] = true
			h.clients.Store(int64(len(subs)))
			h.logger.Debug("Event subscriber connected", zap.String("subscriber", sub.id))

		case sub := <-h.unregister:
			if subs[sub] {
				delete(subs, sub)
				close(sub.send)
				h.clients.Store(int64(len(subs)))
			}

		case e := <-h.broadcast:
			for sub := range subs {
				if !sub.wants(e.Kind) {
					continue
				}
				select {
				case sub.send <- e:
				default:
					delete(subs, sub)
					close(sub.send)
				}
			}
			h.clients.Store(int64(len(subs)))

		case <-h.stop:
			for sub := range subs {
				delete(subs, sub)
				close(sub.send)
			}
			h.clients.Store(0)
			return
		}
	}
}

// Subscribers only ever receive; reads exist to process pongs and closes.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.stop:
		}
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Event subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case e, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
