package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"generation-reconciler/internal/domain/ports/repository"
	"generation-reconciler/internal/usecase"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	clientBuffer = 32
)

type jobUpdate struct {
	Type string                    `json:"type"`
	Job  *repository.JobStatusView `json:"job"`
}

type streamClient struct {
	owner string
	send  chan []byte
}

// StreamHub fans job updates out to websocket clients. Each client only
// receives updates for jobs of the owner it authenticated as. A client that
// cannot keep up is disconnected instead of blocking the job registry.
type StreamHub struct {
	mu       sync.RWMutex
	clients  map[*streamClient]struct{}
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

func NewStreamHub(logger *zerolog.Logger) *StreamHub {
	l := logger.With().Str("component", "stream").Logger()
	return &StreamHub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// tokens, not cookies, authenticate the stream
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: &l,
	}
}

// JobUpdated implements usecase.JobObserver.
func (h *StreamHub) JobUpdated(_ context.Context, ev usecase.JobEvent) {
	msg, err := json.Marshal(jobUpdate{Type: "job_update", Job: usecase.StatusView(ev.Job)})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal job update")
		return
	}
	h.mu.RLock()
	var slow []*streamClient
	for c := range h.clients {
		if c.owner != ev.Job.OwnerID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.Warn().Str("owner_id", c.owner).Msg("dropping slow stream client")
		h.remove(c)
	}
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *StreamHub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Str("owner_id", c.owner).Int("clients", n).Msg("stream client connected")
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades an authenticated request and streams until the client
// goes away.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFrom(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &streamClient{owner: owner, send: make(chan []byte, clientBuffer)}
	h.add(c)
	go h.writePump(conn, c)
	h.readPump(conn, c)
}

// readPump discards client messages; it exists to notice disconnects and
// answer pings.
func (h *StreamHub) readPump(conn *websocket.Conn, c *streamClient) {
	defer func() {
		h.remove(c)
		_ = conn.Close()
	}()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writePump(conn *websocket.Conn, c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
