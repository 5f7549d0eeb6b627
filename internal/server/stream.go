package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/imu_capture/internal/imu"
	"github.com/relabs-tech/imu_capture/internal/metrics"
	"github.com/relabs-tech/imu_capture/internal/recording"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	clientBuffer = 256
	writeWait    = 5 * time.Second
)

// Hub fans recorded rows out to websocket clients. A slow client loses
// rows rather than slowing down the sensor path.
type Hub struct {
	decimate uint64
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[chan []byte]struct{}
	seen    uint64
	closed  bool
}

// NewHub forwards every decimate-th row (values below 1 mean every row).
func NewHub(decimate int, logger *slog.Logger) *Hub {
	if decimate < 1 {
		decimate = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		decimate: uint64(decimate),
		logger:   logger.With("component", "stream"),
		clients:  map[chan []byte]struct{}{},
	}
}

// Publish is a capture.Tap.
func (h *Hub) Publish(row imu.Row) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	h.seen++
	if (h.seen-1)%h.decimate != 0 {
		return
	}
	msg, err := json.Marshal(recording.FromRow(&row))
	if err != nil {
		return
	}
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	ch := make(chan []byte, clientBuffer)
	h.clients[ch] = struct{}{}
	metrics.StreamClients.Set(float64(len(h.clients)))
	return ch, true
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; !ok {
		return
	}
	delete(h.clients, ch)
	close(ch)
	metrics.StreamClients.Set(float64(len(h.clients)))
}

// Close disconnects every client. Hijacked connections are not covered
// by http.Server.Shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
	metrics.StreamClients.Set(0)
}

// ServeHTTP upgrades the connection and streams rows until either side
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, ok := h.subscribe()
	if !ok {
		return
	}
	defer h.unsubscribe(ch)
	h.logger.Debug("stream client connected", "remote", r.RemoteAddr)

	// Reads only serve to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
