package web

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ImgDetClient/engine"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

type directMessage struct {
	client  *websocket.Conn
	message []byte
}

// Hub 管理 /ws/state 的连接，并把状态快照广播给所有客户端
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	direct     chan directMessage
	mutex      sync.RWMutex
	done       chan struct{}
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				_ = client.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("state client connected", zap.Int("total", n))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				_ = client.Close()
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("state client disconnected", zap.Int("total", n))

		case d := <-h.direct:
			h.mutex.Lock()
			if _, ok := h.clients[d.client]; ok {
				h.writeLocked(d.client, d.message)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				h.writeLocked(client, message)
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) Register(client *websocket.Conn) {
	select {
	case h.register <- client:
	case <-h.done:
		_ = client.Close()
	}
}

func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// writeLocked 只在 Run 的 goroutine 中调用，保证每个连接只有一个写者
func (h *Hub) writeLocked(client *websocket.Conn, message []byte) {
	_ = client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.log.Warn("state push failed", zap.Error(err))
		delete(h.clients, client)
		_ = client.Close()
	}
}

// Send writes message to one registered client.
func (h *Hub) Send(client *websocket.Conn, message []byte) {
	select {
	case h.direct <- directMessage{client: client, message: message}:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Feed forwards every state snapshot to the connected clients until ctx is
// done or the subscription closes.
func (h *Hub) Feed(ctx context.Context, states <-chan engine.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			msg, err := json.Marshal(s)
			if err != nil {
				h.log.Error("marshal state", zap.Error(err))
				continue
			}
			h.Broadcast(msg)
		}
	}
}
