package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		// The hub binds to operator-facing ports only.
		return true
	},
}

// Message is the websocket frame shape.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsClient is one connected websocket consumer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains websocket clients for the debug stream. A client whose
// send buffer fills is dropped rather than applying backpressure.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	snapshot   func() interface{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHub creates a hub; snapshot (optional) supplies the initial-state
// message for new clients.
func NewHub(snapshot func() interface{}) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		snapshot:   snapshot,
		stopCh:     make(chan struct{}),
	}
}

// Run drives the hub loop; call in a goroutine.
func (h *Hub) Run() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("client", client.id).Msg("Stream client connected")
			h.sendSnapshot(client)

		case client := <-h.unregister:
			h.dropClient(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*wsClient, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; cut it loose.
					h.dropClient(client)
				}
			}

		case <-pingTicker.C:
			h.ping()

		case <-h.stopCh:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub loop down. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Broadcast queues an envelope for every client. Non-blocking: when the
// hub queue is full the frame is dropped.
func (h *Hub) Broadcast(env Envelope) {
	data, err := json.Marshal(Message{Type: env.Type, Data: env.Payload})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("Stream hub queue full, dropped frame")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendSnapshot(client *wsClient) {
	if h.snapshot == nil {
		return
	}
	data, err := json.Marshal(Message{Type: "snapshot", Data: h.snapshot()})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) dropClient(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		log.Debug().Str("client", client.id).Msg("Stream client disconnected")
	}
}

func (h *Hub) ping() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			go func(c *wsClient) {
				select {
				case h.unregister <- c:
				case <-h.stopCh:
				}
			}(client)
		}
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.NewString(),
	}
	select {
	case h.register <- client:
	case <-h.stopCh:
		conn.Close()
		return
	}
	go client.writeLoop()
	go client.readLoop()
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}

// readLoop discards inbound frames; it exists to notice disconnects.
func (c *wsClient) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
