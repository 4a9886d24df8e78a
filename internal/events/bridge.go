package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/corelock/jobrunner/internal/common"
	"github.com/corelock/jobrunner/internal/models"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge relays the typed event stream to WebSocket dashboard clients.
// It is a push-only observability feed, not a query/update API — it
// never accepts commands from clients. A slow or blocked client is
// dropped rather than allowed to block the core's event emission.
type Bridge struct {
	clients    map[*wsClient]bool
	broadcast  chan models.Event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *common.Logger
}

type wsClient struct {
	bridge *Bridge
	conn   *websocket.Conn
	send   chan []byte
}

// wireEvent is the JSON shape sent to dashboard clients; Err is
// flattened to a string since error isn't itself serializable.
type wireEvent struct {
	Type     models.EventType `json:"type"`
	WorkerID string           `json:"workerId,omitempty"`
	JobID    string           `json:"jobId,omitempty"`
	Message  string           `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// NewBridge creates a WebSocket relay bridge.
func NewBridge(logger *common.Logger) *Bridge {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &Bridge{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan models.Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Listener returns an interfaces.Listener suitable for Bus.Subscribe.
func (b *Bridge) Listener() func(models.Event) {
	return b.Broadcast
}

// Run starts the bridge's main loop. Call as a goroutine.
func (b *Bridge) Run() {
	for {
		select {
		case <-b.done:
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.send)
			}
			b.mu.Unlock()

		case ev := <-b.broadcast:
			wire := wireEvent{Type: ev.Type, WorkerID: ev.WorkerID, Message: ev.Message}
			if ev.Job != nil {
				wire.JobID = ev.Job.ID
			}
			if ev.Err != nil {
				wire.Error = ev.Err.Error()
			}
			data, err := json.Marshal(wire)
			if err != nil {
				b.logger.Warn().Err(err).Msg("failed to marshal scheduler event")
				continue
			}

			b.mu.RLock()
			var slow []*wsClient
			for client := range b.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			b.mu.RUnlock()

			if len(slow) > 0 {
				b.mu.Lock()
				for _, c := range slow {
					delete(b.clients, c)
					close(c.send)
				}
				b.mu.Unlock()
			}
		}
	}
}

// Stop signals the bridge's main loop to exit.
func (b *Bridge) Stop() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// Broadcast enqueues an event for delivery to connected clients. Never
// blocks: a full broadcast buffer drops the event.
func (b *Bridge) Broadcast(ev models.Event) {
	select {
	case b.broadcast <- ev:
	default:
		b.logger.Warn().Msg("scheduler event bridge buffer full, dropping event")
	}
}

// ServeWS upgrades an HTTP connection and registers the client.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{bridge: b, conn: conn, send: make(chan []byte, 256)}
	b.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.bridge.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
