package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"remoted/internal/session"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

// Broadcaster fans session events out to websocket clients on /events.
// It implements session.EventPublisher; Publish never blocks, and a client
// that falls behind loses events rather than stalling the session manager.
type Broadcaster struct {
	mu       sync.Mutex
	clients  map[*eventClient]struct{}
	closed   bool
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewBroadcaster returns a broadcaster with no clients.
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[*eventClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Publish queues ev for every connected client.
func (b *Broadcaster) Publish(ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Err(err).Str("event", ev.Name).Msg("encode event")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			eventsDropped.Inc()
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	c := &eventClient{conn: conn, send: make(chan []byte, eventBuffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	eventClients.Inc()
	b.log.Debug().Int("clients", n).Msg("event client connected")

	go b.writeLoop(c)
	go b.readLoop(c)
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		b.dropLocked(c)
	}
}

func (b *Broadcaster) remove(c *eventClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(c)
}

func (b *Broadcaster) dropLocked(c *eventClient) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
	eventClients.Dec()
}

// writeLoop owns the connection and closes it once send is closed.
func (b *Broadcaster) writeLoop(c *eventClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.remove(c)
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// readLoop discards client frames and detects disconnects.
func (b *Broadcaster) readLoop(c *eventClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			b.remove(c)
			b.log.Debug().Err(err).Msg("event client disconnected")
			return
		}
	}
}
