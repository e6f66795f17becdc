package live

import (
	"sync"

	"github.com/rs/zerolog"
)

// connBuffer bounds the per-connection event queue. A connection that
// cannot drain its queue loses events; the client's reconciling poll
// repairs the gap.
const connBuffer = 16

// Conn is one client's live connection, process-local and never persisted.
type Conn struct {
	UserID string
	scopes map[string]struct{}
	events chan Event
}

// Events is the stream the transport drains. The hub closes it on
// Unregister.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Entitled reports whether any of the event's scopes match this connection.
func (c *Conn) Entitled(e Event) bool {
	for _, scope := range e.Scopes {
		if _, ok := c.scopes[scope]; ok {
			return true
		}
	}
	return false
}

// Hub fans domain events out to registered connections. Fan-out never
// blocks on a slow connection.
type Hub struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[*Conn]struct{}),
		logger: logger.With().Str("component", "live-hub").Logger(),
	}
}

func (h *Hub) Register(userID string, scopes map[string]struct{}) *Conn {
	conn := &Conn{
		UserID: userID,
		scopes: scopes,
		events: make(chan Event, connBuffer),
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	return conn
}

func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(conn.events)
	}
	h.mu.Unlock()
}

// Publish delivers the event to every entitled connection. A connection
// with a full queue is skipped, not waited on.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if !conn.Entitled(e) {
			continue
		}
		select {
		case conn.events <- e:
		default:
			h.logger.Warn().Str("user", conn.UserID).Str("event", string(e.Type)).Msg("dropping event for stalled connection")
		}
	}
}

// ConnectionCount reports the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
