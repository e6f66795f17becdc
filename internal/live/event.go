// Package live delivers domain events to connected clients over server-sent
// events, with a Redis bridge for cross-process fan-out and a client that
// reconnects and reconciles by polling.
package live

type EventType string

const (
	EventNewCard       EventType = "new_card"
	EventNewReply      EventType = "new_reply"
	EventStatusChanged EventType = "status_changed"
	EventUnreadChanged EventType = "unread_changed"
)

// Event is the fan-out payload. It carries ids and scope only: clients
// treat events as reconciliation hints and re-fetch authoritative state, so
// fan-out cost stays independent of card size.
type Event struct {
	Type     EventType `json:"type"`
	CardID   string    `json:"cardId,omitempty"`
	ThreadID string    `json:"threadId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Scopes   []string  `json:"scopes"`
}
