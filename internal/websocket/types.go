package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"transport-backend/internal/models"
	"transport-backend/pkg/events"

	"github.com/gorilla/websocket"
)

// Subscription selects the tracking sessions a client receives. An empty
// list means every session.
type Subscription struct {
	SessionIDs []string `json:"sessionIds,omitempty"`
}

func (s Subscription) All() bool {
	return len(s.SessionIDs) == 0
}

func (s Subscription) Matches(sessionID string) bool {
	if s.All() {
		return true
	}
	for _, id := range s.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Message is the envelope written to subscribers.
type Message struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Snapshot  *models.Snapshot `json:"snapshot,omitempty"`
	Event     *events.Event    `json:"event,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	Conn   *websocket.Conn
	Caller models.Caller

	subscription Subscription
	send         chan Message
	// lastSeq is the newest snapshot queued per session; owned by the hub loop
	lastSeq  map[string]uint64
	lastPing atomic.Int64
	lagging  atomic.Bool
	dropped  atomic.Int64
}

func (c *Client) touch(at time.Time) {
	c.lastPing.Store(at.UnixNano())
}

func (c *Client) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// SnapshotSource provides the current state used to prime new subscribers.
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)
	ActiveSessions() []string
}

// WebSocketManager interface defines the contract for WebSocket management
type WebSocketManager interface {
	events.Publisher
	RegisterClient(conn *websocket.Conn, caller models.Caller, sub Subscription) (string, error)
	UnregisterClient(clientID string) error
	GetConnectedClients() int
	Start(ctx context.Context) error
	Stop() error
	GetClientStats() ClientStats
}

// ClientStats provides statistics about connected clients
type ClientStats struct {
	TotalClients    int   `json:"totalClients"`
	ActiveClients   int   `json:"activeClients"`
	LaggingClients  int   `json:"laggingClients"`
	AllSessions     int   `json:"allSessionSubscribers"`
	DroppedMessages int64 `json:"droppedMessages"`
}

// Message types for WebSocket communication
const (
	MessageTypeSnapshot  = "snapshot"
	MessageTypeEvent     = "event"
	MessageTypeSubscribe = "subscribe"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

func messageFor(e events.Event) Message {
	if e.Type == events.SnapshotUpdated && e.Snapshot != nil {
		return Message{
			Type:      MessageTypeSnapshot,
			SessionID: e.Snapshot.SessionID,
			Seq:       e.Snapshot.Seq,
			Snapshot:  e.Snapshot,
		}
	}
	ev := e
	return Message{Type: MessageTypeEvent, SessionID: e.SessionID, Event: &ev}
}
