package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"
	"transport-backend/pkg/events"
	"transport-backend/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const broadcastBuffer = 1000

var (
	ErrHubStopped        = errors.New("websocket hub stopped")
	ErrBroadcastFull     = errors.New("broadcast channel full")
	ErrAllSessionsDenied = errors.New("only admins may subscribe to all sessions")
)

type resubscribe struct {
	client *Client
	sub    Subscription
}

// Manager implements the WebSocketManager interface. A single hub goroutine
// owns client registration and fan-out; each client has its own writer.
type Manager struct {
	cfg    config.WebSocketConfig
	log    logrus.FieldLogger
	source SnapshotSource

	clients     map[string]*Client
	register    chan *Client
	unregister  chan *Client
	resubscribe chan resubscribe
	broadcast   chan events.Event
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader

	metrics *metrics.Metrics
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewManager creates a new WebSocket manager. source may be nil, in which
// case new clients only receive updates published after they connect.
func NewManager(cfg config.WebSocketConfig, source SnapshotSource, log logrus.FieldLogger) *Manager {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}

	return &Manager{
		cfg:         cfg,
		log:         log.WithField("component", "websocket"),
		source:      source,
		clients:     make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		resubscribe: make(chan resubscribe),
		broadcast:   make(chan events.Event, broadcastBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// SetAllowedOrigins restricts the Origin header accepted on upgrade. An
// empty list or "*" accepts any origin.
func (m *Manager) SetAllowedOrigins(origins []string) {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	if len(allowed) == 0 || allowed["*"] {
		m.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
		return
	}
	m.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// Start begins the WebSocket manager's main loop. The loop ends when ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		go m.run(ctx)
		m.log.Info("WebSocket manager started")
	})
	return nil
}

// Stop gracefully shuts down the WebSocket manager
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.done) })
	// never started: nothing to wait for
	m.startOnce.Do(func() { close(m.stopped) })
	select {
	case <-m.stopped:
	case <-time.After(5 * time.Second):
		return errors.New("websocket hub did not stop in time")
	}
	return nil
}

// run is the main event loop for the WebSocket manager
func (m *Manager) run(ctx context.Context) {
	defer close(m.stopped)

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client.ID] = client
			count := len(m.clients)
			m.mutex.Unlock()
			m.metrics.SetSubscribers(count)
			m.log.WithFields(logrus.Fields{
				"client_id": client.ID,
				"user_id":   client.Caller.UserID,
				"sessions":  len(client.subscription.SessionIDs),
			}).Info("client registered")
			m.prime(ctx, client)
			go m.handleClient(client)

		case client := <-m.unregister:
			m.remove(client, "unregistered")

		case change := <-m.resubscribe:
			if _, ok := m.clients[change.client.ID]; !ok {
				continue
			}
			m.mutex.Lock()
			change.client.subscription = change.sub
			m.mutex.Unlock()
			m.prime(ctx, change.client)

		case event := <-m.broadcast:
			m.broadcastToClients(event)

		case <-ticker.C:
			m.healthCheck()

		case <-ctx.Done():
			m.closeAll()
			m.log.Info("WebSocket manager stopped")
			return

		case <-m.done:
			m.closeAll()
			m.log.Info("WebSocket manager stopped")
			return
		}
	}
}

// RegisterClient registers a new WebSocket client and returns its ID.
func (m *Manager) RegisterClient(conn *websocket.Conn, caller models.Caller, sub Subscription) (string, error) {
	if sub.All() && caller.Role != models.RoleAdmin {
		return "", ErrAllSessionsDenied
	}

	client := &Client{
		ID:           uuid.NewString(),
		Conn:         conn,
		Caller:       caller,
		subscription: sub,
		send:         make(chan Message, m.cfg.SendBuffer),
		lastSeq:      make(map[string]uint64),
	}
	client.touch(m.now())

	select {
	case m.register <- client:
		return client.ID, nil
	case <-m.done:
		return "", ErrHubStopped
	case <-m.stopped:
		return "", ErrHubStopped
	}
}

// UnregisterClient removes a WebSocket client
func (m *Manager) UnregisterClient(clientID string) error {
	m.mutex.RLock()
	client, exists := m.clients[clientID]
	m.mutex.RUnlock()

	if !exists {
		return nil
	}
	select {
	case m.unregister <- client:
	case <-m.stopped:
	}
	return nil
}

// Publish queues an event for delivery without blocking the caller. When
// the hub is saturated the event is dropped.
func (m *Manager) Publish(ctx context.Context, event events.Event) error {
	select {
	case <-m.stopped:
		return ErrHubStopped
	default:
	}
	select {
	case m.broadcast <- event:
		return nil
	default:
		m.metrics.IncDroppedDelivery()
		return ErrBroadcastFull
	}
}

// GetConnectedClients returns the number of connected clients
func (m *Manager) GetConnectedClients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

// GetClientStats returns detailed client statistics
func (m *Manager) GetClientStats() ClientStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := ClientStats{TotalClients: len(m.clients)}
	for _, client := range m.clients {
		if client.lagging.Load() {
			stats.LaggingClients++
		} else {
			stats.ActiveClients++
		}
		if client.subscription.All() {
			stats.AllSessions++
		}
		stats.DroppedMessages += client.dropped.Load()
	}
	return stats
}

// GetUpgrader returns the WebSocket upgrader for external use
func (m *Manager) GetUpgrader() *websocket.Upgrader {
	return &m.upgrader
}

// prime queues the current snapshot of each subscribed session so a new
// subscriber does not wait for the next report.
func (m *Manager) prime(ctx context.Context, client *Client) {
	if m.source == nil {
		return
	}
	ids := client.subscription.SessionIDs
	if client.subscription.All() {
		ids = m.source.ActiveSessions()
	}
	for _, id := range ids {
		snap, err := m.source.GetSnapshot(ctx, id)
		if err != nil {
			continue
		}
		m.deliver(client, messageFor(events.ForSnapshot(snap)))
	}
}

// broadcastToClients sends an event to every client subscribed to its session
func (m *Manager) broadcastToClients(event events.Event) {
	msg := messageFor(event)

	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, client := range m.clients {
		if client.subscription.Matches(msg.SessionID) {
			m.deliver(client, msg)
		}
	}
}

// deliver enqueues msg for client. Snapshots not newer than the last one
// queued for that session are skipped. A full queue loses its oldest
// message. Only the hub goroutine calls deliver.
func (m *Manager) deliver(client *Client, msg Message) {
	if msg.Type == MessageTypeSnapshot {
		if msg.Seq <= client.lastSeq[msg.SessionID] {
			return
		}
		client.lastSeq[msg.SessionID] = msg.Seq
	}

	select {
	case client.send <- msg:
		return
	default:
	}

	select {
	case <-client.send:
		m.dropped(client)
	default:
	}
	select {
	case client.send <- msg:
	default:
		m.dropped(client)
	}
}

func (m *Manager) dropped(client *Client) {
	client.dropped.Add(1)
	if !client.lagging.Swap(true) {
		m.log.WithField("client_id", client.ID).Warn("client send queue full, dropping oldest messages")
	}
	m.metrics.IncDroppedDelivery()
}

// remove must only be called from the hub goroutine.
func (m *Manager) remove(client *Client, reason string) {
	m.mutex.Lock()
	if _, ok := m.clients[client.ID]; !ok {
		m.mutex.Unlock()
		return
	}
	delete(m.clients, client.ID)
	count := len(m.clients)
	m.mutex.Unlock()

	close(client.send)
	m.metrics.SetSubscribers(count)
	m.log.WithFields(logrus.Fields{"client_id": client.ID, "reason": reason}).Info("client unregistered")
}

func (m *Manager) closeAll() {
	m.mutex.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mutex.Unlock()

	for _, client := range clients {
		m.remove(client, "shutdown")
	}
}

// handleClient reads from the connection until it fails, applying
// subscription changes and answering application-level pings.
func (m *Manager) handleClient(client *Client) {
	defer func() {
		select {
		case m.unregister <- client:
		case <-m.stopped:
		}
	}()

	client.Conn.SetReadDeadline(m.now().Add(m.cfg.PongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.touch(m.now())
		return client.Conn.SetReadDeadline(m.now().Add(m.cfg.PongWait))
	})

	go m.writeMessages(client)

	for {
		var incoming struct {
			Type       string   `json:"type"`
			SessionIDs []string `json:"sessionIds"`
		}
		if err := client.Conn.ReadJSON(&incoming); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.WithError(err).WithField("client_id", client.ID).Debug("websocket read failed")
			}
			return
		}
		client.touch(m.now())

		switch incoming.Type {
		case MessageTypeSubscribe:
			sub := Subscription{SessionIDs: incoming.SessionIDs}
			if sub.All() && client.Caller.Role != models.RoleAdmin {
				m.reply(client, Message{Type: MessageTypeError, Error: ErrAllSessionsDenied.Error()})
				continue
			}
			select {
			case m.resubscribe <- resubscribe{client: client, sub: sub}:
			case <-m.stopped:
				return
			}
		case MessageTypePing:
			m.reply(client, Message{Type: MessageTypePong})
		}
	}
}

// reply queues a control message so the writer stays the only goroutine
// writing to the connection. Holding the read lock keeps remove from
// closing the queue underneath us.
func (m *Manager) reply(client *Client, msg Message) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

// writeMessages handles outgoing messages to a client
func (m *Manager) writeMessages(client *Client) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.Conn.SetWriteDeadline(m.now().Add(m.cfg.WriteWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(msg); err != nil {
				m.log.WithError(err).WithField("client_id", client.ID).Debug("websocket write failed")
				return
			}
			if len(client.send) == 0 {
				client.lagging.Store(false)
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(m.now().Add(m.cfg.WriteWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.log.WithError(err).WithField("client_id", client.ID).Debug("websocket ping failed")
				return
			}
		}
	}
}

// healthCheck removes clients that stopped answering pings
func (m *Manager) healthCheck() {
	cutoff := m.now().Add(-m.cfg.PongWait * 3 / 2)

	m.mutex.RLock()
	var stale []*Client
	for _, client := range m.clients {
		if client.LastPing().Before(cutoff) {
			stale = append(stale, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range stale {
		m.log.WithField("client_id", client.ID).Info("client timed out")
		m.remove(client, "timeout")
	}
}
