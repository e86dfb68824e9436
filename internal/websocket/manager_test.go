package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/events"
	"transport-backend/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = models.Caller{UserID: "admin-1", Role: models.RoleAdmin}
	employee = models.Caller{UserID: "emp-1", Role: models.RoleEmployee}
)

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]*models.Snapshot
}

func newFakeSource(snaps ...*models.Snapshot) *fakeSource {
	f := &fakeSource{snaps: make(map[string]*models.Snapshot)}
	for _, s := range snaps {
		f.snaps[s.SessionID] = s
	}
	return f
}

func (f *fakeSource) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snaps[id]; ok {
		return s, nil
	}
	return nil, apperrors.New(apperrors.CodeNotFound, "tracking session not found")
}

func (f *fakeSource) ActiveSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.snaps))
	for id := range f.snaps {
		ids = append(ids, id)
	}
	return ids
}

func snapshot(session string, seq uint64) *models.Snapshot {
	return &models.Snapshot{SessionID: session, Seq: seq, Status: models.SessionActive, UpdatedAt: time.Now()}
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		SendBuffer:     4,
		PongWait:       5 * time.Second,
		PingInterval:   2 * time.Second,
		WriteWait:      time.Second,
		HealthInterval: time.Hour,
	}
}

func newTestManager(t *testing.T, source SnapshotSource) *Manager {
	t.Helper()
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), source, log)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })
	return m
}

// dial upgrades a test connection and registers it with the manager.
func dial(t *testing.T, m *Manager, caller models.Caller, sub Subscription) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.GetUpgrader().Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := m.RegisterClient(conn, caller, sub); err != nil {
			conn.Close()
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return m.GetConnectedClients() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestNewManager_Defaults(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(config.WebSocketConfig{}, nil, log)

	assert.NotNil(t, m.clients)
	assert.Equal(t, 16, m.cfg.SendBuffer)
	assert.Equal(t, 60*time.Second, m.cfg.PongWait)
	assert.Less(t, m.cfg.PingInterval, m.cfg.PongWait)
	assert.Equal(t, broadcastBuffer, cap(m.broadcast))
}

func TestManagerStartStop(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	assert.ErrorIs(t, m.Publish(context.Background(), events.ForSnapshot(snapshot("s1", 1))), ErrHubStopped)
	_, err := m.RegisterClient(nil, admin, Subscription{})
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestManagerStopWithoutStart(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)
	assert.NoError(t, m.Stop())
}

func TestRegisterClient_AllSessionsIsAdminOnly(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.RegisterClient(nil, employee, Subscription{})
	assert.ErrorIs(t, err, ErrAllSessionsDenied)
	assert.Equal(t, 0, m.GetConnectedClients())
}

func TestNewSubscriberIsPrimedWithCurrentSnapshot(t *testing.T) {
	m := newTestManager(t, newFakeSource(snapshot("s1", 7), snapshot("s2", 3)))

	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1", "missing"}})

	msg := read(t, conn)
	assert.Equal(t, MessageTypeSnapshot, msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, uint64(7), msg.Seq)
	require.NotNil(t, msg.Snapshot)
	assert.Equal(t, uint64(7), msg.Snapshot.Seq)
}

func TestPublish_DeliversMonotonicPerSession(t *testing.T) {
	m := newTestManager(t, newFakeSource(snapshot("s1", 2)))
	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})
	assert.Equal(t, uint64(2), read(t, conn).Seq)

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s1", 2))))
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s1", 1))))
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s2", 9))))
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s1", 3))))

	msg := read(t, conn)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, uint64(3), msg.Seq, "stale and foreign snapshots are skipped")
}

func TestPublish_LifecycleEventsFollowSession(t *testing.T) {
	m := newTestManager(t, nil)
	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, events.Event{Type: events.RequestRejected, RequestID: "r9"}))
	require.NoError(t, m.Publish(ctx, events.Event{Type: events.TripCompleted, SessionID: "s1", AssignmentID: "a1"}))

	msg := read(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.TripCompleted, msg.Event.Type)
	assert.Equal(t, "a1", msg.Event.AssignmentID)
}

func TestAdminReceivesEverySession(t *testing.T) {
	m := newTestManager(t, nil)
	conn := dial(t, m, admin, Subscription{})

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s1", 1))))
	require.NoError(t, m.Publish(ctx, events.ForSnapshot(snapshot("s2", 1))))

	assert.Equal(t, "s1", read(t, conn).SessionID)
	assert.Equal(t, "s2", read(t, conn).SessionID)
	assert.Equal(t, 1, m.GetClientStats().AllSessions)
}

func TestSubscribeMessageChangesSessions(t *testing.T) {
	m := newTestManager(t, newFakeSource(snapshot("s2", 5)))
	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MessageTypeSubscribe, "sessionIds": []string{"s2"}}))

	msg := read(t, conn)
	assert.Equal(t, "s2", msg.SessionID)
	assert.Equal(t, uint64(5), msg.Seq)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": MessageTypeSubscribe}))
	msg = read(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, ErrAllSessionsDenied.Error(), msg.Error)
}

func TestPingMessageGetsPong(t *testing.T) {
	m := newTestManager(t, nil)
	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MessageTypePing}))
	assert.Equal(t, MessageTypePong, read(t, conn).Type)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	m := newTestManager(t, nil)
	conn := dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return m.GetConnectedClients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnregisterClient(t *testing.T) {
	m := newTestManager(t, nil)
	dial(t, m, employee, Subscription{SessionIDs: []string{"s1"}})

	var id string
	m.mutex.RLock()
	for clientID := range m.clients {
		id = clientID
	}
	m.mutex.RUnlock()

	require.NoError(t, m.UnregisterClient(id))
	assert.Eventually(t, func() bool { return m.GetConnectedClients() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, m.UnregisterClient("unknown"))
}

func TestDeliver_FullQueueDropsOldest(t *testing.T) {
	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	m := NewManager(testConfig(), nil, log)
	m.SetMetrics(metrics.New(reg))

	client := &Client{ID: "slow", send: make(chan Message, 2), lastSeq: make(map[string]uint64)}
	for seq := uint64(1); seq <= 5; seq++ {
		m.deliver(client, messageFor(events.ForSnapshot(snapshot("s1", seq))))
	}

	require.Len(t, client.send, 2)
	assert.Equal(t, uint64(4), (<-client.send).Seq)
	assert.Equal(t, uint64(5), (<-client.send).Seq)
	assert.Equal(t, int64(3), client.dropped.Load())
	assert.True(t, client.lagging.Load())

	expected := `
# HELP transport_deliveries_dropped_total Snapshot deliveries dropped because a subscriber queue was full.
# TYPE transport_deliveries_dropped_total counter
transport_deliveries_dropped_total 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "transport_deliveries_dropped_total"))
}

func TestDeliver_SkipsStaleSnapshots(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)
	client := &Client{ID: "c", send: make(chan Message, 8), lastSeq: make(map[string]uint64)}

	for _, seq := range []uint64{3, 1, 3, 4, 2} {
		m.deliver(client, messageFor(events.ForSnapshot(snapshot("s1", seq))))
	}
	m.deliver(client, messageFor(events.ForSnapshot(snapshot("s2", 1))))

	var got []uint64
	for len(client.send) > 0 {
		got = append(got, (<-client.send).Seq)
	}
	assert.Equal(t, []uint64{3, 4, 1}, got)
}

func TestPublish_NeverBlocksWhenSaturated(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)
	// not started: nothing drains the broadcast channel
	for i := 0; i < broadcastBuffer; i++ {
		require.NoError(t, m.Publish(context.Background(), events.ForSnapshot(snapshot("s1", uint64(i+1)))))
	}

	done := make(chan error, 1)
	go func() { done <- m.Publish(context.Background(), events.ForSnapshot(snapshot("s1", 9999))) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrBroadcastFull)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full hub")
	}
}

func TestHealthCheck_RemovesSilentClients(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)
	now := time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	fresh := &Client{ID: "fresh", send: make(chan Message, 1), lastSeq: map[string]uint64{}}
	fresh.touch(now.Add(-time.Second))
	silent := &Client{ID: "silent", send: make(chan Message, 1), lastSeq: map[string]uint64{}}
	silent.touch(now.Add(-time.Minute))
	m.clients[fresh.ID] = fresh
	m.clients[silent.ID] = silent

	m.healthCheck()

	assert.Equal(t, 1, m.GetConnectedClients())
	_, open := <-silent.send
	assert.False(t, open, "removed client queue is closed")
}

func TestSetAllowedOrigins(t *testing.T) {
	log, _ := test.NewNullLogger()
	m := NewManager(testConfig(), nil, log)
	m.SetAllowedOrigins([]string{"https://portal.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, m.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://portal.example.com")
	assert.True(t, m.upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	m.SetAllowedOrigins([]string{"*"})
	assert.True(t, m.upgrader.CheckOrigin(req))
}
