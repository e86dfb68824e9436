package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transport-backend/internal/api/handlers"
	"transport-backend/internal/api/routes"
	"transport-backend/internal/config"
	"transport-backend/internal/models"
	"transport-backend/internal/repository"
	"transport-backend/internal/services"
	"transport-backend/internal/websocket"
	"transport-backend/pkg/batch"
	"transport-backend/pkg/cache"
	"transport-backend/pkg/events"
	"transport-backend/pkg/jwt"
	"transport-backend/pkg/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = models.Caller{UserID: "admin-1", Role: models.RoleAdmin}
	employee = models.Caller{UserID: "emp-1", Role: models.RoleEmployee}
)

type staticProvider struct {
	client *goredis.Client
}

func (p staticProvider) GetClient() *goredis.Client { return p.client }

type stack struct {
	server  *httptest.Server
	store   *repository.MemoryStore
	mirror  *cache.RedisCacheManager
	writer  *batch.SnapshotProcessor
	jwt     *jwt.JWTUtil
	request *models.Request
	vehicle *models.Vehicle
	driver  *models.Driver
}

// newStack wires the server the way cmd/server does, with the in-memory
// store and miniredis standing in for Mongo and Redis.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := repository.NewMemoryStore()
	mirror := cache.NewRedisCacheManager(staticProvider{rdb}, cache.DefaultCacheConfig(), log)
	m := metrics.New(prometheus.NewRegistry())

	tracker := services.NewTrackingService(config.TrackingConfig{
		AssumedSpeedKmh:     30,
		MovementThresholdKm: 0.01,
		PathHistoryLimit:    50,
		MinReportedSpeedKmh: 5,
		ClosedRetention:     10 * time.Minute,
	}, log)
	tracker.SetMetrics(m)
	tracker.SetMirror(mirror)

	hub := websocket.NewManager(config.WebSocketConfig{SendBuffer: 32}, tracker, log)
	hub.SetMetrics(m)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Stop() })

	bus := events.NewBus(hub)
	tracker.SetPublisher(bus)

	batchCfg := batch.DefaultBatchConfig()
	batchCfg.BatchInterval = 50 * time.Millisecond
	writer := batch.NewBatchProcessor(batchCfg, store, mirror, log)
	require.NoError(t, writer.Start())
	t.Cleanup(func() { _ = writer.Stop() })
	tracker.SetSink(writer)

	matcherCfg := config.MatcherConfig{SuggestionLimit: 3, ExpiryWarningDays: 30}
	assignments := services.NewAssignmentService(store, services.NewSafetyValidator(matcherCfg), matcherCfg, log)
	assignments.SetPublisher(bus)
	assignments.SetTracker(tracker)
	assignments.SetCacheManager(mirror)
	assignments.SetMetrics(m)

	jwtUtil := jwt.NewJWTUtil(config.JWTConfig{Secret: "integration-secret", Expiry: time.Hour})
	router := gin.New()
	routes.SetupRoutes(router, routes.Dependencies{
		Assignments:  assignments,
		Availability: services.NewAvailabilityService(store),
		Tracking:     tracker,
		Hub:          hub,
		Health:       handlers.NewHealthHandler(nil, nil, writer),
		JWT:          jwtUtil,
		Log:          log,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	departure := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Minute)
	return &stack{
		server: server,
		store:  store,
		mirror: mirror,
		writer: writer,
		jwt:    jwtUtil,
		request: store.AddRequest(&models.Request{
			RequesterID:    employee.UserID,
			PassengerCount: 2,
			RequestedAt:    departure,
			Priority:       models.PriorityHigh,
			Origin:         models.Place{Address: "Westlands", Coordinates: &models.Coordinates{Lat: -1.2676, Lng: 36.8108}},
			Destination:    models.Place{Address: "Karen", Coordinates: &models.Coordinates{Lat: -1.3197, Lng: 36.7076}},
		}),
		vehicle: store.AddVehicle(&models.Vehicle{
			PlateNumber:     "KCB 421X",
			Class:           models.VehicleClassVan,
			Capacity:        7,
			IsActive:        true,
			InsuranceExpiry: departure.AddDate(1, 0, 0),
			FitnessExpiry:   departure.AddDate(1, 0, 0),
		}),
		driver: store.AddDriver(&models.Driver{
			Name:            "Wanjiku",
			LicenseExpiry:   departure.AddDate(3, 0, 0),
			ExperienceYears: 8,
			Rating:          4.8,
			IsActive:        true,
			IsAvailable:     true,
		}),
	}
}

func (s *stack) token(t *testing.T, caller models.Caller) string {
	t.Helper()
	token, err := s.jwt.GenerateToken(caller)
	require.NoError(t, err)
	return token
}

func (s *stack) post(t *testing.T, caller models.Caller, path string, payload any) (int, json.RawMessage) {
	t.Helper()
	status, data, err := s.send(s.token(t, caller), path, payload)
	require.NoError(t, err)
	return status, data
}

// send is safe to call off the test goroutine.
func (s *stack) send(token, path string, payload any) (int, json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, s.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp.StatusCode, envelope.Data, nil
}

func (s *stack) subscribe(t *testing.T, caller models.Caller, sessionID string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") +
		"/api/v1/tracking/ws?session_ids=" + sessionID + "&token=" + s.token(t, caller)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorillaws.Conn) websocket.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until match accepts one. Lifecycle events
// published before the subscription may still be in flight.
func readUntil(t *testing.T, conn *gorillaws.Conn, match func(websocket.Message) bool) websocket.Message {
	t.Helper()
	for {
		if msg := readMessage(t, conn); match(msg) {
			return msg
		}
	}
}

func isSnapshot(msg websocket.Message) bool {
	return msg.Type == websocket.MessageTypeSnapshot
}

// TestTrackingDelivery follows one trip from assignment to completion and
// checks that a subscriber sees every snapshot once and in order, and that
// the final snapshot is persisted and mirrored.
func TestTrackingDelivery(t *testing.T) {
	s := newStack(t)
	driverCaller := models.Caller{UserID: "drv-user-1", Role: models.RoleDriver, DriverID: s.driver.ID.Hex()}

	status, data := s.post(t, admin, "/api/v1/requests/"+s.request.ID.Hex()+"/assignments", map[string]any{
		"vehicleId": s.vehicle.ID.Hex(),
		"driverId":  s.driver.ID.Hex(),
		"departure": s.request.RequestedAt,
		"arrival":   s.request.RequestedAt.Add(90 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, status, string(data))
	var assignment models.Assignment
	require.NoError(t, json.Unmarshal(data, &assignment))
	session := assignment.SessionID()

	status, _ = s.post(t, driverCaller, "/api/v1/assignments/"+assignment.ID.Hex()+"/transitions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, status)

	conn := s.subscribe(t, employee, session)
	primed := readUntil(t, conn, isSnapshot)
	assert.Equal(t, uint64(1), primed.Seq)
	assert.Equal(t, models.SessionActive, primed.Snapshot.Status)

	route := []models.Coordinates{
		{Lat: -1.2676, Lng: 36.8108},
		{Lat: -1.2800, Lng: 36.7900},
		{Lat: -1.2950, Lng: 36.7600},
	}
	start := time.Now().UTC()
	for i, p := range route {
		status, data = s.post(t, driverCaller, "/api/v1/tracking/"+session+"/locations", map[string]any{
			"lat":       p.Lat,
			"lng":       p.Lng,
			"timestamp": start.Add(time.Duration(i*4) * time.Second),
		})
		require.Equal(t, http.StatusOK, status, string(data))
	}

	var seqs []uint64
	var last *models.Snapshot
	for len(seqs) < len(route) {
		msg := readUntil(t, conn, isSnapshot)
		seqs = append(seqs, msg.Seq)
		last = msg.Snapshot
	}
	assert.Equal(t, []uint64{2, 3, 4}, seqs)
	require.NotNil(t, last)
	assert.True(t, last.IsMoving)
	require.NotNil(t, last.ProgressPct)
	assert.Greater(t, *last.ProgressPct, 0.0)
	assert.Len(t, last.PathHistory, 3)

	status, _ = s.post(t, driverCaller, "/api/v1/assignments/"+assignment.ID.Hex()+"/transitions", map[string]string{"action": "complete"})
	require.Equal(t, http.StatusOK, status)

	closed := readUntil(t, conn, isSnapshot)
	assert.Equal(t, uint64(5), closed.Seq)
	assert.Equal(t, models.SessionClosed, closed.Snapshot.Status)
	assert.Len(t, closed.Snapshot.PathHistory, 3)

	lifecycle := readUntil(t, conn, func(msg websocket.Message) bool {
		return msg.Type == websocket.MessageTypeEvent && msg.Event.Type != events.TripStarted
	})
	assert.Equal(t, events.TripCompleted, lifecycle.Event.Type)

	assert.Eventually(t, func() bool {
		persisted, err := s.store.FindSnapshot(context.Background(), session)
		return err == nil && persisted.Seq == 5
	}, 2*time.Second, 20*time.Millisecond, "final snapshot persisted")
	assert.Eventually(t, func() bool {
		mirrored, err := s.mirror.GetSnapshot(session)
		return err == nil && mirrored != nil && mirrored.Status == models.SessionClosed
	}, 2*time.Second, 20*time.Millisecond, "final snapshot mirrored")

	final, err := s.store.FindAssignment(context.Background(), assignment.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentCompleted, final.Status)
	assert.Len(t, final.PathHistory, 3, "path is frozen onto the assignment")
}

// TestConcurrentAssignNoDoubleBooking races two admins for the same pair on
// overlapping windows; exactly one wins.
func TestConcurrentAssignNoDoubleBooking(t *testing.T) {
	s := newStack(t)
	second := s.store.AddRequest(&models.Request{
		RequesterID:    "emp-2",
		PassengerCount: 2,
		RequestedAt:    s.request.RequestedAt,
		Priority:       models.PriorityMedium,
		Origin:         models.Place{Address: "Kilimani"},
		Destination:    models.Place{Address: "Upper Hill"},
	})

	payload := func(offset time.Duration) map[string]any {
		return map[string]any{
			"vehicleId": s.vehicle.ID.Hex(),
			"driverId":  s.driver.ID.Hex(),
			"departure": s.request.RequestedAt.Add(offset),
			"arrival":   s.request.RequestedAt.Add(offset + time.Hour),
		}
	}

	token := s.token(t, admin)
	results := make(chan int, 2)
	for i, req := range []*models.Request{s.request, second} {
		go func(id string, offset time.Duration) {
			status, _, err := s.send(token, "/api/v1/requests/"+id+"/assignments", payload(offset))
			if err != nil {
				status = 0
			}
			results <- status
		}(req.ID.Hex(), time.Duration(i)*30*time.Minute)
	}

	got := []int{<-results, <-results}
	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusConflict}, got)

	active, err := s.store.ListActiveAssignments(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
