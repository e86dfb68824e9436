package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"transport-backend/internal/api/middleware"
	"transport-backend/internal/config"
	"transport-backend/internal/models"
	"transport-backend/internal/repository"
	"transport-backend/internal/services"
	"transport-backend/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = models.Caller{UserID: "admin-1", Email: "ops@example.com", Role: models.RoleAdmin}
	employee = models.Caller{UserID: "emp-1", Role: models.RoleEmployee}

	cbd  = &models.Coordinates{Lat: -1.2864, Lng: 36.8172}
	jkia = &models.Coordinates{Lat: -1.3192, Lng: 36.9278}
)

type apiFixture struct {
	router   *gin.Engine
	store    *repository.MemoryStore
	tracker  *services.TrackingService
	hub      *MockWebSocketManager
	jwt      *jwt.JWTUtil
	request  *models.Request
	vehicle  *models.Vehicle
	driver   *models.Driver
	driverAs models.Caller
	window   models.Window
}

// body is the decoded APIResponse envelope.
type body struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Details any    `json:"details"`
	} `json:"error"`
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := quietLogger()

	departure := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Minute)
	store := repository.NewMemoryStore()
	f := &apiFixture{
		store: store,
		jwt:   jwt.NewJWTUtil(config.JWTConfig{Secret: "handler-secret", Expiry: time.Hour}),
		hub:   &MockWebSocketManager{},
		request: store.AddRequest(&models.Request{
			RequesterID:    employee.UserID,
			PassengerCount: 3,
			RequestedAt:    departure,
			Priority:       models.PriorityMedium,
			Origin:         models.Place{Address: "CBD", Coordinates: cbd},
			Destination:    models.Place{Address: "JKIA", Coordinates: jkia},
		}),
		vehicle: store.AddVehicle(&models.Vehicle{
			PlateNumber:     "KDA 100B",
			Class:           models.VehicleClassCar,
			Capacity:        4,
			IsActive:        true,
			InsuranceExpiry: departure.AddDate(1, 0, 0),
			FitnessExpiry:   departure.AddDate(1, 0, 0),
		}),
		driver: store.AddDriver(&models.Driver{
			Name:            "Otieno",
			LicenseExpiry:   departure.AddDate(2, 0, 0),
			ExperienceYears: 6,
			Rating:          4.6,
			IsActive:        true,
			IsAvailable:     true,
		}),
		window: models.Window{Departure: departure, Arrival: departure.Add(2 * time.Hour)},
	}
	f.driverAs = models.Caller{UserID: "drv-user-1", Role: models.RoleDriver, DriverID: f.driver.ID.Hex()}

	matcherCfg := config.MatcherConfig{
		SuggestionLimit:    3,
		ExpiryWarningDays:  30,
		MinExperienceYears: config.ExperienceByClass{"bus": 3, "car": 1},
	}
	f.tracker = services.NewTrackingService(config.TrackingConfig{
		AssumedSpeedKmh:     30,
		MovementThresholdKm: 0.01,
		PathHistoryLimit:    50,
		MinReportedSpeedKmh: 5,
		ClosedRetention:     10 * time.Minute,
	}, log)
	assignments := services.NewAssignmentService(store, services.NewSafetyValidator(matcherCfg), matcherCfg, log)
	assignments.SetTracker(f.tracker)

	assignmentHandler := NewAssignmentHandler(assignments)
	availabilityHandler := NewAvailabilityHandler(services.NewAvailabilityService(store))
	trackingHandler := NewTrackingHandler(f.tracker, f.hub, 3*time.Second, log)

	router := gin.New()
	api := router.Group("/api/v1", middleware.AuthMiddleware(f.jwt, log))
	api.GET("/requests/:id/candidates", assignmentHandler.ProposeCandidates)
	api.POST("/requests/:id/assignments", assignmentHandler.Assign)
	api.POST("/requests/:id/reject", assignmentHandler.Reject)
	api.POST("/requests/:id/cancel", assignmentHandler.CancelRequest)
	api.GET("/assignments/active", assignmentHandler.ListActive)
	api.GET("/assignments/:id", assignmentHandler.GetAssignment)
	api.POST("/assignments/:id/transitions", assignmentHandler.Transition)
	api.GET("/resources/availability", availabilityHandler.GetAvailability)
	api.GET("/tracking/stats", trackingHandler.GetStats)
	api.POST("/tracking/:sessionId/locations", trackingHandler.IngestLocation)
	api.GET("/tracking/:sessionId/snapshot", trackingHandler.GetSnapshot)
	f.router = router
	return f
}

func (f *apiFixture) do(t *testing.T, caller models.Caller, method, path string, payload any) (*httptest.ResponseRecorder, body) {
	t.Helper()
	var reader *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	token, err := f.jwt.GenerateToken(caller)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var b body
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	}
	return w, b
}

func (f *apiFixture) assignPayload() map[string]any {
	return map[string]any{
		"vehicleId": f.vehicle.ID.Hex(),
		"driverId":  f.driver.ID.Hex(),
		"departure": f.window.Departure,
		"arrival":   f.window.Arrival,
	}
}

// assign books the fixture pair and returns the assignment ID.
func (f *apiFixture) assign(t *testing.T) string {
	t.Helper()
	w, b := f.do(t, admin, http.MethodPost, "/api/v1/requests/"+f.request.ID.Hex()+"/assignments", f.assignPayload())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a models.Assignment
	require.NoError(t, json.Unmarshal(b.Data, &a))
	return a.ID.Hex()
}

func (f *apiFixture) transition(t *testing.T, caller models.Caller, assignmentID, action string) *httptest.ResponseRecorder {
	t.Helper()
	w, _ := f.do(t, caller, http.MethodPost, "/api/v1/assignments/"+assignmentID+"/transitions", map[string]string{"action": action})
	return w
}

func TestProposeCandidates(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/v1/requests/" + f.request.ID.Hex() + "/candidates"

	w, b := f.do(t, admin, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var proposal services.Proposal
	require.NoError(t, json.Unmarshal(b.Data, &proposal))
	require.Len(t, proposal.Suggested.Vehicles, 1)
	require.Len(t, proposal.Suggested.Drivers, 1)
	assert.True(t, proposal.Suggested.Vehicles[0].Safety.IsSafe)
	assert.Nil(t, proposal.Window)

	query := "?departure=" + f.window.Departure.Format(time.RFC3339) + "&arrival=" + f.window.Arrival.Format(time.RFC3339)
	w, b = f.do(t, admin, http.MethodGet, path+query, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(b.Data, &proposal))
	require.NotNil(t, proposal.Window)
	assert.False(t, proposal.Suggested.Vehicles[0].Booked)
}

func TestProposeCandidates_BadQuery(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/v1/requests/" + f.request.ID.Hex() + "/candidates"

	for _, q := range []string{
		"?departure=tomorrow&arrival=2026-01-01T00:00:00Z",
		"?departure=2026-01-01T00:00:00Z",
		"?departure=2026-01-01T02:00:00Z&arrival=2026-01-01T01:00:00Z",
	} {
		w, b := f.do(t, admin, http.MethodGet, path+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
		require.NotNil(t, b.Error, q)
		assert.Equal(t, "VALIDATION_ERROR", b.Error.Code, q)
	}

	w, b := f.do(t, admin, http.MethodGet, "/api/v1/requests/000000000000000000000000/candidates", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", b.Error.Code)
}

func TestAssign(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/v1/requests/" + f.request.ID.Hex() + "/assignments"

	w, b := f.do(t, employee, http.MethodPost, path, f.assignPayload())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", b.Error.Code)

	id := f.assign(t)
	assert.Len(t, id, 24)

	w, b = f.do(t, admin, http.MethodPost, path, f.assignPayload())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", b.Error.Code)

	w, b = f.do(t, admin, http.MethodGet, "/api/v1/assignments/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []models.Assignment
	require.NoError(t, json.Unmarshal(b.Data, &active))
	require.Len(t, active, 1)
	assert.Equal(t, models.AssignmentAssigned, active[0].Status)
}

func TestAssign_ValidatesBody(t *testing.T) {
	f := newAPIFixture(t)
	path := "/api/v1/requests/" + f.request.ID.Hex() + "/assignments"

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing vehicle", func(p map[string]any) { delete(p, "vehicleId") }},
		{"bad driver id", func(p map[string]any) { p["driverId"] = "d1" }},
		{"arrival before departure", func(p map[string]any) { p["arrival"] = f.window.Departure.Add(-time.Hour) }},
		{"override without reason", func(p map[string]any) { p["safetyOverride"] = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := f.assignPayload()
			tt.mutate(payload)
			w, b := f.do(t, admin, http.MethodPost, path, payload)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "VALIDATION_ERROR", b.Error.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString("{"))
	token, err := f.jwt.GenerateToken(admin)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssign_SafetyRejectedCarriesDetails(t *testing.T) {
	f := newAPIFixture(t)
	expired := f.store.AddDriver(&models.Driver{
		Name:            "Kamau",
		LicenseExpiry:   f.window.Departure.AddDate(0, 0, -1),
		ExperienceYears: 4,
		IsActive:        true,
		IsAvailable:     true,
	})
	payload := f.assignPayload()
	payload["driverId"] = expired.ID.Hex()

	w, b := f.do(t, admin, http.MethodPost, "/api/v1/requests/"+f.request.ID.Hex()+"/assignments", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "SAFETY_REJECTED", b.Error.Code)
	assert.NotNil(t, b.Error.Details)

	payload["safetyOverride"] = true
	payload["overrideReason"] = "renewal receipt seen"
	w, b = f.do(t, admin, http.MethodPost, "/api/v1/requests/"+f.request.ID.Hex()+"/assignments", payload)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a models.Assignment
	require.NoError(t, json.Unmarshal(b.Data, &a))
	assert.True(t, a.SafetyOverride)
	assert.Equal(t, admin.UserID, a.OverriddenBy)
}

func TestRejectAndCancel(t *testing.T) {
	f := newAPIFixture(t)
	base := "/api/v1/requests/" + f.request.ID.Hex()

	w, b := f.do(t, admin, http.MethodPost, base+"/reject", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", b.Error.Code)

	w, _ = f.do(t, employee, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, b = f.do(t, admin, http.MethodPost, base+"/reject", map[string]string{"reason": "no budget"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", b.Error.Code)
}

func TestReject(t *testing.T) {
	f := newAPIFixture(t)

	w, b := f.do(t, admin, http.MethodPost, "/api/v1/requests/"+f.request.ID.Hex()+"/reject", map[string]string{"reason": "no budget"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var r models.Request
	require.NoError(t, json.Unmarshal(b.Data, &r))
	assert.Equal(t, models.RequestRejected, r.Status)
	assert.Equal(t, "no budget", r.RejectionReason)
}

func TestTripLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	id := f.assign(t)

	other := models.Caller{UserID: "drv-user-2", Role: models.RoleDriver, DriverID: "someone-else"}
	assert.Equal(t, http.StatusForbidden, f.transition(t, other, id, "start").Code)

	w, b := f.do(t, f.driverAs, http.MethodGet, "/api/v1/assignments/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var a models.Assignment
	require.NoError(t, json.Unmarshal(b.Data, &a))
	session := a.SessionID()

	w = f.transition(t, f.driverAs, id, "start")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	locations := "/api/v1/tracking/" + session + "/locations"
	w, b = f.do(t, f.driverAs, http.MethodPost, locations, map[string]any{"lat": cbd.Lat, "lng": cbd.Lng, "speed": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(b.Data, &snap))
	assert.Equal(t, uint64(2), snap.Seq)
	require.NotNil(t, snap.Current)
	assert.False(t, snap.Current.Timestamp.IsZero(), "missing timestamp is stamped on receipt")

	w, _ = f.do(t, other, http.MethodPost, locations, map[string]any{"lat": cbd.Lat, "lng": cbd.Lng})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, employee, http.MethodGet, "/api/v1/tracking/"+session+"/snapshot?since=2", nil)
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-Poll-Interval"))
	w, b = f.do(t, employee, http.MethodGet, "/api/v1/tracking/"+session+"/snapshot?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(b.Data, &snap))
	assert.Equal(t, uint64(2), snap.Seq)

	assert.Equal(t, http.StatusConflict, f.transition(t, f.driverAs, id, "start").Code)
	require.Equal(t, http.StatusOK, f.transition(t, f.driverAs, id, "complete").Code)

	w, b = f.do(t, f.driverAs, http.MethodPost, locations, map[string]any{"lat": jkia.Lat, "lng": jkia.Lng})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"dropped"}`, w.Body.String())

	w, b = f.do(t, employee, http.MethodGet, "/api/v1/tracking/"+session+"/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(b.Data, &snap))
	assert.Equal(t, models.SessionClosed, snap.Status)
}

func TestTransition_RejectsUnknownAction(t *testing.T) {
	f := newAPIFixture(t)
	id := f.assign(t)

	w := f.transition(t, admin, id, "teleport")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestLocation_Validation(t *testing.T) {
	f := newAPIFixture(t)
	id := f.assign(t)
	require.Equal(t, http.StatusOK, f.transition(t, admin, id, "start").Code)
	w, b := f.do(t, admin, http.MethodGet, "/api/v1/assignments/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var a models.Assignment
	require.NoError(t, json.Unmarshal(b.Data, &a))
	locations := "/api/v1/tracking/" + a.SessionID() + "/locations"

	w, b = f.do(t, f.driverAs, http.MethodPost, locations, map[string]any{"lng": 36.8})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", b.Error.Code)

	w, b = f.do(t, f.driverAs, http.MethodPost, locations, map[string]any{"lat": 91, "lng": 36.8})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "OUT_OF_RANGE_REPORT", b.Error.Code)

	w, b = f.do(t, f.driverAs, http.MethodPost, locations, map[string]any{"lat": 0, "lng": 0, "speed": -3})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	snap, err := f.tracker.GetSnapshot(t.Context(), a.SessionID())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Seq, "rejected reports leave the session untouched")

	w, _ = f.do(t, admin, http.MethodPost, "/api/v1/tracking/unknown/locations", map[string]any{"lat": 1, "lng": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, admin, http.MethodGet, "/api/v1/tracking/"+a.SessionID()+"/snapshot?since=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAvailability(t *testing.T) {
	f := newAPIFixture(t)
	f.assign(t)

	w, b := f.do(t, admin, http.MethodGet, "/api/v1/resources/availability", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report services.AvailabilityReport
	require.NoError(t, json.Unmarshal(b.Data, &report))
	assert.Equal(t, 1, report.Vehicles.Total)
	assert.Equal(t, 0, report.Vehicles.Available)
	assert.Equal(t, services.StatusCritical, report.Vehicles.Status)
	assert.Equal(t, 1, report.ActiveAssignments)
	assert.Equal(t, 0, report.PendingRequests)
}
