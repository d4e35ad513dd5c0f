package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/api/middleware"
	"github.com/doorlink/proximity-server/internal/proximity"
)

func newTestRouter(t *testing.T, authCfg middleware.AuthConfig) (*gin.Engine, *proximity.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine, err := proximity.New(proximity.Params{
		EnterThreshold:  -65,
		ExitThreshold:   -69,
		AlphaNear:       0.3,
		AlphaFar:        0.8,
		WindowDuration:  4 * time.Second,
		PacketsRequired: 4,
		ExpiryTimeout:   12 * time.Second,
	})
	require.NoError(t, err)

	r := gin.New()
	RegisterDeviceRoutes(r, engine, nil, authCfg, zap.NewNop())
	return r, engine
}

func TestListDevices(t *testing.T) {
	r, engine := newTestRouter(t, middleware.AuthConfig{})

	now := time.Now()
	require.NoError(t, engine.Ingest(proximity.Sample{DeviceID: "AA:BB", RSSI: -70, ObservedAt: now}))
	require.NoError(t, engine.Ingest(proximity.Sample{DeviceID: "CC:DD", RSSI: -60, ObservedAt: now}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Devices []proximity.DeviceView `json:"devices"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Devices, 2)
}

func TestGetDeviceNotFound(t *testing.T) {
	r, _ := newTestRouter(t, middleware.AuthConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices/NO:PE", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetDeviceReturnsView(t *testing.T) {
	r, engine := newTestRouter(t, middleware.AuthConfig{})

	now := time.Now()
	require.NoError(t, engine.Ingest(proximity.Sample{DeviceID: "AA:BB", RSSI: -70, ObservedAt: now}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices/AA:BB", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var view proximity.DeviceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "AA:BB", view.DeviceID)
	assert.InDelta(t, -70.0, view.EWMA, 1e-9)
	assert.False(t, view.IsNear)
	assert.Equal(t, 1, view.PendingSamples)
}

func TestRegisterDevice(t *testing.T) {
	r, engine := newTestRouter(t, middleware.AuthConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"deviceId":"AA:BB","label":"front-door"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, engine.Registered("AA:BB"))
}

func TestRegisterDeviceRejectsMissingID(t *testing.T) {
	r, _ := newTestRouter(t, middleware.AuthConfig{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices",
		strings.NewReader(`{"label":"no-id"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForgetDevice(t *testing.T) {
	r, engine := newTestRouter(t, middleware.AuthConfig{})

	now := time.Now()
	require.NoError(t, engine.Ingest(proximity.Sample{DeviceID: "AA:BB", RSSI: -70, ObservedAt: now}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/devices/AA:BB", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, engine.TrackedCount())
}

func TestAPIKeyAuthBlocksAnonymous(t *testing.T) {
	authCfg := middleware.AuthConfig{Enabled: true, APIKeys: []string{"sk_test_1234abcd"}}
	r, _ := newTestRouter(t, authCfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("X-API-Key", "sk_test_1234abcd")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBearerTokenAccepted(t *testing.T) {
	authCfg := middleware.AuthConfig{Enabled: true, APIKeys: []string{"sk_test_1234abcd"}}
	r, _ := newTestRouter(t, authCfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Authorization", "Bearer sk_test_1234abcd")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
