package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(version string) {
	healthChecker = newHealthChecker()
	healthChecker.version = version
}

func TestRegisterAndUpdateComponent(t *testing.T) {
	resetHealth("")

	RegisterComponent(ComponentMonitor, true, "running")
	comp := healthChecker.components[ComponentMonitor]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "running", comp.Message)

	UpdateComponent(ComponentMonitor, false, "store error")
	comp = healthChecker.components[ComponentMonitor]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "store error", comp.Message)
}

func TestGetHealth(t *testing.T) {
	resetHealth("1.0.0")
	RegisterComponent(ComponentDatabase, true, "")
	RegisterComponent(ComponentScheduler, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	RegisterComponent(ComponentStatus, false, "connection refused")
	health = GetHealth()
	assert.Equal(t, StatusDegraded, health.Status)

	UpdateComponent(ComponentDatabase, false, "database is locked")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: database is locked", health.Components[ComponentDatabase])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name     string
		critical []string
		register map[string]bool
		want     string
	}{
		{
			name:     "all critical healthy",
			register: map[string]bool{ComponentDatabase: true, ComponentScheduler: true, ComponentStatus: false},
			want:     "ready",
		},
		{
			name:     "scheduler not registered",
			register: map[string]bool{ComponentDatabase: true},
			want:     "not_ready",
		},
		{
			name:     "database unhealthy",
			register: map[string]bool{ComponentDatabase: false, ComponentScheduler: true},
			want:     "not_ready",
		},
		{
			name:     "worker critical set",
			critical: []string{ComponentDatabase, ComponentPool},
			register: map[string]bool{ComponentDatabase: true, ComponentPool: true},
			want:     "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth("")
			if tt.critical != nil {
				SetCriticalComponents(tt.critical...)
			}
			for name, healthy := range tt.register {
				RegisterComponent(name, healthy, "")
			}
			readiness := GetReadiness()
			assert.Equal(t, tt.want, readiness.Status)
			if tt.want != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHandlers(t *testing.T) {
	resetHealth("test")
	mux := NewMux()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent(ComponentDatabase, true, "")
	RegisterComponent(ComponentScheduler, true, "")

	w = get("/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)

	UpdateComponent(ComponentStatus, false, "connection refused")
	w = get("/health")
	assert.Equal(t, http.StatusOK, w.Code)

	UpdateComponent(ComponentScheduler, false, "lock lost")
	w = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = get("/live")
	require.Equal(t, http.StatusOK, w.Code)
	var live map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&live))
	assert.Equal(t, "alive", live["status"])
	assert.NotEmpty(t, live["uptime"])

	w = get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "foreman_launch_failures_total")
}
