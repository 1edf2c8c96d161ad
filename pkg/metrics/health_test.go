package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth(t)

	UpdateComponent(ComponentLedger, true, "open")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components[ComponentLedger]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)
	assert.False(t, comp.Updated.IsZero())
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("0.3.0")

	UpdateComponent(ComponentLedger, true, "")
	UpdateComponent(ComponentReadStore, true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "0.3.0", health.Version)

	UpdateComponent(ComponentReadStore, false, "connection refused")

	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: connection refused", health.Components[ComponentReadStore])
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "all critical healthy",
			components: map[string]bool{ComponentLedger: true, ComponentWriteStore: true, ComponentReadStore: true},
			wantStatus: "ready",
		},
		{
			name:       "read store down",
			components: map[string]bool{ComponentLedger: true, ComponentWriteStore: true, ComponentReadStore: false},
			wantStatus: "not_ready",
		},
		{
			name:       "write store not registered",
			components: map[string]bool{ComponentLedger: true, ComponentReadStore: true},
			wantStatus: "not_ready",
		},
		{
			name:       "non critical unhealthy does not block readiness",
			components: map[string]bool{ComponentLedger: true, ComponentWriteStore: true, ComponentReadStore: true, ComponentFeed: false},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				UpdateComponent(name, healthy, "probe")
			}
			assert.Equal(t, tt.wantStatus, GetReadiness().Status)
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents(ComponentLedger)

	UpdateComponent(ComponentLedger, true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	UpdateComponent(ComponentLedger, true, "")
	UpdateComponent(ComponentWriteStore, true, "")
	UpdateComponent(ComponentReadStore, true, "")

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "ready", status.Status)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	resetHealth(t)
	UpdateComponent(ComponentWriteStore, false, "ping failed")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
