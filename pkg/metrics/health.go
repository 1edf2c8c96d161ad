package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Component names registered by the convsync manager
const (
	ComponentLedger     = "ledger"
	ComponentWriteStore = "write_store"
	ComponentReadStore  = "read_store"
	ComponentFeed       = "feed"
	ComponentReconciler = "reconciler"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

var (
	healthChecker = newHealthChecker()
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health checks for various components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	startTime  time.Time
	version    string
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		critical:   []string{ComponentLedger, ComponentWriteStore, ComponentReadStore},
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetCriticalComponents replaces the components readiness waits for
func SetCriticalComponents(names ...string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.critical = append([]string(nil), names...)
}

// UpdateComponent records the health status of a component
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
		StartTime:  healthChecker.startTime,
	}
}

// GetReadiness returns ready only once every critical component reported healthy
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for _, name := range healthChecker.critical {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    healthChecker.version,
		Uptime:     time.Since(healthChecker.startTime).String(),
		StartTime:  healthChecker.startTime,
	}
}

// HealthHandler returns an HTTP handler for the /health endpoint
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetHealth(), "healthy")
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, GetReadiness(), "ready")
	}
}

func writeStatus(w http.ResponseWriter, status HealthStatus, ok string) {
	w.Header().Set("Content-Type", "application/json")

	statusCode := http.StatusOK
	if status.Status != ok {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(status)
}
