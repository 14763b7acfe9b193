package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body served on /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy"/"unhealthy" on /health, "ready"/"not_ready" on /ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth is one subsystem's last reported state.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates ComponentHealth reports from everything this
// agent wires up (containerd, the server link, the gateway) into the two
// process-wide probes Kubernetes-style deployments expect.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// readinessGates lists the components whose absence or unhealthiness
// holds /ready at not_ready; unlike /health, a component this agent
// hasn't wired up yet (e.g. the gateway before the server link is dialed)
// is a normal part of startup, not a fault.
var readinessGates = []string{"containerd", "serverlink", "gateway"}

// SetVersion records the build version reported on /health and /ready.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records name's current health, overwriting any prior
// report for the same name.
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent is an alias for RegisterComponent kept for call sites
// that report a transition rather than an initial registration.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

func componentLine(c ComponentHealth) string {
	if !c.Healthy {
		return "unhealthy: " + c.Message
	}
	return "healthy"
}

// GetHealth reports every registered component's status; any one
// unhealthy component makes the whole process report unhealthy.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		if !comp.Healthy {
			status = "unhealthy"
		}
		components[name] = componentLine(comp)
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

// GetReadiness reports whether every component in readinessGates has been
// registered and reported healthy.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(readinessGates))

	for _, name := range readinessGates {
		comp, registered := healthChecker.components[name]
		switch {
		case !registered:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = componentLine(comp)
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

func writeHealthJSON(w http.ResponseWriter, body HealthStatus, okStatus string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	if body.Status != okStatus {
		w.WriteHeader(statusCode)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health: 200 while every reported component is
// healthy, 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, GetHealth(), "healthy", http.StatusServiceUnavailable)
	}
}

// ReadyHandler serves /ready: 200 once every readinessGates component has
// reported healthy, 503 otherwise.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealthJSON(w, GetReadiness(), "ready", http.StatusServiceUnavailable)
	}
}

// LivenessHandler serves /live: always 200 while the process can answer
// HTTP at all, independent of component health.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}
