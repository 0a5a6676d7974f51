package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the body of /healthz.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

type componentHealth struct {
	healthy  bool
	critical bool
	message  string
}

var (
	healthMu   sync.RWMutex
	components = map[string]componentHealth{}
	startTime  = time.Now()
)

// SetComponent records the health of a component. An unhealthy critical
// component makes the service unhealthy; any other one only degrades it.
func SetComponent(name string, healthy, critical bool, message string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	components[name] = componentHealth{healthy: healthy, critical: critical, message: message}
}

func GetHealth() HealthStatus {
	healthMu.RLock()
	defer healthMu.RUnlock()

	status := "healthy"
	out := make(map[string]string, len(components))
	for name, c := range components {
		if c.healthy {
			out[name] = "healthy"
			continue
		}
		out[name] = "unhealthy: " + c.message
		if c.critical {
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: out,
		Uptime:     time.Since(startTime).String(),
	}
}

// HealthHandler serves GetHealth; only an unhealthy service answers 503.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		w.Header().Set("Content-Type", "application/json")
		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}
