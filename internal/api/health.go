package api

import (
	"context"
	"net/http"
	"time"
)

// Check represents the status of one dependency.
type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "unhealthy"
	Timestamp   string           `json:"timestamp"`
	Uptime      float64          `json:"uptime"`
	Database    bool             `json:"database"`
	Environment string           `json:"environment"`
	Version     string           `json:"version"`
	Checks      map[string]Check `json:"checks"`
}

// Health reports store connectivity and, when configured, the rate limiter.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]Check)
	checks["database"] = ping(ctx, h.store.Ping)
	healthy := checks["database"].Status == "pass"

	if h.limiter != nil {
		checks["ratelimit"] = ping(ctx, h.limiter.Ping)
		healthy = healthy && checks["ratelimit"].Status == "pass"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.JSON(w, statusCode, Response{
		Success: true,
		Data: HealthResponse{
			Status:      status,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Uptime:      time.Since(h.started).Seconds(),
			Database:    checks["database"].Status == "pass",
			Environment: h.env,
			Version:     h.version,
			Checks:      checks,
		},
	})
}

func ping(ctx context.Context, fn func(context.Context) error) Check {
	start := time.Now()
	if err := fn(ctx); err != nil {
		return Check{Status: "fail", Message: "connection failed"}
	}
	return Check{Status: "pass", Latency: time.Since(start).String()}
}
