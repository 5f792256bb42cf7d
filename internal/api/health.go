package api

import (
	"context"
	"net/http"
	"time"
)

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

type HealthHandler struct {
	postgres PingFunc
	redis    PingFunc
	env      string
	version  string
}

// NewHealthHandler takes the Postgres and Redis pings. A nil ping means the dependency
// is not used by this deployment (in-memory stores) and is reported as "disabled".
func NewHealthHandler(postgres, redis PingFunc, env, version string) *HealthHandler {
	return &HealthHandler{
		postgres: postgres,
		redis:    redis,
		env:      env,
		version:  version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness fails when Postgres is down. Redis being down reports degraded: reads keep
// working, but booking and status changes answer 503 because their locks cannot be taken,
// and live push stops crossing instances.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	// Check Postgres
	if pingDown(ctx, h.postgres, deps, "postgres") {
		status = "error"
	}

	// Check Redis
	if pingDown(ctx, h.redis, deps, "redis") {
		if status == "ok" {
			status = "degraded"
		} else {
			status = "error"
		}
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}

// pingDown records the dependency state and reports whether it is down.
func pingDown(ctx context.Context, ping PingFunc, deps map[string]string, name string) bool {
	if ping == nil {
		deps[name] = "disabled"
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if err := ping(pingCtx); err != nil {
		deps[name] = "down"
		return true
	}
	deps[name] = "ok"
	return false
}
