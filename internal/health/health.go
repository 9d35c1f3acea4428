// Package health exposes the liveness, readiness, and dependency
// health endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// CheckResult is the probe outcome for a single dependency.
type CheckResult struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the aggregate /health payload.
type Report struct {
	Status       string                 `json:"status"`
	Timestamp    string                 `json:"timestamp"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Version      string                 `json:"version,omitempty"`
}

// Handler serves the health endpoints.
type Handler struct {
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
	version     string
	timeout     time.Duration

	mu    sync.RWMutex
	ready bool
}

// Config holds health handler configuration.
type Config struct {
	DBPool      *pgxpool.Pool
	RedisClient *redis.Client
	Version     string
	Timeout     time.Duration
}

// NewHandler creates the health handler. The Redis client is optional:
// deployments running the in-memory rate limiter skip that probe. The
// handler starts not ready; main flips it once the listener is up.
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Handler{
		dbPool:      cfg.DBPool,
		redisClient: cfg.RedisClient,
		version:     cfg.Version,
		timeout:     timeout,
	}
}

// SetReady flips the readiness state. Shutdown turns it off first so
// load balancers drain before the listener closes.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	h.ready = ready
	h.mu.Unlock()
}

// IsReady reports the current readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health reports dependency status. Postgres down means unhealthy (503):
// nothing authenticates without it. Redis down only degrades, because
// the rate limiter fails open and lockout enforcement lives in Postgres.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	deps := make(map[string]CheckResult)
	status := "healthy"
	code := http.StatusOK

	db := h.probe(ctx, "database")
	deps["database"] = db
	if db.Status != "up" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	if h.redisClient != nil {
		rd := h.probe(ctx, "redis")
		deps["redis"] = rd
		if rd.Status != "up" && status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, code, Report{
		Status:       status,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Dependencies: deps,
		Version:      h.version,
	})
}

// Readiness gates traffic: the server must have finished startup and
// the database must answer.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady() && h.probe(ctx, "database").Status == "up"

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Liveness answers as long as the process serves requests.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) probe(ctx context.Context, name string) CheckResult {
	start := time.Now()
	var err error

	switch name {
	case "database":
		if h.dbPool == nil {
			return CheckResult{Status: "down", Error: "database pool not configured"}
		}
		err = h.dbPool.Ping(ctx)
	case "redis":
		err = h.redisClient.Ping(ctx).Err()
	}

	result := CheckResult{Status: "up", Latency: time.Since(start).String()}
	if err != nil {
		result.Status = "down"
		result.Error = err.Error()
	}
	return result
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
