package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/repositories"
)

// BuildInfo carries build metadata surfaced on the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	health repositories.HealthRepository
	build  BuildInfo
	clock  func() time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthRepository wires the dependency probe collector used by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.health = repo
	}
}

// WithHealthBuildInfo attaches build metadata to health payloads.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the time source, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers with sensible defaults.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
		build: BuildInfo{StartedAt: time.Now().UTC()},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()

	payload := map[string]any{
		"status":    domain.HealthStatusOK,
		"timestamp": now.Format(time.RFC3339),
	}
	if !h.build.StartedAt.IsZero() {
		payload["uptime"] = now.Sub(h.build.StartedAt).String()
	}
	if v := strings.TrimSpace(h.build.Version); v != "" {
		payload["version"] = v
	}
	if sha := strings.TrimSpace(h.build.CommitSHA); sha != "" {
		payload["commitSha"] = sha
	}
	if env := strings.TrimSpace(h.build.Environment); env != "" {
		payload["environment"] = env
	}

	writeHealthJSON(w, http.StatusOK, payload)
}

// Readyz probes downstream dependencies and reports 503 unless everything is
// healthy.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()

	if h.health == nil {
		writeHealthJSON(w, http.StatusOK, map[string]any{
			"status":    domain.HealthStatusOK,
			"timestamp": now.Format(time.RFC3339),
		})
		return
	}

	report, err := h.health.Collect(r.Context())
	if err != nil {
		writeHealthJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    domain.HealthStatusError,
			"timestamp": now.Format(time.RFC3339),
			"details":   []string{err.Error()},
		})
		return
	}

	checks := make(map[string]map[string]any, len(report.Checks))
	details := make([]string, 0)
	for name, check := range report.Checks {
		entry := map[string]any{
			"status": check.Status,
		}
		if check.Latency > 0 {
			entry["latencyMs"] = check.Latency.Milliseconds()
		}
		if check.Error != "" {
			entry["error"] = check.Error
			details = append(details, fmt.Sprintf("%s: %s", name, check.Error))
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		checks[name] = entry
	}
	sort.Strings(details)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}

	payload := map[string]any{
		"status":    report.Status,
		"timestamp": now.Format(time.RFC3339),
		"checks":    checks,
		"details":   details,
	}
	if env := strings.TrimSpace(report.Environment); env != "" {
		payload["environment"] = env
	}

	writeHealthJSON(w, status, payload)
}

func writeHealthJSON(w http.ResponseWriter, status int, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
