package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
)

// Check results reported per checker.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// checkTimeout bounds a single health check.
const checkTimeout = 2 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version   string
	startedAt time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		startedAt: time.Now(),
		checkers:  make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces the checker called name.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make([]HealthChecker, len(names))
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for i, name := range names {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := checkers[i].CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			results[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			results[name] = statusTimeout
		default:
			results[name] = statusUnhealthy
		}
	}
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out and healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, st := range checks {
		switch st {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			overall = statusDegraded
		}
	}
	return overall
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == statusUnhealthy {
		details := make(map[string]any, len(checks))
		for k, v := range checks {
			details[k] = v
		}
		respondWithError(w, r, apperrors.New(apperrors.CodeServiceUnavailable, "service is unhealthy").
			WithDetails(map[string]any{"checks": details}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(m.startedAt).Round(time.Second).String(),
		Checks:    checks,
	})
}

// HealthHandler runs every check.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

// ReadinessHandler runs every check; an unhealthy dependency means not ready.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports that initialization finished.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, nil)
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide health manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide health manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(m *HealthManager, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.New(apperrors.CodeServiceUnavailable, "health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
