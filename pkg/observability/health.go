package observability

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the result of a health check.
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthChecker is a function that performs a health check.
type HealthChecker func(ctx context.Context) HealthCheckResult

// HealthRegistry manages health checks for multiple components.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	results  map[string]HealthCheckResult
}

// NewHealthRegistry creates a new health registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{
		checkers: make(map[string]HealthChecker),
		results:  make(map[string]HealthCheckResult),
	}
}

// Register adds a health checker for a component.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// Check runs all health checks concurrently and returns the results
// keyed by component name.
func (r *HealthRegistry) Check(ctx context.Context) map[string]HealthCheckResult {
	r.mu.Lock()
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.Unlock()

	type namedResult struct {
		name   string
		result HealthCheckResult
	}

	resultCh := make(chan namedResult, len(checkers))
	var wg sync.WaitGroup
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			start := time.Now()
			result := checker(ctx)
			result.Duration = time.Since(start)
			result.Timestamp = time.Now()
			resultCh <- namedResult{name, result}
		}(name, checker)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make(map[string]HealthCheckResult, len(checkers))
	for item := range resultCh {
		results[item.name] = item.result
	}

	r.mu.Lock()
	r.results = results
	r.mu.Unlock()

	return results
}

// LastResults returns the cached results from the last Check call.
func (r *HealthRegistry) LastResults() map[string]HealthCheckResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]HealthCheckResult, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return results
}

// OverallStatus aggregates the last results: any unhealthy component
// makes the whole service unhealthy, otherwise any degraded one makes
// it degraded.
func (r *HealthRegistry) OverallStatus() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := HealthStatusHealthy
	for _, result := range r.results {
		switch result.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// OverallHealth is a summary of the health status.
type OverallHealth struct {
	Status    HealthStatus                 `json:"status"`
	Timestamp time.Time                    `json:"timestamp"`
	Checks    map[string]HealthCheckResult `json:"checks"`
}

// GetOverallHealth runs all checks and returns overall health.
func (r *HealthRegistry) GetOverallHealth(ctx context.Context) OverallHealth {
	checks := r.Check(ctx)
	return OverallHealth{
		Status:    r.OverallStatus(),
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// ToJSON serializes the overall health to JSON.
func (h OverallHealth) ToJSON() ([]byte, error) {
	return json.Marshal(h)
}

// DatabaseHealthChecker creates a health checker for database
// connectivity. Database failures are unhealthy: nothing works
// without the store.
func DatabaseHealthChecker(pingFunc func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheckResult {
		if err := pingFunc(ctx); err != nil {
			return HealthCheckResult{
				Status:  HealthStatusUnhealthy,
				Message: "database connection failed: " + err.Error(),
			}
		}
		return HealthCheckResult{
			Status:  HealthStatusHealthy,
			Message: "database connection healthy",
		}
	}
}

// RedisHealthChecker creates a health checker for the contact cache.
// Cache failures only degrade the service: sweeps fall back to the
// source store.
func RedisHealthChecker(pingFunc func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheckResult {
		if err := pingFunc(ctx); err != nil {
			return HealthCheckResult{
				Status:  HealthStatusDegraded,
				Message: "redis connection failed: " + err.Error(),
			}
		}
		return HealthCheckResult{
			Status:  HealthStatusHealthy,
			Message: "redis connection healthy",
		}
	}
}

// RabbitMQHealthChecker creates a health checker for the event broker.
// Broker failures only degrade the service: the outbox retains events
// until publishing recovers.
func RabbitMQHealthChecker(checkFunc func(ctx context.Context) error) HealthChecker {
	return func(ctx context.Context) HealthCheckResult {
		if err := checkFunc(ctx); err != nil {
			return HealthCheckResult{
				Status:  HealthStatusDegraded,
				Message: "rabbitmq connection failed: " + err.Error(),
			}
		}
		return HealthCheckResult{
			Status:  HealthStatusHealthy,
			Message: "rabbitmq connection healthy",
		}
	}
}
