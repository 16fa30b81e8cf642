// Package health runs the relay's readiness checks
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/boardsync/pkg/observability"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// HealthCheck interface for individual health checks
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	checks  map[string]HealthCheck
	results map[string]*Check
	mu      sync.RWMutex

	metrics observability.MetricsClient
	logger  observability.Logger

	timeout time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger observability.Logger, metrics observability.MetricsClient) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		results: make(map[string]*Check),
		metrics: observability.MetricsOrNoop(metrics),
		logger:  observability.OrNoop(logger),
		timeout: 5 * time.Second,
	}
}

// RegisterCheck registers a new health check
func (h *HealthChecker) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[check.Name()] = check
	h.logger.Info("Registered health check", map[string]interface{}{
		"check": check.Name(),
	})
}

// RunChecks executes all registered health checks concurrently
func (h *HealthChecker) RunChecks(ctx context.Context) map[string]*Check {
	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, check := range h.checks {
		checks = append(checks, check)
	}
	h.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]*Check, len(checks))
	)
	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			result := &Check{
				Name:        c.Name(),
				Status:      StatusHealthy,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
			}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Message = err.Error()
				h.logger.Warn("Health check failed", map[string]interface{}{
					"check": c.Name(),
					"error": err.Error(),
				})
			}
			h.recordMetrics(result)

			mu.Lock()
			results[result.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	h.mu.Lock()
	h.results = results
	h.mu.Unlock()
	return results
}

// IsHealthy returns true if all checks of the last run are healthy
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.results {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}

func (h *HealthChecker) recordMetrics(check *Check) {
	statusValue := 0.0
	if check.Status == StatusHealthy {
		statusValue = 1.0
	}
	h.metrics.RecordGauge("health_check_status", statusValue, map[string]string{
		"component": check.Name,
	})
	h.metrics.RecordHistogram("health_check_duration_seconds", check.Duration.Seconds(), map[string]string{
		"component": check.Name,
	})
}

// Pinger is satisfied by *sql.DB and *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseHealthCheck checks database connectivity
type DatabaseHealthCheck struct {
	db   Pinger
	name string
}

// NewDatabaseHealthCheck creates a new database health check
func NewDatabaseHealthCheck(name string, db Pinger) *DatabaseHealthCheck {
	return &DatabaseHealthCheck{db: db, name: name}
}

func (d *DatabaseHealthCheck) Name() string {
	return d.name
}

func (d *DatabaseHealthCheck) Check(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// RedisHealthCheck checks Redis connectivity
type RedisHealthCheck struct {
	client redis.UniversalClient
	name   string
}

// NewRedisHealthCheck creates a new Redis health check
func NewRedisHealthCheck(name string, client redis.UniversalClient) *RedisHealthCheck {
	return &RedisHealthCheck{client: client, name: name}
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// ServiceHealthCheck wraps a check function
type ServiceHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// NewServiceHealthCheck creates a new service health check
func NewServiceHealthCheck(name string, checkFunc func(ctx context.Context) error) *ServiceHealthCheck {
	return &ServiceHealthCheck{name: name, checkFunc: checkFunc}
}

func (s *ServiceHealthCheck) Name() string {
	return s.name
}

func (s *ServiceHealthCheck) Check(ctx context.Context) error {
	return s.checkFunc(ctx)
}

// AggregatedHealth represents the overall health status
type AggregatedHealth struct {
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Checks      map[string]*Check `json:"checks"`
	LastChecked time.Time         `json:"last_checked"`
}

// Aggregate summarizes a set of results
func Aggregate(checks map[string]*Check) *AggregatedHealth {
	status := StatusHealthy
	unhealthy := 0
	for _, check := range checks {
		if check.Status != StatusHealthy {
			unhealthy++
		}
	}
	message := ""
	if unhealthy > 0 {
		status = StatusUnhealthy
		message = fmt.Sprintf("%d components unhealthy", unhealthy)
	}
	return &AggregatedHealth{
		Status:      status,
		Message:     message,
		Checks:      checks,
		LastChecked: time.Now(),
	}
}
