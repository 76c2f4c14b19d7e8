// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{timeout: 5 * time.Second}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Ping adapts any context-aware ping function into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database checks a SQL connection pool.
func Database(db *sql.DB) Checker {
	return Ping("database", db.PingContext)
}

// Redis checks a redis client.
func Redis(rdb *redis.Client) Checker {
	return Ping("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}

// Response is the body of the aggregate health endpoint.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// Handler serves the aggregate status of every registered checker.
// Any unhealthy subsystem turns the answer into a 503 "degraded".
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, Response{
			Status:    status,
			Version:   version,
			Checks:    statuses,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
