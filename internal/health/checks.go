package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aiox-platform/companion/internal/api"
)

// Check names used by the readiness report.
const (
	CheckDatabase = "database"
	CheckRedis    = "redis"
	CheckNATS     = "nats"
	CheckTurns    = "turns"
	CheckVector   = "vector"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

const checkTimeout = 2 * time.Second

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checks is a named set of dependency probes.
type Checks struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewChecks() *Checks {
	return &Checks{checks: make(map[string]CheckFunc)}
}

// Add registers fn under name, replacing an earlier check of the same name.
func (c *Checks) Add(name string, fn CheckFunc) *Checks {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	return c
}

func (c *Checks) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.checks))
	for n := range c.checks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Report maps a check name to its status.
type Report map[string]string

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, s := range r {
		if s != StatusHealthy {
			return false
		}
	}
	return true
}

// Run executes all checks concurrently, each bounded by checkTimeout.
func (c *Checks) Run(ctx context.Context) Report {
	names := c.names()
	report := make(Report, len(names))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		c.mu.RLock()
		fn := c.checks[name]
		c.mu.RUnlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			status := StatusHealthy
			if err := fn(cctx); err != nil {
				status = StatusUnhealthy
			}
			mu.Lock()
			report[name] = status
			mu.Unlock()
		}()
	}
	wg.Wait()
	return report
}

// Live always answers 200; it proves the process is scheduling requests.
func Live(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready answers 200 when every check passes and 503 otherwise.
func (c *Checks) Ready(w http.ResponseWriter, r *http.Request) {
	report := c.Run(r.Context())

	status := http.StatusOK
	body := map[string]string{"status": StatusHealthy}
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	for name, s := range report {
		body[name] = s
	}
	api.JSON(w, status, body)
}
