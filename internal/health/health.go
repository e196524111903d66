// Package health provides daemon readiness checks and the HTTP health probe
// used to decide when a mind process is ready to receive messages.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	merrors "github.com/p-blackswan/mindkeeper/internal/errors"
	"github.com/p-blackswan/mindkeeper/internal/retry"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]Status
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			if s == StatusDown {
				c.logger.Warn().Str("check", n).Msg("health check down")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// IsReady returns true if all checks pass.
func (c *Checker) IsReady(ctx context.Context) bool {
	results := c.RunAll(ctx)
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// Last returns the cached results of the most recent RunAll.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

// Probe checks a mind's health endpoint on a local port.
type Probe struct {
	Client   *http.Client
	Host     string
	Interval time.Duration
	Timeout  time.Duration
}

// NewProbe returns a Probe against 127.0.0.1 with the given poll settings.
func NewProbe(interval, timeout time.Duration) *Probe {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Probe{
		Client: &http.Client{
			Timeout:   2 * time.Second,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		Host:     "127.0.0.1",
		Interval: interval,
		Timeout:  timeout,
	}
}

// URL returns the health endpoint for port.
func (p *Probe) URL(port int) string {
	return fmt.Sprintf("http://%s:%d/health", p.Host, port)
}

// Check performs a single GET /health against port.
func (p *Probe) Check(ctx context.Context, port int) Status {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(port), nil)
	if err != nil {
		return StatusDown
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return StatusDown
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return StatusOK
	}
	return StatusDown
}

// WaitHealthy polls port until it answers 200 or the probe timeout elapses.
// exited, when non-nil, aborts the wait once the process is gone and voids
// a 200 that arrives after it exited.
func (p *Probe) WaitHealthy(ctx context.Context, port int, exited <-chan struct{}) error {
	gone := false
	err := retry.Poll(ctx, p.Interval, p.Timeout, func(ctx context.Context) bool {
		select {
		case <-exited:
			gone = true
			return true
		default:
		}
		if p.Check(ctx, port) != StatusOK {
			return false
		}
		// a 200 from a process that already died came from someone else
		select {
		case <-exited:
			gone = true
		default:
		}
		return true
	})
	if gone {
		return merrors.New(merrors.ErrStartFailed, "health", fmt.Sprintf("port %d", port), "process exited before becoming healthy")
	}
	if merrors.Is(err, merrors.ErrTimeout) {
		return merrors.New(merrors.ErrHealthCheckTimeout, "health", fmt.Sprintf("port %d", port),
			fmt.Sprintf("did not become healthy within %s", p.Timeout))
	}
	return err
}
