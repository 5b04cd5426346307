// Package health periodically pings every open session through its driver
// and tracks per-session status for the ops endpoints.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/driver"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/session"
)

// Status represents the health status of one session's database.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// SessionHealth holds health information for one open session.
type SessionHealth struct {
	Status              Status    `json:"status"`
	Driver              string    `json:"driver"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker performs periodic health checks on open sessions.
type Checker struct {
	mu       sync.RWMutex
	statuses map[int64]*SessionHealth

	sessions *session.Manager
	metrics  *metrics.Collector

	interval         time.Duration
	failureThreshold int
	timeout          time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker over the session pool.
func NewChecker(sm *session.Manager, m *metrics.Collector, cfg config.HealthConfig) *Checker {
	return &Checker{
		statuses:         make(map[int64]*SessionHealth),
		sessions:         sm,
		metrics:          m,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.Timeout,
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) checkAll() {
	seen := make(map[int64]struct{})
	c.sessions.Each(func(id int64, conn driver.Conn, info driver.Info) {
		seen[id] = struct{}{}

		// A session with a query in flight owns its one physical
		// connection; pinging now would queue behind the statement.
		if c.sessions.QueryActive(id) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := conn.Ping(ctx)
		cancel()
		c.updateStatus(id, info, err)
	})
	c.prune(seen)
}

func (c *Checker) updateStatus(id int64, info driver.Info, pingErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sh, ok := c.statuses[id]
	if !ok {
		sh = &SessionHealth{Status: StatusUnknown, Driver: info.Driver}
		c.statuses[id] = sh
	}
	sh.LastCheck = time.Now()

	if pingErr == nil {
		if sh.ConsecutiveFailures > 0 {
			slog.Info("session recovered", "conn_id", id, "failures", sh.ConsecutiveFailures)
		}
		sh.Status = StatusHealthy
		sh.ConsecutiveFailures = 0
		sh.LastError = ""
	} else {
		sh.ConsecutiveFailures++
		sh.LastError = pingErr.Error()
		if sh.ConsecutiveFailures >= c.failureThreshold {
			if sh.Status != StatusUnhealthy {
				slog.Warn("session marked unhealthy", "conn_id", id, "failures", sh.ConsecutiveFailures, "err", pingErr)
			}
			sh.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetSessionHealth(fmt.Sprintf("%d", id), info.Driver, sh.Status == StatusHealthy)
	}
}

// prune drops state for sessions that have been disconnected.
func (c *Checker) prune(seen map[int64]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.statuses {
		if _, ok := seen[id]; !ok {
			delete(c.statuses, id)
			if c.metrics != nil {
				c.metrics.RemoveSession(fmt.Sprintf("%d", id))
			}
		}
	}
}

// GetStatus returns the health status for one session.
func (c *Checker) GetStatus(id int64) SessionHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sh, ok := c.statuses[id]
	if !ok {
		return SessionHealth{Status: StatusUnknown}
	}
	return *sh
}

// GetAllStatuses returns health statuses for all tracked sessions.
func (c *Checker) GetAllStatuses() map[int64]SessionHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[int64]SessionHealth, len(c.statuses))
	for id, sh := range c.statuses {
		result[id] = *sh
	}
	return result
}

// OverallHealthy returns true if no tracked session is unhealthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, sh := range c.statuses {
		if sh.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
