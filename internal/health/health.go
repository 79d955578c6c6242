// Package health serves liveness and readiness probes for a process that
// owns disk queues.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/szibis/diskqueue/internal/queue"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error
// describing the issue.
type CheckFunc func() error

// Checker provides liveness and readiness probes. Readiness runs every
// registered check on each request.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	shuttingDown atomic.Bool
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// RegisterReadiness registers a named readiness check, replacing any
// check with the same name.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown marks the instance as shutting down. After this both
// probes report down.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// Ready runs the readiness checks.
func (c *Checker) Ready() Response {
	if c.shuttingDown.Load() {
		return shuttingDown()
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	resp := Response{
		Status:     StatusUp,
		Components: make(map[string]ComponentCheck, len(names)),
		Timestamp:  now(),
	}
	for _, name := range names {
		if err := checks[name](); err != nil {
			resp.Status = StatusDown
			resp.Components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			continue
		}
		resp.Components[name] = ComponentCheck{Status: StatusUp}
	}
	return resp
}

// LiveHandler returns an http.HandlerFunc for the /live endpoint.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, shuttingDown())
			return
		}
		writeJSON(w, Response{Status: StatusUp, Timestamp: now()})
	}
}

// ReadyHandler returns an http.HandlerFunc for the /ready endpoint. Any
// failing check turns the response into a 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Ready())
	}
}

// QueueCheck fails when the queue is closed, or when its segment files
// reserve more than maxFill of the byte budget with no retired segment
// left to reuse. maxFill <= 0 only checks for closed.
func QueueCheck(src queue.StatsSource, maxFill float64) CheckFunc {
	return func() error {
		st := src.Stats()
		if st.Closed {
			return queue.ErrQueueClosed
		}
		if maxFill <= 0 || st.MaxBytes <= 0 || st.InactiveSegments > 0 {
			return nil
		}
		fill := float64(st.ReservedBytes) / float64(st.MaxBytes)
		if fill > maxFill {
			return fmt.Errorf("segments reserve %.0f%% of the byte budget", fill*100)
		}
		return nil
	}
}

// DiskSpaceCheck fails when the filesystem holding dir has less than
// minFree bytes available to unprivileged users.
func DiskSpaceCheck(dir string, minFree int64) CheckFunc {
	return func() error {
		free, err := availableBytes(dir)
		if err != nil {
			return err
		}
		if free < uint64(minFree) {
			return fmt.Errorf("%d bytes free in %s, want at least %d", free, dir, minFree)
		}
		return nil
	}
}

func availableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil //nolint:gosec // Bsize is never negative
}

func shuttingDown() Response {
	return Response{
		Status:    StatusDown,
		Timestamp: now(),
		Components: map[string]ComponentCheck{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
