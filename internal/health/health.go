// Package health reports whether the sync daemon's dependencies are usable
// and serves the result as liveness, readiness, and detail endpoints.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is the outcome of one probe.
type Result struct {
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// Probe inspects one dependency.
type Probe func(ctx context.Context) Result

type component struct {
	name     string
	critical bool
	probe    Probe
	timeout  time.Duration
}

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 5 * time.Second

// Checker runs registered probes and aggregates their results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*component
	results    map[string]Result
	started    time.Time
	ready      bool
}

// NewChecker creates a checker that is not ready yet.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*component),
		results:    make(map[string]Result),
		started:    time.Now(),
	}
}

// Register adds a probe. A failing critical probe makes the daemon
// unhealthy; any other failure only degrades it.
func (c *Checker) Register(name string, critical bool, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = &component{name: name, critical: critical, probe: probe, timeout: DefaultTimeout}
	c.results[name] = Result{Status: StatusUnknown}
}

// SetReady marks the daemon as done with startup work.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports whether SetReady(true) was called.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every probe concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]Result {
	c.mu.RLock()
	components := make([]*component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]Result, len(components))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func(comp *component) {
			defer wg.Done()
			r := c.run(ctx, comp)
			mu.Lock()
			results[comp.name] = r
			mu.Unlock()
		}(comp)
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = r
		}
	}
	c.mu.Unlock()
	return results
}

func (c *Checker) run(ctx context.Context, comp *component) Result {
	ctx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: StatusUnhealthy, Message: "probe panicked", Error: fmt.Sprint(p)}
			}
		}()
		done <- comp.probe(ctx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-ctx.Done():
		r = Result{Status: StatusUnhealthy, Message: "probe timed out", Error: ctx.Err().Error()}
	}
	r.LastChecked = start
	r.Duration = time.Since(start)
	return r
}

// Status aggregates the last recorded results.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, r := range c.results {
		critical := c.components[name].critical
		switch r.Status {
		case StatusUnhealthy:
			if critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusUnknown:
			if critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Report is the body of the detail endpoint.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components"`
	Failing    []string          `json:"failing,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs every probe and summarizes the outcome.
func (c *Checker) Report(ctx context.Context) Report {
	results := c.Check(ctx)

	var failing []string
	for name, r := range results {
		if r.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	return Report{
		Status:     c.Status(),
		Ready:      c.Ready(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: results,
		Failing:    failing,
		Timestamp:  time.Now(),
	}
}

// Mount registers /livez, /readyz, and /healthz on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive"})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
			return
		}
		c.Check(r.Context())
		status := c.Status()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status})
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ErrorProbe adapts a function returning an error, such as a database ping.
func ErrorProbe(fn func(ctx context.Context) error) Probe {
	return func(ctx context.Context) Result {
		if err := fn(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Error: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}

// MinimumProbe degrades when count reports fewer than min items.
func MinimumProbe(what string, min int, count func() int) Probe {
	return func(context.Context) Result {
		if n := count(); n < min {
			return Result{Status: StatusDegraded, Message: fmt.Sprintf("%d %s, want at least %d", n, what, min)}
		}
		return Result{Status: StatusHealthy}
	}
}
