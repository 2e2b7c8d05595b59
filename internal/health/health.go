// Package health serves liveness, readiness and component status for a
// running lockdown core.
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

// Status is the outcome of a probe, or of all probes combined.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown is reported for a probe that has not run yet.
	StatusUnknown Status = "unknown"
)

// Result is what a single probe run produced.
type Result struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   string                 `json:"error,omitempty"`
	At      time.Time              `json:"at"`
	Took    time.Duration          `json:"took_ns"`
}

// Func inspects one component.
type Func func(ctx context.Context) Result

// Probe is a named component check. A failing Required probe fails the
// whole process; any other failing probe only degrades it.
type Probe struct {
	Name     string
	Required bool
	Run      Func
	Timeout  time.Duration
}

const defaultProbeTimeout = 5 * time.Second

// Checker runs probes and remembers their last results.
type Checker struct {
	mu      sync.RWMutex
	probes  map[string]*Probe
	last    map[string]Result
	started time.Time
	ready   bool
}

func NewChecker() *Checker {
	return &Checker{
		probes:  make(map[string]*Probe),
		last:    make(map[string]Result),
		started: time.Now(),
	}
}

// AddProbe registers p, replacing any probe with the same name. Its
// status is unknown until the next run.
func (c *Checker) AddProbe(p *Probe) {
	if p.Timeout <= 0 {
		p.Timeout = defaultProbeTimeout
	}
	c.mu.Lock()
	c.probes[p.Name] = p
	c.last[p.Name] = Result{Status: StatusUnknown}
	c.mu.Unlock()
}

// Add registers fn under name with the default timeout.
func (c *Checker) Add(name string, required bool, fn Func) {
	c.AddProbe(&Probe{Name: name, Required: required, Run: fn})
}

func (c *Checker) Remove(name string) {
	c.mu.Lock()
	delete(c.probes, name)
	delete(c.last, name)
	c.mu.Unlock()
}

// SetReady flips the readiness gate served on /readyz.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Names lists registered probes in name order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// execute runs p under its timeout. A probe that panics or overruns is
// unhealthy; an overrunning probe is left to finish on its own.
func execute(ctx context.Context, p *Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	began := time.Now()
	out := make(chan Result, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				out <- Result{Status: StatusUnhealthy, Message: "probe panicked", Error: fmt.Sprint(v)}
			}
		}()
		out <- p.Run(ctx)
	}()

	var res Result
	select {
	case res = <-out:
	case <-ctx.Done():
		res = Result{Status: StatusUnhealthy, Message: "probe timed out", Error: ctx.Err().Error()}
	}
	res.At = began
	res.Took = time.Since(began)
	return res
}

// RunAll runs every probe in parallel and records the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Result {
	c.mu.RLock()
	probes := make([]*Probe, 0, len(c.probes))
	for _, p := range c.probes {
		probes = append(probes, p)
	}
	c.mu.RUnlock()

	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p *Probe) {
			defer wg.Done()
			results[i] = execute(ctx, p)
		}(i, p)
	}
	wg.Wait()

	out := make(map[string]Result, len(probes))
	c.mu.Lock()
	for i, p := range probes {
		out[p.Name] = results[i]
		// Skip probes removed while running.
		if c.probes[p.Name] == p {
			c.last[p.Name] = results[i]
		}
	}
	c.mu.Unlock()
	return out
}

// Run runs the named probe alone. ok is false if no such probe exists.
func (c *Checker) Run(ctx context.Context, name string) (res Result, ok bool) {
	c.mu.RLock()
	p, ok := c.probes[name]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}

	res = execute(ctx, p)
	c.mu.Lock()
	if c.probes[name] == p {
		c.last[name] = res
	}
	c.mu.Unlock()
	return res, true
}

// Status folds the last results into one status. Unknown only counts
// for required probes.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, res := range c.last {
		p := c.probes[name]
		switch {
		case res.Status == StatusUnhealthy && p.Required:
			return StatusUnhealthy
		case res.Status == StatusUnknown && p.Required:
			overall = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the JSON body of /healthz and /readyz.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Time       time.Time         `json:"time"`
}

// Report runs every probe and summarizes the outcome.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.RunAll(ctx)

	c.mu.RLock()
	ready, up := c.ready, time.Since(c.started)
	c.mu.RUnlock()

	return Report{
		Status:     c.Status(),
		Ready:      ready,
		Uptime:     up.Round(time.Second).String(),
		Components: components,
		Time:       time.Now().UTC(),
	}
}

func (r Report) httpCode() int {
	if r.Status == StatusUnhealthy || r.Status == StatusUnknown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func reply(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Mount serves the probes on mux. /livez always answers 200, /readyz is
// 503 until SetReady(true), and both /readyz and /healthz are 503 while
// the combined status is unhealthy or unknown. Degraded is still 200.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]interface{}{"status": "alive", "time": time.Now().UTC()})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			reply(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "starting", "time": time.Now().UTC()})
			return
		}
		rep := c.Report(r.Context())
		reply(w, rep.httpCode(), rep)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		reply(w, rep.httpCode(), rep)
	})
}
