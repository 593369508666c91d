package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	healthCheckTimeout = 3 * time.Second
	recentFailures     = 5
)

// HealthChecker reports liveness and readiness for the broker. Readiness
// runs the registered dependency checks; both reports carry a summary of
// the child servers: how many are live and the latest crashes and build
// failures.
type HealthChecker struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	checks   []namedCheck
	active   func() int
	crashes  failureLog
	builds   failureLog
	started  time.Time
}

type namedCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the JSON body of the health endpoints.
type HealthStatus struct {
	Status  string                 `json:"status"` // "ok" or "degraded"
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Servers *ServerHealth          `json:"servers,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   string `json:"status"` // "ok" or "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// ServerHealth summarizes child servers since start.
type ServerHealth struct {
	Active        int       `json:"active"`
	Crashes       int       `json:"crashes"`
	BuildFailures int       `json:"buildFailures"`
	RecentCrashes []Failure `json:"recentCrashes,omitempty"`
	RecentBuilds  []Failure `json:"recentBuildFailures,omitempty"`
	Uptime        string    `json:"uptime"`
}

// Failure is one recorded child crash or build failure.
type Failure struct {
	ServerID string    `json:"serverId"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// failureLog counts failures and keeps the newest few, newest first.
type failureLog struct {
	count  int
	recent []Failure
}

func (l *failureLog) add(f Failure) {
	l.count++
	l.recent = append([]Failure{f}, l.recent...)
	if len(l.recent) > recentFailures {
		l.recent = l.recent[:recentFailures]
	}
}

func (l *failureLog) snapshot() []Failure {
	if len(l.recent) == 0 {
		return nil
	}
	return append([]Failure(nil), l.recent...)
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		logger:  logger,
		now:     time.Now,
		started: time.Now(),
	}
}

// AddCheck registers a readiness check for a dependency such as the
// saved-server store or the sandbox root.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check})
}

// TrackServers sets the source of the live server count.
func (h *HealthChecker) TrackServers(active func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = active
}

// RecordCrash notes a child that exited without being deleted.
func (h *HealthChecker) RecordCrash(serverID, reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.crashes.add(Failure{ServerID: serverID, Reason: reason, At: h.now().UTC()})
}

// RecordBuildFailure notes a sandbox that failed to build or connect.
func (h *HealthChecker) RecordBuildFailure(serverID, reason string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.builds.add(Failure{ServerID: serverID, Reason: reason, At: h.now().UTC()})
}

// CheckHealth is the liveness report. It is "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", Servers: h.servers()}
}

// CheckReady runs every dependency check concurrently. The status is "ok"
// only when all of them pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.Unlock()

	status := HealthStatus{Status: "ok", Servers: h.servers()}
	if len(checks) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.check(ctx)
			results[i] = CheckResult{Status: "ok", Duration: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
		}()
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	var failed []string
	for i, c := range checks {
		status.Checks[c.name] = results[i]
		if results[i].Status != "ok" {
			failed = append(failed, c.name)
		}
	}
	if len(failed) > 0 {
		status.Status = "degraded"
		sort.Strings(failed)
		if h.logger != nil {
			h.logger.Warn("readiness check failed", slog.Any("checks", failed))
		}
	}
	return status
}

func (h *HealthChecker) servers() *ServerHealth {
	h.mu.Lock()
	s := &ServerHealth{
		Crashes:       h.crashes.count,
		BuildFailures: h.builds.count,
		RecentCrashes: h.crashes.snapshot(),
		RecentBuilds:  h.builds.snapshot(),
		Uptime:        h.now().Sub(h.started).Round(time.Second).String(),
	}
	active := h.active
	h.mu.Unlock()

	// The count comes from the registry, which has its own lock.
	if active != nil {
		s.Active = active()
	}
	return s
}
