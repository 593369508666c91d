package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/mcpforge/internal/config"
)

// Operations tracked by the anomaly detector. Build steps are reported as
// OpBuildPrefix plus the step name ("build_npm", "build_tsc", ...).
const (
	OpToolCall    = "tool_call"
	OpCreate      = "create"
	OpBuildPrefix = "build_"
)

const (
	defaultAnomalyWindow     = 5 * time.Minute
	defaultAnomalyMinSamples = 5
	anomalyBuckets           = 10
)

// AnomalyDetector watches the failure rate of child-server operations over
// a sliding window and reports when it crosses the configured threshold.
// A crossing is reported once; the detector re-arms when the rate drops
// back under the threshold.
type AnomalyDetector struct {
	threshold  float64
	minSamples int
	bucketSize time.Duration
	metrics    *MetricsCollector
	logger     *slog.Logger
	now        func() time.Time

	mu  sync.Mutex
	ops map[string]*opWindow
}

// opWindow is a ring of fixed-width buckets covering the window.
type opWindow struct {
	buckets  [anomalyBuckets]bucket
	alerting bool
}

type bucket struct {
	start    time.Time
	failures int
	total    int
}

// NewAnomalyDetector creates a detector from cfg. metrics may be nil.
func NewAnomalyDetector(cfg *config.AnomalyConfig, metrics *MetricsCollector, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultAnomalyMinSamples
	}
	return &AnomalyDetector{
		threshold:  cfg.ErrorRateThreshold,
		minSamples: minSamples,
		bucketSize: window / anomalyBuckets,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		ops:        make(map[string]*opWindow),
	}
}

// Record counts one outcome of operation.
func (a *AnomalyDetector) Record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.window(operation)
	b := w.current(a.now(), a.bucketSize)
	b.total++
	if failed {
		b.failures++
	}
	a.evaluate(operation, w)
}

// ErrorRate returns the failure share for operation within the window, and
// the number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		return 0, 0
	}
	failures, total := w.sum(a.now(), a.bucketSize)
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// Alerting reports whether operation is currently over its threshold.
func (a *AnomalyDetector) Alerting(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.ops[operation]
	return ok && w.alerting
}

// evaluate flips the alert state of w. Caller holds a.mu.
func (a *AnomalyDetector) evaluate(operation string, w *opWindow) {
	if a.threshold <= 0 {
		return
	}
	failures, total := w.sum(a.now(), a.bucketSize)
	if total < a.minSamples {
		return
	}
	rate := float64(failures) / float64(total)

	switch {
	case rate > a.threshold && !w.alerting:
		w.alerting = true
		a.metrics.RecordAnomaly(operation)
		if a.logger != nil {
			a.logger.Warn("child servers failing above threshold",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", a.threshold),
				slog.Int("failures", failures),
				slog.Int("samples", total),
			)
		}
	case rate <= a.threshold && w.alerting:
		w.alerting = false
		if a.logger != nil {
			a.logger.Info("child server failure rate recovered",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

func (a *AnomalyDetector) window(operation string) *opWindow {
	w, ok := a.ops[operation]
	if !ok {
		w = &opWindow{}
		a.ops[operation] = w
	}
	return w
}

// current returns the bucket for now, resetting it when it last held an
// older slot.
func (w *opWindow) current(now time.Time, size time.Duration) *bucket {
	start := now.Truncate(size)
	b := &w.buckets[int(start.UnixNano()/int64(size))%anomalyBuckets]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// sum totals the buckets still inside the window ending at now.
func (w *opWindow) sum(now time.Time, size time.Duration) (failures, total int) {
	cutoff := now.Truncate(size).Add(-size * (anomalyBuckets - 1))
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.IsZero() || b.start.Before(cutoff) {
			continue
		}
		failures += b.failures
		total += b.total
	}
	return failures, total
}
