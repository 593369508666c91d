package observability

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and
// anomaly detection for build steps.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	step := stepName(req.Command)

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				AttrBuildStep.String(step),
				AttrBuildDir.String(req.WorkingDir),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(AttrBuildExitCode.Int(result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(step, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(step).Observe(duration)
	}

	s.anomaly.Record(OpBuildPrefix+step, status != "success")

	return result, err
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)

// stepName derives a low-cardinality label from a build command:
// "npm", "pip", "tsc" or the program's base name.
func stepName(cmd []string) string {
	if len(cmd) == 0 {
		return "unknown"
	}
	for _, arg := range cmd {
		switch base := filepath.Base(arg); base {
		case "npm", "pip", "tsc":
			return base
		}
	}
	return filepath.Base(cmd[0])
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
