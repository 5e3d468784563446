package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
)

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing, and anomaly detection.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a sandbox backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

func (b *InstrumentedBackend) Ping(ctx context.Context) error { return b.inner.Ping(ctx) }

func (b *InstrumentedBackend) Provision(ctx context.Context, req sandbox.ProvisionRequest) (sandbox.Instance, error) {
	backend := b.inner.Name()

	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "sandbox.provision",
			trace.WithAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.String("sandbox.id", req.ID),
				attribute.String("sandbox.language", req.Language),
			))
		defer span.End()
	}

	start := time.Now()
	inst, err := b.inner.Provision(ctx, req)
	duration := time.Since(start).Seconds()

	result := "success"
	if err != nil {
		result = "error"
		if b.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if b.metrics != nil {
		b.metrics.SandboxProvisionsTotal.WithLabelValues(backend, result).Inc()
		b.metrics.SandboxProvisionDuration.WithLabelValues(backend).Observe(duration)
	}

	if err != nil {
		b.anomaly.RecordError("sandbox_provision")
		return nil, err
	}
	b.anomaly.RecordSuccess("sandbox_provision")
	return &instrumentedInstance{inner: inst, backend: b}, nil
}

// RemoveOrphans delegates to the wrapped backend when it reaps orphans.
func (b *InstrumentedBackend) RemoveOrphans(ctx context.Context, keep func(string) bool) (int, error) {
	reaper, ok := b.inner.(sandbox.OrphanReaper)
	if !ok {
		return 0, nil
	}
	return reaper.RemoveOrphans(ctx, keep)
}

// instrumentedInstance records command metrics for one provisioned instance.
type instrumentedInstance struct {
	inner   sandbox.Instance
	backend *InstrumentedBackend
}

func (i *instrumentedInstance) WriteFiles(ctx context.Context, files map[string][]byte) error {
	return i.inner.WriteFiles(ctx, files)
}

func (i *instrumentedInstance) Exec(ctx context.Context, c sandbox.Command) (*sandbox.RunResult, error) {
	b := i.backend
	name := b.inner.Name()

	start := time.Now()
	res, err := i.inner.Exec(ctx, c)
	duration := time.Since(start).Seconds()

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case res.TimedOut:
		result = "timeout"
	case res.ExitCode != 0:
		result = "exit_" + strconv.Itoa(res.ExitCode)
		if res.ExitCode > 255 || res.ExitCode < 0 {
			result = "failure"
		}
	}

	if b.metrics != nil {
		b.metrics.SandboxCommandsTotal.WithLabelValues(name, result).Inc()
		b.metrics.SandboxCommandDuration.WithLabelValues(name).Observe(duration)
	}

	if err != nil {
		b.anomaly.RecordError("sandbox_exec")
	} else {
		b.anomaly.RecordSuccess("sandbox_exec")
	}
	return res, err
}

func (i *instrumentedInstance) ReadFiles(ctx context.Context, dir string, limits sandbox.ReadLimits) (map[string][]byte, error) {
	return i.inner.ReadFiles(ctx, dir, limits)
}

func (i *instrumentedInstance) Usage(ctx context.Context) (sandbox.ResourceStats, error) {
	return i.inner.Usage(ctx)
}

func (i *instrumentedInstance) Destroy(ctx context.Context) error {
	return i.inner.Destroy(ctx)
}

// --- ExecutionObserver ---

// ExecutionObserver feeds controller measurements into metrics and the
// anomaly detector.
type ExecutionObserver struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

// NewExecutionObserver returns an observer; both collaborators may be nil.
func NewExecutionObserver(metrics *MetricsCollector, anomaly *AnomalyDetector) *ExecutionObserver {
	return &ExecutionObserver{metrics: metrics, anomaly: anomaly}
}

func (o *ExecutionObserver) ExecutionFinished(kind execution.Kind, status execution.Status, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.ExecutionsTotal.WithLabelValues(string(kind), string(status)).Inc()
		o.metrics.ExecutionDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	}

	op := "execution_" + string(kind)
	switch status {
	case execution.StatusFailed, execution.StatusTimedOut:
		o.anomaly.RecordError(op)
	case execution.StatusRejected, execution.StatusCancelled:
		// Caller-driven outcomes say nothing about service health.
	default:
		o.anomaly.RecordSuccess(op)
	}
}

func (o *ExecutionObserver) StepFinished(step execution.StepName, status execution.StepStatus, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.StepsTotal.WithLabelValues(string(step), string(status)).Inc()
	if status != execution.StepSkipped {
		o.metrics.StepDuration.WithLabelValues(string(step)).Observe(elapsed.Seconds())
	}
}

// --- SecurityAuditor ---

// SecurityAuditor counts admission outcomes from the audit trail.
type SecurityAuditor struct {
	metrics *MetricsCollector
}

// NewSecurityAuditor returns an auditor that only records metrics.
func NewSecurityAuditor(metrics *MetricsCollector) *SecurityAuditor {
	return &SecurityAuditor{metrics: metrics}
}

func (a *SecurityAuditor) Record(_ context.Context, event security.AuditEvent) error {
	if a.metrics == nil {
		return nil
	}
	result := "admitted"
	if event.Status == string(execution.StatusRejected) {
		result = "rejected"
	}
	a.metrics.SecurityChecksTotal.WithLabelValues(event.Kind, result).Inc()
	return nil
}

// Compile-time interface checks.
var (
	_ sandbox.Backend      = (*InstrumentedBackend)(nil)
	_ sandbox.OrphanReaper = (*InstrumentedBackend)(nil)
	_ sandbox.Instance     = (*instrumentedInstance)(nil)
	_ execution.Observer   = (*ExecutionObserver)(nil)
	_ security.Auditor     = (*SecurityAuditor)(nil)
)

// statusCode converts an HTTP status code to a string label.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
