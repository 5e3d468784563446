package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// MetricsCollector holds all Prometheus metrics for runbox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxProvisionsTotal   *prometheus.CounterVec
	SandboxProvisionDuration *prometheus.HistogramVec
	SandboxCommandsTotal     *prometheus.CounterVec
	SandboxCommandDuration   *prometheus.HistogramVec

	// Security metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total finished executions.",
		}, []string{"kind", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Execution wall time from start to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total repository pipeline steps by outcome.",
		}, []string{"step", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Repository pipeline step duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),

		SandboxProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "provisions_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"backend", "result"}),

		SandboxProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "provision_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		SandboxCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Total commands run inside sandboxes.",
		}, []string{"backend", "result"}),

		SandboxCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"backend"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total payload validations.",
		}, []string{"kind", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runbox",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepsTotal,
		m.StepDuration,
		m.SandboxProvisionsTotal,
		m.SandboxProvisionDuration,
		m.SandboxCommandsTotal,
		m.SandboxCommandDuration,
		m.SecurityChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RegisterQueue exposes execution admission depth. depth is called on
// every scrape.
func (m *MetricsCollector) RegisterQueue(depth func() (running, queued int)) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "running",
			Help:      "Executions currently holding a slot.",
		}, func() float64 {
			r, _ := depth()
			return float64(r)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runbox",
			Subsystem: "execution",
			Name:      "queued",
			Help:      "Executions waiting for a slot.",
		}, func() float64 {
			_, q := depth()
			return float64(q)
		}),
	)
}

// RegisterSandboxes exposes the number of tracked sandboxes per lifecycle state.
func (m *MetricsCollector) RegisterSandboxes(count func() map[sandbox.State]int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(&sandboxCollector{count: count, desc: prometheus.NewDesc(
		"runbox_sandbox_tracked",
		"Tracked sandboxes by lifecycle state.",
		[]string{"state"}, nil,
	)})
}

// sandboxCollector reports a gauge per sandbox state, including zeros.
type sandboxCollector struct {
	count func() map[sandbox.State]int
	desc  *prometheus.Desc
}

func (c *sandboxCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *sandboxCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.count()
	for _, st := range sandbox.States() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
