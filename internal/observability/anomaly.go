package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/config"
)

const (
	defaultAnomalyWindow    = 300
	defaultAnomalyThreshold = 0.5
	minAnomalySamples       = 5
)

// AnomalyDetector flags operations whose failure rate inside a sliding
// window crosses a threshold. Detections are logged, never enforced.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	window        time.Duration
	threshold     float64
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := defaultAnomalyWindow
	threshold := defaultAnomalyThreshold
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			secs = cfg.WindowSeconds
		}
		if cfg.ErrorRateThreshold > 0 {
			threshold = cfg.ErrorRateThreshold
		}
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		window:        time.Duration(secs) * time.Second,
		threshold:     threshold,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation and reports whether the error rate
// is now above the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.windowFor(a.errorCounts, operation).add(now)
	return a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successCounts, operation).add(a.now())
}

// ErrorRate returns the current failure ratio for operation and the number
// of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	errs := a.windowFor(a.errorCounts, operation).count(now)
	total := errs + a.windowFor(a.successCounts, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(errs) / float64(total), total
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) bool {
	errs := a.windowFor(a.errorCounts, operation).count(now)
	total := errs + a.windowFor(a.successCounts, operation).count(now)
	if total < minAnomalySamples {
		return false
	}

	rate := float64(errs) / float64(total)
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("errors", errs),
			slog.Int("total", total),
		)
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
