package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

const minAnomalySamples = 5

// AnomalyDetector watches error rates per operation over a sliding time
// window. Keys are free-form, e.g. "provider_docker_create" or
// "tool_search". A sustained rate above the threshold logs a warning;
// it never blocks or fails the operation itself.
type AnomalyDetector struct {
	mu     sync.Mutex
	ops    map[string]*opStats
	window time.Duration
	rate   float64
	logger *slog.Logger
	now    func() time.Time
}

// opStats holds outcome timestamps for one operation. Entries older than
// the window are pruned on every touch.
type opStats struct {
	errors    []time.Time
	successes []time.Time
}

// NewAnomalyDetector creates a detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 300 * time.Second
	if cfg != nil && cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	var rate float64
	if cfg != nil {
		rate = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		ops:    make(map[string]*opStats),
		window: window,
		rate:   rate,
		logger: logger,
		now:    time.Now,
	}
}

// RecordError records a failed operation and evaluates the error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	s := a.statsFor(operation)
	s.errors = append(s.errors, now)
	a.pruneLocked(s, now)
	a.checkLocked(operation, s)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.statsFor(operation)
	s.successes = append(s.successes, a.now())
	a.pruneLocked(s, a.now())
}

func (a *AnomalyDetector) statsFor(operation string) *opStats {
	s, ok := a.ops[operation]
	if !ok {
		s = &opStats{}
		a.ops[operation] = s
	}
	return s
}

// checkLocked logs when the windowed error rate crosses the threshold.
// A threshold of zero disables the check; fewer than minAnomalySamples
// outcomes is not enough signal. Caller holds a.mu.
func (a *AnomalyDetector) checkLocked(operation string, s *opStats) {
	if a.rate <= 0 {
		return
	}

	errs := float64(len(s.errors))
	total := errs + float64(len(s.successes))
	if total < minAnomalySamples {
		return
	}

	observed := errs / total
	if observed > a.rate && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", observed),
			slog.Float64("threshold", a.rate),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}

// pruneLocked drops outcomes older than the window. Caller holds a.mu.
func (a *AnomalyDetector) pruneLocked(s *opStats, now time.Time) {
	cutoff := now.Add(-a.window)
	s.errors = pruneBefore(s.errors, cutoff)
	s.successes = pruneBefore(s.successes, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		return ts[i:]
	}
	return ts
}
