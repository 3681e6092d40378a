package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	defaultMinSamples    = 5
)

// AnomalyDetector raises a warning when the error rate of an operation
// (a tool set's backend) exceeds a threshold within a sliding window.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alarmed       map[string]bool
	threshold     float64
	minSamples    int
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = defaultAnomalyWindow
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultMinSamples
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alarmed:       make(map[string]bool),
		threshold:     cfg.ErrorRateThreshold,
		minSamples:    minSamples,
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, operation).add(now)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.successCounts, operation).add(now)
	a.checkErrorRate(operation, now)
}

// Alarmed reports whether operation is currently over its error threshold.
func (a *AnomalyDetector) Alarmed(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alarmed[operation]
}

// checkErrorRate logs once when an operation crosses the threshold and once
// when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	if a.threshold <= 0 {
		return
	}

	errors := a.getOrCreateWindow(a.errorCounts, operation).count(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).count(now)
	total := errors + successes
	if total < a.minSamples {
		return
	}

	rate := float64(errors) / float64(total)
	over := rate > a.threshold
	switch {
	case over && !a.alarmed[operation]:
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("errors", errors),
			slog.Int("total", total),
		)
	case !over && a.alarmed[operation]:
		a.logger.Info("error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
	a.alarmed[operation] = over
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

// add appends an event and prunes expired entries.
func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

// count returns the number of events within the window.
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
