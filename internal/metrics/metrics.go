// Package metrics exposes acquisition metrics to Prometheus.
package metrics

import (
	"sync"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type collector struct {
	cycles        prometheus.Counter
	overruns      prometheus.Counter
	cycleDuration prometheus.Histogram
	samples       *prometheus.CounterVec
	failures      *prometheus.CounterVec
	connects      *prometheus.CounterVec
	sessions      *prometheus.GaugeVec
	dropped       prometheus.Gauge

	mu sync.Mutex
}

// No-op implementation
type noopRecorder struct{}

var (
	global     *collector
	globalOnce sync.Once
)

// NewService returns the recorder for cfg. Disabled metrics get a no-op
// recorder.
func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If metrics is disabled, return a no-op recorder
	if !cfg.Enabled {
		logger.Debug().Msg("Metrics disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	logger.Debug().
		Str("addr", cfg.Addr).
		Msg("Metrics service initialized successfully")

	return register(), nil
}

// register creates the process-wide collectors on first use; the default
// registry refuses duplicates.
func register() *collector {
	globalOnce.Do(func() {
		global = &collector{
			cycles: promauto.NewCounter(prometheus.CounterOpts{
				Name: "battmon_cycles_total",
				Help: "Acquisition cycles run",
			}),
			overruns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "battmon_cycle_overruns_total",
				Help: "Cycles skipped because the previous one was still running",
			}),
			cycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "battmon_cycle_duration_seconds",
				Help:    "Acquisition cycle duration",
				Buckets: prometheus.DefBuckets,
			}),
			samples: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "battmon_samples_total",
				Help: "Samples handed to the history store by outcome",
			}, []string{"target", "outcome"}),
			failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "battmon_acquisition_failures_total",
				Help: "Failed acquisitions by error code",
			}, []string{"target", "code"}),
			connects: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "battmon_connect_failures_total",
				Help: "Failed device connects by backend and error code",
			}, []string{"backend", "code"}),
			sessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "battmon_device_sessions",
				Help: "Device sessions by state",
			}, []string{"state"}),
			dropped: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "battmon_device_events_dropped",
				Help: "Discovery events dropped because the queue was full",
			}),
		}
	})

	return global
}

func (c *collector) CycleCompleted(d time.Duration) {
	c.cycles.Inc()
	c.cycleDuration.Observe(d.Seconds())
}

func (c *collector) CycleOverrun() {
	c.overruns.Inc()
}

func (c *collector) SampleStored(target string) {
	c.samples.WithLabelValues(target, "stored").Inc()
}

func (c *collector) SampleDuplicate(target string) {
	c.samples.WithLabelValues(target, "duplicate").Inc()
}

func (c *collector) AcquisitionFailed(target, code string) {
	c.failures.WithLabelValues(target, code).Inc()
}

func (c *collector) ConnectFailed(backend, code string) {
	c.connects.WithLabelValues(backend, code).Inc()
}

func (c *collector) SessionStates(counts map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions.Reset()
	for state, n := range counts {
		c.sessions.WithLabelValues(state).Set(float64(n))
	}
}

func (c *collector) EventsDropped(total uint64) {
	c.dropped.Set(float64(total))
}

func (noopRecorder) CycleCompleted(time.Duration)     {}
func (noopRecorder) CycleOverrun()                    {}
func (noopRecorder) SampleStored(string)              {}
func (noopRecorder) SampleDuplicate(string)           {}
func (noopRecorder) AcquisitionFailed(string, string) {}
func (noopRecorder) ConnectFailed(string, string)     {}
func (noopRecorder) SessionStates(map[string]int)     {}
func (noopRecorder) EventsDropped(uint64)             {}

// Noop returns a recorder that discards everything.
func Noop() Recorder {
	return noopRecorder{}
}
