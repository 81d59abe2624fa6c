// Package metrics counts frames, outcomes and failures for one worker process. The worker has no
// network listener, so the registry is written out in the node_exporter textfile format on exit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "facewatch"

// Collector is safe to use as a nil pointer; every method is then a no-op.
type Collector struct {
	reg     *prometheus.Registry
	frames  *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		reg: reg,
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames answered, by pixel format and outcome.",
		}, []string{"format", "outcome"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames that failed, by error kind.",
		}, []string{"kind"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detect_duration_seconds",
			Help:      "Time spent in the detection backend per frame.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

func (c *Collector) ObserveFrame(format, outcome string, detect time.Duration) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(format, outcome).Inc()
	c.latency.Observe(detect.Seconds())
}

func (c *Collector) ObserveError(kind string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
}

// Frames returns the counter for one label pair; used by tests and the replay summary.
func (c *Collector) Frames(format, outcome string) prometheus.Counter {
	return c.frames.WithLabelValues(format, outcome)
}

func (c *Collector) Errors(kind string) prometheus.Counter {
	return c.errors.WithLabelValues(kind)
}

// WriteTextfile dumps the registry atomically to path.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.reg)
}
