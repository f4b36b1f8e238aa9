package preview

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry for cache lookups and generations.
type Observer interface {
	RecordLookup(origin string)
	RecordGeneration(duration time.Duration, err error)
	RecordSuppressed()
}

type nopObserver struct{}

func (nopObserver) RecordLookup(string)                   {}
func (nopObserver) RecordGeneration(time.Duration, error) {}
func (nopObserver) RecordSuppressed()                     {}

// PrometheusObserver exports cache metrics to Prometheus.
type PrometheusObserver struct {
	lookups    *prometheus.CounterVec
	duration   prometheus.Histogram
	failures   prometheus.Counter
	suppressed prometheus.Counter
}

// NewPrometheusObserver registers the preview cache metrics on reg. A nil reg
// uses the default registerer.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "diary_preview"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Preview resolutions by origin (memory, disk, engine).",
		}, []string{"origin"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of preview generations through the render engine.",
			Buckets:   prometheus.DefBuckets,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Preview generations that ended without an artifact.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_publishes_total",
			Help:      "Generations whose result was dropped because the record changed meanwhile.",
		}),
	}

	if err := reg.Register(o.lookups); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register lookups counter: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("register lookups counter: %w", err)
		}
		o.lookups = existing
	}
	if err := reg.Register(o.duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("register generation histogram: %w", err)
		}
		existing, ok := are.ExistingCollector.(prometheus.Histogram)
		if !ok {
			return nil, fmt.Errorf("register generation histogram: %w", err)
		}
		o.duration = existing
	}
	for _, c := range []*prometheus.Counter{&o.failures, &o.suppressed} {
		if err := reg.Register(*c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, fmt.Errorf("register preview counter: %w", err)
			}
			existing, ok := are.ExistingCollector.(prometheus.Counter)
			if !ok {
				return nil, fmt.Errorf("register preview counter: %w", err)
			}
			*c = existing
		}
	}
	return o, nil
}

func (o *PrometheusObserver) RecordLookup(origin string) {
	if o == nil {
		return
	}
	o.lookups.WithLabelValues(origin).Inc()
}

func (o *PrometheusObserver) RecordGeneration(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.duration.Observe(duration.Seconds())
	if err != nil {
		o.failures.Inc()
	}
}

func (o *PrometheusObserver) RecordSuppressed() {
	if o == nil {
		return
	}
	o.suppressed.Inc()
}

var _ Observer = (*PrometheusObserver)(nil)
