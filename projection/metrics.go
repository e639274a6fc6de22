package projection

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	batches   *prometheus.CounterVec
	events    prometheus.Counter
	folded    prometheus.Counter
	durations prometheus.Histogram
}

func newMetrics(name string, reg prometheus.Registerer) *metrics {
	labels := prometheus.Labels{"projection": name}

	m := &metrics{
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "projection",
				Name:        "batches_total",
				Help:        "Total number of applied batches by result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		events: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "projection",
				Name:        "events_total",
				Help:        "Total number of events in successfully applied batches",
				ConstLabels: labels,
			},
		),
		folded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   "projection",
				Name:        "aggregates_folded_total",
				Help:        "Total number of aggregate snapshots written",
				ConstLabels: labels,
			},
		),
		durations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   "projection",
				Name:        "batch_duration_seconds",
				Help:        "Batch apply duration in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.batches, m.events, m.folded, m.durations)
	}

	return m
}

func (m *metrics) observe(start time.Time, events, folded int, err error) {
	m.durations.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		m.batches.WithLabelValues("ok").Inc()
		m.events.Add(float64(events))
		m.folded.Add(float64(folded))
	case errors.Is(err, ErrIntegrity):
		m.batches.WithLabelValues("integrity").Inc()
	default:
		m.batches.WithLabelValues("retryable").Inc()
	}
}
