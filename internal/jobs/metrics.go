package jobs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "reviewrelay"
	metricsSubsystem = "jobs"
)

type jobMetrics struct {
	enqueued    prometheus.Counter
	dropped     prometheus.Counter
	processed   *prometheus.CounterVec
	redelivered prometheus.Counter
}

var (
	defaultJobMetricsOnce sync.Once
	defaultJobMetricsInst *jobMetrics
)

func getDefaultJobMetrics() *jobMetrics {
	defaultJobMetricsOnce.Do(func() {
		defaultJobMetricsInst = newJobMetrics(prometheus.DefaultRegisterer)
	})
	return defaultJobMetricsInst
}

func newJobMetrics(reg prometheus.Registerer) *jobMetrics {
	m := &jobMetrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_enqueued_total",
			Help:      "Total number of webhook events enqueued for processing.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of enqueue attempts rejected by a full queue.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_processed_total",
			Help:      "Total number of webhook events processed by outcome.",
		}, []string{"event_type", "outcome"}),
		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_redelivered_total",
			Help:      "Total number of unprocessed events re-enqueued by the scheduler.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.dropped, m.processed, m.redelivered)
	}
	return m
}

func (m *jobMetrics) observeEnqueued() {
	if m != nil {
		m.enqueued.Inc()
	}
}

func (m *jobMetrics) observeDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *jobMetrics) observeProcessed(eventType, outcome string) {
	if m != nil {
		m.processed.WithLabelValues(eventType, outcome).Inc()
	}
}

func (m *jobMetrics) observeRedelivered(n int) {
	if m != nil && n > 0 {
		m.redelivered.Add(float64(n))
	}
}
