package remote

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "reviewrelay"
	metricsSubsystem = "remote"
)

type callMetrics struct {
	callTotal    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	retryTotal   *prometheus.CounterVec
}

var (
	defaultCallMetricsOnce sync.Once
	defaultCallMetricsInst *callMetrics
)

func getDefaultCallMetrics() *callMetrics {
	defaultCallMetricsOnce.Do(func() {
		defaultCallMetricsInst = newCallMetrics(prometheus.DefaultRegisterer)
	})
	return defaultCallMetricsInst
}

func newCallMetrics(reg prometheus.Registerer) *callMetrics {
	m := &callMetrics{
		callTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "calls_total",
			Help:      "Total number of outbound API calls.",
		}, []string{"method", "path", "status_class"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_duration_seconds",
			Help:      "Outbound API call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status_class"}),
		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_errors_total",
			Help:      "Total number of outbound API calls that failed.",
		}, []string{"method", "path", "reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per host (0 closed, 1 half-open, 2 open).",
		}, []string{"host"}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "retries_total",
			Help:      "Total number of outbound call retries.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.callTotal, m.callDuration, m.callErrors, m.breakerState, m.retryTotal)
	}
	return m
}

func (m *callMetrics) observeCall(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	class := statusClass(status)
	m.callTotal.WithLabelValues(method, path, class).Inc()
	m.callDuration.WithLabelValues(method, path, class).Observe(elapsed.Seconds())
}

func (m *callMetrics) observeError(method, path, reason string) {
	if m == nil {
		return
	}
	m.callErrors.WithLabelValues(method, path, reason).Inc()
}

func (m *callMetrics) observeRetry(reason string) {
	if m == nil {
		return
	}
	m.retryTotal.WithLabelValues(reason).Inc()
}

func (m *callMetrics) observeBreakerState(host, state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case stateHalfOpen:
		value = 1
	case stateOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(host).Set(value)
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
