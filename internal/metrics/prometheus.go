// Package metrics exposes Prometheus collectors for broker dispatch and
// delivery behavior: queue depth gauges, delivery counters, ack-timeout
// counters, and dispatch latency histograms. Shaped directly on the
// teacher's PrometheusMetrics wrapper -- one struct of collectors behind a
// package-level singleton, a namespaced InitPrometheus constructor, and a
// flat set of package functions that no-op before Init is called.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for broker observability.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	deliveriesTotal   *prometheus.CounterVec // queue, outcome: acknowledged/negative_ack/timed_out/canceled
	ackTimeoutsTotal  *prometheus.CounterVec // queue
	dispatchDuration  *prometheus.HistogramVec // queue, result
	pushesTotal       *prometheus.CounterVec // queue, result

	queueDepth        *prometheus.GaugeVec // queue
	subscriberCount   *prometheus.GaugeVec // queue
	uptime            prometheus.GaugeFunc
	compactionsTotal  *prometheus.CounterVec // queue
	instanceCount     prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Total resolved deliveries by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),

		ackTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ack_timeouts_total",
				Help:      "Total acknowledge-deadline timeouts by queue",
			},
			[]string{"queue"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_milliseconds",
				Help:      "Duration from BeginSend to EndSend in milliseconds",
				Buckets:   buckets,
			},
			[]string{"queue", "result"},
		),

		pushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Total producer pushes by queue and result",
			},
			[]string{"queue", "result"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current stored message count by queue",
			},
			[]string{"queue"},
		),

		subscriberCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriber_count",
				Help:      "Current subscriber count by queue",
			},
			[]string{"queue"},
		),

		compactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_compactions_total",
				Help:      "Total persistence file compactions by queue",
			},
			[]string{"queue"},
		),

		instanceCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_instances",
				Help:      "Number of known broker instances (local + synced presence)",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the broker process started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.deliveriesTotal,
		pm.ackTimeoutsTotal,
		pm.dispatchDuration,
		pm.pushesTotal,
		pm.queueDepth,
		pm.subscriberCount,
		pm.compactionsTotal,
		pm.instanceCount,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordDelivery records a resolved delivery outcome
// (acknowledged/negative_ack/responded/timed_out/canceled) for a queue.
func RecordDelivery(queue, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.deliveriesTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordAckTimeout records an acknowledge-deadline timeout for a queue.
func RecordAckTimeout(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.ackTimeoutsTotal.WithLabelValues(queue).Inc()
}

// RecordDispatchDuration records the BeginSend-to-EndSend duration for one
// dispatch attempt.
func RecordDispatchDuration(queue, result string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchDuration.WithLabelValues(queue, result).Observe(durationMs)
}

// RecordPush records a producer push and its result code.
func RecordPush(queue, result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.pushesTotal.WithLabelValues(queue, result).Inc()
}

// SetQueueDepth sets the current stored message count for a queue.
func SetQueueDepth(queue string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetSubscriberCount sets the current subscriber count for a queue.
func SetSubscriberCount(queue string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.subscriberCount.WithLabelValues(queue).Set(float64(count))
}

// RecordCompaction records a persistence-file compaction for a queue.
func RecordCompaction(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.compactionsTotal.WithLabelValues(queue).Inc()
}

// SetInstanceCount sets the known broker instance count.
func SetInstanceCount(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.instanceCount.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
