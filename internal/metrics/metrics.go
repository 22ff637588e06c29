// Package metrics collects and exposes broker runtime observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (broker-wide counters) for a
//     lightweight JSON /metrics endpoint an admin CLI can poll without a
//     Prometheus scraper.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a single-broker deployment introspect itself without
// standing up a scrape target, while still supporting the Prometheus stack
// the rest of the pack assumes.
//
// # Concurrency — hot path
//
// Every Record* method uses atomic increments exclusively so the queue
// engine's dispatch path never blocks on a metrics lock.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects broker-wide counters.
type Metrics struct {
	PushesTotal       atomic.Int64
	PushesRejected    atomic.Int64
	DeliveriesOk      atomic.Int64
	DeliveriesFailed  atomic.Int64
	AckTimeoutsTotal  atomic.Int64
	CompactionsTotal  atomic.Int64

	TotalDispatchMs atomic.Int64
	DispatchCount   atomic.Int64
}

var startTime = time.Now()
var globalMetrics = &Metrics{}

// StartTime returns when the metrics package was initialized, used by the
// uptime gauge in prometheus.go.
func StartTime() time.Time { return startTime }

// Global returns the package-level Metrics instance.
func Global() *Metrics { return globalMetrics }

// RecordPushEvent records a producer push outcome in both the in-process
// counters and the Prometheus collectors.
func RecordPushEvent(queue string, ok bool, result string) {
	globalMetrics.PushesTotal.Add(1)
	if !ok {
		globalMetrics.PushesRejected.Add(1)
	}
	RecordPush(queue, result)
}

// RecordDeliveryOutcome records a resolved delivery in both stores.
func RecordDeliveryOutcome(queue, outcome string, ok bool) {
	if ok {
		globalMetrics.DeliveriesOk.Add(1)
	} else {
		globalMetrics.DeliveriesFailed.Add(1)
	}
	RecordDelivery(queue, outcome)
}

// RecordDispatch records one dispatch attempt's duration in both stores.
func RecordDispatch(queue, result string, durationMs float64) {
	globalMetrics.TotalDispatchMs.Add(int64(durationMs))
	globalMetrics.DispatchCount.Add(1)
	RecordDispatchDuration(queue, result, durationMs)
}

// RecordAckTimeoutEvent records an ack-deadline timeout in both stores.
func RecordAckTimeoutEvent(queue string) {
	globalMetrics.AckTimeoutsTotal.Add(1)
	RecordAckTimeout(queue)
}

// RecordCompactionEvent records a persistence compaction in both stores.
func RecordCompactionEvent(queue string) {
	globalMetrics.CompactionsTotal.Add(1)
	RecordCompaction(queue)
}

// Snapshot is the JSON-serializable view of the in-process counters.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	PushesTotal        int64   `json:"pushes_total"`
	PushesRejected     int64   `json:"pushes_rejected"`
	DeliveriesOk       int64   `json:"deliveries_ok"`
	DeliveriesFailed   int64   `json:"deliveries_failed"`
	AckTimeoutsTotal   int64   `json:"ack_timeouts_total"`
	CompactionsTotal   int64   `json:"compactions_total"`
	AvgDispatchMs      float64 `json:"avg_dispatch_ms"`
}

func (m *Metrics) snapshot() Snapshot {
	count := m.DispatchCount.Load()
	avg := 0.0
	if count > 0 {
		avg = float64(m.TotalDispatchMs.Load()) / float64(count)
	}
	return Snapshot{
		UptimeSeconds:    time.Since(startTime).Seconds(),
		PushesTotal:      m.PushesTotal.Load(),
		PushesRejected:   m.PushesRejected.Load(),
		DeliveriesOk:     m.DeliveriesOk.Load(),
		DeliveriesFailed: m.DeliveriesFailed.Load(),
		AckTimeoutsTotal: m.AckTimeoutsTotal.Load(),
		CompactionsTotal: m.CompactionsTotal.Load(),
		AvgDispatchMs:    avg,
	}
}

// JSONHandler serves the in-process Metrics as JSON, for admin tooling
// that does not want to run a Prometheus scraper.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(globalMetrics.snapshot())
	})
}
