package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	delivered       *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	dedupEvictions  prometheus.Counter
	inboxOverflow   prometheus.Counter
	subscriptions   prometheus.Gauge
	cycleDuration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		delivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_records_delivered_total",
				Help: "Delivery records appended to inboxes",
			},
			[]string{"path"}, // live, backfill or loopback
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_records_duplicate_total",
				Help: "Deliveries skipped because their fingerprint was already seen",
			},
			[]string{"path"},
		),
		dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_dropped_total",
				Help: "Relay messages dropped before delivery",
			},
			[]string{"reason"}, // decode, parse or verify
		),
		transportErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_transport_errors_total",
				Help: "Failed transport calls",
			},
			[]string{"op"},
		),
		dedupEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dedup_evictions_total",
				Help: "Fingerprints evicted from full dedup caches",
			},
		),
		inboxOverflow: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_inbox_overflow_total",
				Help: "Undelivered records dropped from full inboxes",
			},
		),
		subscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_subscriptions",
				Help: "Agents with a live subscription",
			},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_reconcile_cycle_seconds",
				Help:    "Duration of one reconciliation cycle",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),
	}
}
