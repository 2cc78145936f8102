// Package metrics exposes the facilitator's Prometheus instruments per
// spec §6's minimum metric set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the facilitator updates on each
// verify/settle call. Construct once with New and register it against
// whichever prometheus.Registerer the HTTP surface exposes at
// GET /metrics.
type Metrics struct {
	startedAt time.Time

	Uptime prometheus.GaugeFunc

	VerificationsTotal    *prometheus.CounterVec
	VerificationLatencyMs prometheus.Histogram

	SettlementsTotal    *prometheus.CounterVec
	SettlementLatencyMs prometheus.Histogram

	GasUsedTotal prometheus.Counter

	NonceCacheSize       prometheus.GaugeFunc
	ReplayAttacksBlocked prometheus.GaugeFunc
}

// Gauges is the set of live values New's GaugeFunc instruments poll on
// every /metrics scrape, so the facilitator server doesn't need to
// push updates into the registry on every request.
type Gauges struct {
	NonceCacheSize       func() float64
	ReplayAttacksBlocked func() float64
}

// New registers every instrument against reg and returns the handle
// used to record observations.
func New(reg prometheus.Registerer, gauges Gauges) *Metrics {
	startedAt := time.Now()

	m := &Metrics{
		startedAt: startedAt,
		Uptime: promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "x402_uptime_seconds",
			Help: "Seconds since the facilitator process started.",
		}, func() float64 { return time.Since(startedAt).Seconds() }),

		VerificationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "x402_verifications_total",
			Help: "Total verify calls, partitioned by result.",
		}, []string{"result"}),

		VerificationLatencyMs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "x402_verification_latency_ms",
			Help:    "Verify call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		SettlementsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "x402_settlements_total",
			Help: "Total settle calls, partitioned by result.",
		}, []string{"result"}),

		SettlementLatencyMs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "x402_settlement_latency_ms",
			Help:    "Settle call latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 18),
		}),

		GasUsedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "x402_gas_used_total",
			Help: "Cumulative gas used by settlement transactions that reached the chain, reverted ones included.",
		}),
	}

	if gauges.NonceCacheSize != nil {
		m.NonceCacheSize = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "x402_nonce_cache_size",
			Help: "Current number of entries tracked in the nonce cache.",
		}, gauges.NonceCacheSize)
	}
	if gauges.ReplayAttacksBlocked != nil {
		m.ReplayAttacksBlocked = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "x402_replay_attacks_blocked",
			Help: "Cumulative count of replayed nonces rejected by the verifier.",
		}, gauges.ReplayAttacksBlocked)
	}

	return m
}

// RecordVerification records one verify call's outcome and latency.
func (m *Metrics) RecordVerification(success bool, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
	m.VerificationLatencyMs.Observe(float64(latency.Milliseconds()))
}

// RecordSettlement records one settle call's outcome, latency, and the
// gas it consumed (0 if it never reached the chain).
func (m *Metrics) RecordSettlement(success bool, latency time.Duration, gasUsed uint64) {
	result := "failure"
	if success {
		result = "success"
	}
	m.SettlementsTotal.WithLabelValues(result).Inc()
	m.SettlementLatencyMs.Observe(float64(latency.Milliseconds()))
	if gasUsed > 0 {
		m.GasUsedTotal.Add(float64(gasUsed))
	}
}
