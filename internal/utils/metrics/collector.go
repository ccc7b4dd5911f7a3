// internal/utils/metrics/collector.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dsf"

// Collector owns every Prometheus series the pipeline exports.
// A nil *Collector is valid and records nothing.
type Collector struct {
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	credentialState  *prometheus.GaugeVec
	streamSessions   *prometheus.GaugeVec
	signals          *prometheus.CounterVec
	parseFailures    *prometheus.CounterVec
	riskVerdicts     *prometheus.CounterVec
	trades           *prometheus.CounterVec
	tradeDuration    *prometheus.HistogramVec
	openPositions    prometheus.Gauge
	realizedPnL      prometheus.Gauge
}

// NewCollector creates the series and registers them with reg.
// Passing nil registers with the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider calls by provider, endpoint and outcome",
		}, []string{"provider", "endpoint", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
		credentialState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials",
			Help:      "Credentials per provider and state",
		}, []string{"provider", "state"}),
		streamSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_sessions",
			Help:      "Hunter sessions per state",
		}, []string{"state"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals emitted by source and action",
		}, []string{"source", "action"}),
		parseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Payloads dropped by the parser",
		}, []string{"reason"}),
		riskVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_verdicts_total",
			Help:      "Risk verdicts by verdict and first reason",
		}, []string{"verdict", "reason"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Executor outcomes by action and status",
		}, []string{"action", "status"}),
		tradeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Quote to confirmation duration",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"action"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Positions currently open or closing",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_sol",
			Help:      "Realized PnL in SOL since start",
		}),
	}

	reg.MustRegister(
		c.providerRequests,
		c.providerLatency,
		c.credentialState,
		c.streamSessions,
		c.signals,
		c.parseFailures,
		c.riskVerdicts,
		c.trades,
		c.tradeDuration,
		c.openPositions,
		c.realizedPnL,
	)
	return c
}

// Reset clears all label sets. Useful in tests.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	for _, v := range []interface{ Reset() }{
		c.providerRequests, c.providerLatency, c.credentialState,
		c.streamSessions, c.signals, c.parseFailures,
		c.riskVerdicts, c.trades, c.tradeDuration,
	} {
		v.Reset()
	}
	c.openPositions.Set(0)
	c.realizedPnL.Set(0)
}
