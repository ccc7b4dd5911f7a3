// internal/utils/metrics/metrics.go
package metrics

import (
	"time"
)

// RecordProviderCall records one attempt against a provider endpoint.
func (c *Collector) RecordProviderCall(provider, endpoint, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.providerRequests.WithLabelValues(provider, endpoint, outcome).Inc()
	c.providerLatency.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// SetCredentialStates publishes the per-state credential counts of one provider.
func (c *Collector) SetCredentialStates(provider string, counts map[string]int) {
	if c == nil {
		return
	}
	for state, n := range counts {
		c.credentialState.WithLabelValues(provider, state).Set(float64(n))
	}
}

// StreamSessionTransition moves one session from one state gauge to another.
func (c *Collector) StreamSessionTransition(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.streamSessions.WithLabelValues(from).Dec()
	}
	c.streamSessions.WithLabelValues(to).Inc()
}

func (c *Collector) RecordSignal(source, action string) {
	if c == nil {
		return
	}
	c.signals.WithLabelValues(source, action).Inc()
}

func (c *Collector) RecordParseFailure(reason string) {
	if c == nil {
		return
	}
	c.parseFailures.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordRiskVerdict(verdict, reason string) {
	if c == nil {
		return
	}
	c.riskVerdicts.WithLabelValues(verdict, reason).Inc()
}

// RecordTrade records an executor outcome. duration is ignored when zero.
func (c *Collector) RecordTrade(action, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.trades.WithLabelValues(action, status).Inc()
	if duration > 0 {
		c.tradeDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

func (c *Collector) SetOpenPositions(n int) {
	if c == nil {
		return
	}
	c.openPositions.Set(float64(n))
}

func (c *Collector) AddRealizedPnL(sol float64) {
	if c == nil {
		return
	}
	c.realizedPnL.Add(sol)
}
