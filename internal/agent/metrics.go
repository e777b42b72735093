package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the agent's Prometheus instruments.
type Metrics struct {
	EntriesCollected prometheus.Counter
	EntriesForwarded prometheus.Counter
	ForwardFailures  prometheus.Counter
}

// NewMetrics allocates the agent instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		EntriesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_entries_collected_total",
			Help: "Log entries received from the source.",
		}),
		EntriesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_entries_forwarded_total",
			Help: "Log entries written to the sink.",
		}),
		ForwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_forward_failures_total",
			Help: "Failed spool or sink writes.",
		}),
	}
}

// Register adds every instrument to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.EntriesCollected, m.EntriesForwarded, m.ForwardFailures)
}
