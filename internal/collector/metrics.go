package collector

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collector's Prometheus instruments. A Metrics that is
// never registered still works; its values are simply not exported.
type Metrics struct {
	FilesTracked  prometheus.Gauge
	Notifications *prometheus.CounterVec
	Lines         prometheus.Counter
	BytesRead     prometheus.Counter
	FileErrors    prometheus.Counter
}

// Notification kinds used as the "kind" label.
const (
	kindRoot     = "root"
	kindAppend   = "append"
	kindTruncate = "truncate"
	kindStale    = "stale"
)

// NewMetrics allocates the collector instruments.
func NewMetrics() *Metrics {
	return &Metrics{
		FilesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "podtail_files_tracked",
			Help: "Number of distinct files currently being tailed.",
		}),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podtail_notifications_total",
				Help: "Backend notifications processed, by classification.",
			},
			[]string{"kind"},
		),
		Lines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_lines_total",
			Help: "Log entries emitted, counting one per alias.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_bytes_read_total",
			Help: "Bytes read from tailed files.",
		}),
		FileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podtail_file_errors_total",
			Help: "Per-file I/O failures that caused a file to be dropped or skipped.",
		}),
	}
}

// Register adds every instrument to reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.FilesTracked,
		m.Notifications,
		m.Lines,
		m.BytesRead,
		m.FileErrors,
	)
}
