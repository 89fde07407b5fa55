package delivery

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/alertmail/internal/spool"
)

// Metrics holds Prometheus metrics for deliveries and the upload spool.
type Metrics struct {
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec
	DeliveryRecipients    prometheus.Histogram
	ResolutionsTotal      *prometheus.CounterVec
	ProbesTotal           *prometheus.CounterVec
	SpoolBytes            prometheus.Histogram
	SpoolReleaseFailTotal prometheus.Counter
}

// NewMetrics registers and returns delivery metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertmail_deliveries_total",
			Help: "Total delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertmail_delivery_duration_seconds",
			Help:    "Duration of SMTP transactions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"outcome"}),
		DeliveryRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertmail_delivery_recipients",
			Help:    "Recipients per delivery attempt.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		ResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertmail_resolutions_total",
			Help: "Recipient resolutions by source (rule, override, no_match).",
		}, []string{"result"}),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertmail_probes_total",
			Help: "SMTP probe messages by result.",
		}, []string{"result"}),
		SpoolBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertmail_spool_bytes",
			Help:    "Size of spooled uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9), // 1KiB .. 64MiB
		}),
		SpoolReleaseFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertmail_spool_release_failures_total",
			Help: "Spool files that could not be removed.",
		}),
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.DeliveryRecipients,
		m.ResolutionsTotal,
		m.ProbesTotal,
		m.SpoolBytes,
		m.SpoolReleaseFailTotal,
	)

	return m
}

// Hooks returns service Hooks that update the delivery metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnResolve: func(result string) {
			m.ResolutionsTotal.WithLabelValues(result).Inc()
		},
		OnDelivery: func(outcome string, duration float64, recipients int) {
			m.DeliveriesTotal.WithLabelValues(outcome).Inc()
			m.DeliveryDuration.WithLabelValues(outcome).Observe(duration)
			m.DeliveryRecipients.Observe(float64(recipients))
		},
		OnProbe: func(err error) {
			result := "success"
			if err != nil {
				result = "error"
			}
			m.ProbesTotal.WithLabelValues(result).Inc()
		},
	}
}

// SpoolHooks returns spool Hooks that update the spool metrics.
func (m *Metrics) SpoolHooks() spool.Hooks {
	return spool.Hooks{
		OnSave: func(bytes int64) {
			m.SpoolBytes.Observe(float64(bytes))
		},
		OnRelease: func(err error) {
			if err != nil {
				m.SpoolReleaseFailTotal.Inc()
			}
		},
	}
}
