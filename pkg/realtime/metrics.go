package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the hub. A nil *Metrics records nothing.
type Metrics struct {
	subscriptions prometheus.Gauge
	published     *prometheus.CounterVec
	delivered     prometheus.Counter
	dropped       prometheus.Counter
}

// NewMetrics creates hub collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lemma",
			Subsystem: "realtime",
			Name:      "subscriptions",
			Help:      "Active realtime subscriptions",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "realtime",
			Name:      "published_total",
			Help:      "Messages published to the hub by type",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "realtime",
			Name:      "delivered_total",
			Help:      "Messages handed to subscriber buffers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lemma",
			Subsystem: "realtime",
			Name:      "evicted_total",
			Help:      "Subscribers evicted because their buffer was full",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.subscriptions, m.published, m.delivered, m.dropped)
	}
	return m
}

func (m *Metrics) subscribed(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *Metrics) publish(kind string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
	m.delivered.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}
