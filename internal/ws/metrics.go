package ws

import "github.com/prometheus/client_golang/prometheus"

// Metrics of the push channel.
type Metrics struct {
	Connections prometheus.Gauge
	OnlineUsers prometheus.Gauge
	Messages    prometheus.Counter
	Dropped     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexum",
			Name:      "ws_connections",
			Help:      "Open websocket connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexum",
			Name:      "online_users",
			Help:      "Users with at least one logged in connection.",
		}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexum",
			Name:      "messages_total",
			Help:      "Messages accepted and stored.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexum",
			Name:      "events_dropped_total",
			Help:      "Events dropped, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.OnlineUsers, m.Messages, m.Dropped)
	}
	return m
}
