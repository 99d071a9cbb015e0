package connection

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cloud_room"

type metrics struct {
	joins        *prometheus.CounterVec
	attempts     prometheus.Counter
	renewals     *prometheus.CounterVec
	state        prometheus.Gauge
	participants prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Room joins by the result.",
		}, []string{"result"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_attempts_total",
			Help:      "Room join attempts including the retries.",
		}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_renewals_total",
			Help:      "Session token renewals by the result.",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_participants",
			Help:      "Remote participants in the room.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.joins, m.attempts, m.renewals, m.state, m.participants)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "fail"
	}
	return "ok"
}
