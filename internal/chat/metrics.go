package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "residenthub",
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted by chat sessions",
		},
	)
	sendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "residenthub",
			Subsystem: "chat",
			Name:      "send_failures_total",
			Help:      "Messages rejected by the store",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "residenthub",
			Subsystem: "chat",
			Name:      "sessions_active",
			Help:      "Number of started chat sessions not yet closed",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesSent, sendFailures, sessionsActive)
}
