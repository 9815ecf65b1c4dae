package presence

import "github.com/prometheus/client_golang/prometheus"

var (
	channelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "residenthub",
			Subsystem: "presence",
			Name:      "channels_open",
			Help:      "Number of building presence channels currently held by registries",
		},
	)
	listenersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "residenthub",
			Subsystem: "presence",
			Name:      "listeners",
			Help:      "Number of registered presence change listeners",
		},
	)
	droppedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "residenthub",
			Subsystem: "presence",
			Name:      "dropped_entries_total",
			Help:      "Presence entries dropped because their payload failed validation",
		},
	)
)

func init() {
	prometheus.MustRegister(channelsOpen, listenersActive, droppedEntries)
}
