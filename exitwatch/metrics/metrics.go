// Package metrics declares the Prometheus collectors of the listener. They are
// registered with the default registry; serving them is up to the caller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitwatch_events_received_total",
			Help: "Supervisor events read and acknowledged, by event name",
		},
		[]string{"event"},
	)

	EventsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exitwatch_events_discarded_total",
			Help: "Supervisor events dropped because of an unusable header",
		},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exitwatch_alerts_emitted_total",
			Help: "Periodic alerts emitted, by status",
		},
		[]string{"status"},
	)

	ProcessesAlerting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "exitwatch_processes_alerting",
			Help: "Critical processes currently under alerting",
		},
	)

	Terminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exitwatch_terminations_total",
			Help: "Times the supervisor was told to terminate",
		},
	)

	HandshakeWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "exitwatch_handshake_write_errors_total",
			Help: "Failed writes of handshake tokens to the supervisor",
		},
	)
)
