package tap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tap_events_received_total",
	Help: "Total number of events received from the tap channel",
})

var eventsAcked = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tap_events_acked_total",
	Help: "Total number of events acknowledged back to the relay",
})

var handlerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tap_handler_failures_total",
	Help: "Total number of handler invocations that returned an error (event left unacked)",
})

var reconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tap_reconnects_total",
	Help: "Total number of reconnect attempts after a connection loss",
})

var connState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tap_connection_state",
	Help: "Current connection state (0=disconnected, 1=connecting, 2=streaming)",
})
