package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var relayed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of events relayed, by outbound event name",
	},
	[]string{"event"},
)
