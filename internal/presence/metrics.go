package presence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_online_users",
			Help: "Number of user identities bound to a live connection",
		},
	)

	statusRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_status_records",
			Help: "Number of retained user status records, online and offline",
		},
	)

	reapedStatuses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_reaped_statuses_total",
			Help: "Total number of offline status records removed after retention",
		},
	)

	lastSeenFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_last_seen_failures_total",
			Help: "Total number of failed last-seen store updates",
		},
	)
)
