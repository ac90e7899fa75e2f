// Package metrics exposes the relay's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenrelay_connected_producers",
		Help: "Desktop clients with a live socket on this instance.",
	})

	ConnectedViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenrelay_connected_viewers",
		Help: "Viewers with a live socket on this instance.",
	})

	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenrelay_frames_relayed_total",
		Help: "Frames fanned out to viewers, by delivery path.",
	}, []string{"path"}) // local | bus

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_frames_dropped_total",
		Help: "Frames dropped from viewer queues under backpressure.",
	})

	CommandsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_commands_enqueued_total",
		Help: "Commands accepted from viewers.",
	})

	CommandsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_commands_completed_total",
		Help: "Commands that reached completed.",
	})

	CommandsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_commands_failed_total",
		Help: "Commands that reached failed, including expiry.",
	})

	CommandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_commands_expired_total",
		Help: "Pending commands failed by the janitor TTL sweep.",
	})

	BusPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_bus_publish_errors_total",
		Help: "Realtime bus publishes that returned an error.",
	})

	ProducersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenrelay_producers_evicted_total",
		Help: "Producer sockets closed by the janitor heartbeat sweep.",
	})
)
