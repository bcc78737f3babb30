package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Feed
	BatchesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_batches_fetched_total",
		Help: "The total number of batches fetched from the change feed",
	}, []string{"watcher"})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_events_delivered_total",
		Help: "The total number of change events delivered to subscribers",
	}, []string{"watcher", "operation"})

	DispatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "changefeed_dispatch_latency_seconds",
		Help: "The time spent delivering one batch to all subscribers",
	}, []string{"watcher"})

	// Lifecycle
	LoopErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_loop_errors_total",
		Help: "The total number of errors that stopped a watch loop",
	}, []string{"watcher", "kind"})

	Stops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_stops_total",
		Help: "The total number of watch loop stops",
	}, []string{"watcher", "reason"})

	Running = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "changefeed_running",
		Help: "Whether the watch loop is running (1) or not (0)",
	}, []string{"watcher"})

	Restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_restarts_total",
		Help: "The total number of supervised restarts",
	}, []string{"watcher"})

	// Checkpoints
	CheckpointsSaved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_checkpoints_saved_total",
		Help: "The total number of resume positions saved",
	}, []string{"watcher"})

	CheckpointErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_checkpoint_errors_total",
		Help: "The total number of checkpoint errors",
	}, []string{"watcher"})

	// Relay
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_events_published_total",
		Help: "The total number of events published to the relay stream",
	}, []string{"stream"})

	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changefeed_publish_errors_total",
		Help: "The total number of relay publish errors",
	}, []string{"stream"})
)

func init() {
	prometheus.MustRegister(BatchesFetched)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(LoopErrors)
	prometheus.MustRegister(Stops)
	prometheus.MustRegister(Running)
	prometheus.MustRegister(Restarts)
	prometheus.MustRegister(CheckpointsSaved)
	prometheus.MustRegister(CheckpointErrors)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(PublishErrors)
}
