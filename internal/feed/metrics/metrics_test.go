package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Registration(t *testing.T) {
	for _, c := range []prometheus.Collector{
		BatchesFetched, EventsDelivered, DispatchLatency, LoopErrors, Stops,
		Running, Restarts, CheckpointsSaved, CheckpointErrors, EventsPublished, PublishErrors,
	} {
		assert.NotNil(t, c)
		// Registered in init; registering again must collide.
		err := prometheus.Register(c)
		var are prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &are)
	}
}

func TestMetrics_Usage(t *testing.T) {
	EventsDelivered.WithLabelValues("metrics-test", "insert").Add(3)
	Running.WithLabelValues("metrics-test").Set(1)
	DispatchLatency.WithLabelValues("metrics-test").Observe(0.01)
	Stops.WithLabelValues("metrics-test", "cancelled").Inc()

	ch := make(chan prometheus.Metric, 100)
	EventsDelivered.Collect(ch)
	assert.NotEmpty(t, ch)
}
