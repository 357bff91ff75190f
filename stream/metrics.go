package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyrod_streams_active",
		Help: "Number of stream-registry entries currently tracked.",
	})
	streamsLingering = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyrod_streams_lingering",
		Help: "Number of stream-registry entries currently lingering (unbound from a connection).",
	})
)

// NewWithMetrics returns a Registry wired to the package's prometheus
// gauges, for use outside tests.
func NewWithMetrics(lifetime, linger time.Duration) *Registry {
	r := New(lifetime, linger)
	r.SetGauges(streamsActive, streamsLingering)
	return r
}
