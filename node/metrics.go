package node

import (
	"github.com/drpcorg/syncmap"
	"github.com/drpcorg/syncmap/protocol"
	"github.com/drpcorg/syncmap/routing"
	"github.com/prometheus/client_golang/prometheus"
)

var PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "syncmap",
	Subsystem: "node",
	Name:      "peers_connected",
})

var PacketsApplied = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "node",
	Name:      "packets_applied",
})

var TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "syncmap",
	Subsystem: "node",
	Name:      "tick_duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
})

// Collectors returns the metrics of the node and the packages it drives.
func Collectors() []prometheus.Collector {
	cs := []prometheus.Collector{PeersConnected, PacketsApplied, TickDuration}
	cs = append(cs, syncmap.Collectors()...)
	cs = append(cs, routing.Collectors()...)
	return append(cs, protocol.Collectors()...)
}
