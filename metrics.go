package syncmap

import "github.com/prometheus/client_golang/prometheus"

const (
	shapeSnapshot = "snapshot"
	shapeDelta    = "delta"
)

var PacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "authority",
	Name:      "packets_sent",
}, []string{"map", "shape"})

var BytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "authority",
	Name:      "bytes_sent",
}, []string{"map", "shape"})

var SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "authority",
	Name:      "send_failures",
}, []string{"map"})

var ChangeSetSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "syncmap",
	Subsystem: "authority",
	Name:      "change_set_size",
	Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
}, []string{"map"})

var PacketsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "replica",
	Name:      "packets_applied",
}, []string{"map", "shape"})

var DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "replica",
	Name:      "decode_failures",
}, []string{"map", "shape"})

// Collectors returns the package metrics for registration by the host.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PacketsSent, BytesSent, SendFailures, ChangeSetSize,
		PacketsApplied, DecodeFailures,
	}
}
