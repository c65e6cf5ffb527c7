package routing

import "github.com/prometheus/client_golang/prometheus"

var PacketsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "routing",
	Name:      "packets_routed",
}, []string{"kind"})

var PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "routing",
	Name:      "packets_dropped",
}, []string{"reason"})

var InboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "syncmap",
	Subsystem: "routing",
	Name:      "inbox_depth",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{PacketsRouted, PacketsDropped, InboxDepth}
}
