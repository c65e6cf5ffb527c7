package protocol

import "github.com/prometheus/client_golang/prometheus"

var ConnsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "syncmap",
	Subsystem: "net",
	Name:      "connections_open",
})

var ConnBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "net",
	Name:      "bytes",
}, []string{"direction"})

var DialFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "syncmap",
	Subsystem: "net",
	Name:      "dial_failures",
})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ConnsOpen, ConnBytes, DialFailures}
}
