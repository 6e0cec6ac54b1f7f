package daemon

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "remoted",
			Subsystem: "daemon",
			Name:      "queue_depth",
			Help:      "Requests waiting in a device lane",
		},
		[]string{"device"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoted",
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Requests executed by the local daemon",
		},
		[]string{"kind", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remoted",
			Subsystem: "daemon",
			Name:      "request_duration_seconds",
			Help:      "Time from submission to completion",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, requestsTotal, requestDuration)
}

func deviceLabel(d int) string { return strconv.Itoa(d) }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
