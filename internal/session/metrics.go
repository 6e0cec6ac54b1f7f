package session

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoted",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Remote calls by device and outcome",
		},
		[]string{"device", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remoted",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Round trip of remote calls, excluding queueing",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device"},
	)

	startsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoted",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Session start attempts by outcome",
		},
		[]string{"outcome"},
	)

	readySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remoted",
			Subsystem: "session",
			Name:      "ready",
			Help:      "Sessions currently ready",
		},
	)
)

func init() {
	prometheus.MustRegister(callsTotal, callDuration, startsTotal, readySessions)
}

func deviceLabel(d int) string { return strconv.Itoa(d) }
