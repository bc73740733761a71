package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicehub_sessions_active",
		Help: "Stream sessions currently in the active state",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_session_transitions_total",
		Help: "Session state machine transitions",
	}, []string{"from", "to"})

	ConnectLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devicehub_connect_latency_seconds",
		Help:    "Time spent in adapter Connect",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"protocol", "result"})
)
