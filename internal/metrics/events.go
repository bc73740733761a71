package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_events_ingested_total",
		Help: "Detection events accepted, by type",
	}, []string{"event_type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_events_rejected_total",
		Help: "Detection events rejected, by reason",
	}, []string{"reason"})

	FanoutErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_event_fanout_errors_total",
		Help: "Failed post-ingest deliveries by sink",
	}, []string{"sink"})
)
