package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devicehub_devices",
		Help: "Registered devices by status",
	}, []string{"status"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_probes_total",
		Help: "Liveness probes by protocol and resulting status",
	}, []string{"protocol", "status"})

	ProbeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicehub_probe_queue_depth",
		Help: "Devices waiting for a liveness probe",
	})

	AdapterErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devicehub_adapter_errors_total",
		Help: "Adapter failures by protocol, operation and kind",
	}, []string{"protocol", "op", "kind"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devicehub_connect_breaker_open",
		Help: "1 while the per-device connect breaker is open",
	}, []string{"device_id"})
)
