package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_operations_total",
			Help: "Total number of observed operations",
		},
		[]string{"component", "operation"},
	)

	OperationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_operations_failed_total",
			Help: "Total number of failed operations",
		},
		[]string{"component", "operation", "error_kind"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "engine_operation_duration_seconds",
			Help: "Duration of observed operations in seconds",
		},
		[]string{"component", "operation"},
	)

	MonitorDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_monitor_degraded",
			Help: "1 when the rolling window crosses a degradation threshold",
		},
	)
)
