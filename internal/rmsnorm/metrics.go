package rmsnorm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	layerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmsnorm_layer_calls_total",
		Help: "Completed RMSNorm layer calls by backend and direction",
	}, []string{"backend", "op"})

	layerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmsnorm_layer_errors_total",
		Help: "RMSNorm calls rejected before computation, by reason",
	}, []string{"reason"})
)
