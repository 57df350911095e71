package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rmsnorm_kernel_launches_total",
		Help: "Total number of RMSNorm kernel launches",
	}, []string{"op"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rmsnorm_kernel_duration_seconds",
		Help:    "Time spent in RMSNorm kernel launches",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
	}, []string{"op"})

	kernelWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rmsnorm_kernel_workers",
		Help: "Workers used by the last launch after subtracting the SM margin",
	}, []string{"op"})
)

func observe(op string, workers int, start time.Time) {
	kernelLaunches.WithLabelValues(op).Inc()
	kernelDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	kernelWorkers.WithLabelValues(op).Set(float64(workers))
}
