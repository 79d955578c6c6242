package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	workersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskqueue_workers_total",
		Help: "Number of workers consuming the queue",
	}, []string{"queue"})

	workersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskqueue_workers_active",
		Help: "Number of workers currently running the handler",
	}, []string{"queue"})

	processedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diskqueue_worker_processed_total",
		Help: "Total number of elements handled successfully",
	}, []string{"queue"})

	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diskqueue_worker_failed_total",
		Help: "Total number of retryable handler failures",
	}, []string{"queue"})

	requeuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diskqueue_worker_requeued_total",
		Help: "Total number of failed elements offered back to the queue",
	}, []string{"queue"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diskqueue_worker_dropped_total",
		Help: "Total number of elements dropped after a permanent failure or a failed re-queue",
	}, []string{"queue"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diskqueue_worker_handle_duration_seconds",
		Help:    "Time spent in the handler per element",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(workersTotal)
	prometheus.MustRegister(workersActive)
	prometheus.MustRegister(processedTotal)
	prometheus.MustRegister(failedTotal)
	prometheus.MustRegister(requeuedTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(handleDuration)
}
