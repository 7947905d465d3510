package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	ConnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_connect_attempts_total",
			Help: "Total number of tunnel connect attempts",
		},
	)

	ConnectFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_connect_failures_total",
			Help: "Total number of failed tunnel connect attempts",
		},
	)

	ConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_connect_duration_seconds",
			Help:    "Duration of successful connects (lease to verified egress)",
			Buckets: prometheus.DefBuckets,
		},
	)

	IPCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_ip_check_duration_seconds",
			Help:    "Duration of in-namespace egress IP checks",
			Buckets: prometheus.DefBuckets,
		},
	)

	IPCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_ip_check_failures_total",
			Help: "Total number of egress IP checks that returned no address",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_heartbeats_total",
			Help: "Total number of lease heartbeats sent to the hub",
		},
	)

	LeaseActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_lease_active",
			Help: "Whether this agent currently holds a dongle lease (1 = held)",
		},
	)

	// Toggle metrics
	TogglesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_toggles_total",
			Help: "Total number of exit-IP toggle requests by reason",
		},
		[]string{"reason"},
	)

	// Task metrics
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_total",
			Help: "Total number of executed tasks by outcome",
		},
		[]string{"outcome"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_task_duration_seconds",
			Help:    "Wall-clock duration of task subprocesses",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
		},
	)

	// Batch cycle metrics
	BatchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_batch_cycles_total",
			Help: "Total number of batch cycles by result (work, no_work, ip_check_failed)",
		},
		[]string{"result"},
	)

	NoWorkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_no_work_total",
			Help: "Total number of empty allocations by hub reason",
		},
		[]string{"reason"},
	)

	Score = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_score",
			Help: "Current exit-IP health score (success - blocked) since last toggle",
		},
	)

	SuccessSinceToggle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_success_since_toggle",
			Help: "Successful tasks accumulated since the last toggle",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectAttemptsTotal)
	prometheus.MustRegister(ConnectFailuresTotal)
	prometheus.MustRegister(ConnectDuration)
	prometheus.MustRegister(IPCheckDuration)
	prometheus.MustRegister(IPCheckFailuresTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(LeaseActive)
	prometheus.MustRegister(TogglesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(BatchCyclesTotal)
	prometheus.MustRegister(NoWorkTotal)
	prometheus.MustRegister(Score)
	prometheus.MustRegister(SuccessSinceToggle)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
