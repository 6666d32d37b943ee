package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_api_requests_total", Help: "Enqueue API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_enqueue_total", Help: "Queue enqueue results"},
		[]string{"queue", "result"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_jobs_total", Help: "Job outcomes per queue"},
		[]string{"queue", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "callcast_job_duration_seconds", Help: "Job processing time"},
		[]string{"queue"},
	)
	FailureCategories = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_job_failures_total", Help: "Classified job failures"},
		[]string{"queue", "category"},
	)
	CallPlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_call_placements_total", Help: "Telephony placement outcomes"},
		[]string{"result"},
	)
	CallStatusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callcast_call_status_events_total", Help: "Provider status callbacks by call status"},
		[]string{"status"},
	)
)

// Job outcome label values.
const (
	OutcomeCompleted       = "completed"
	OutcomeRetried         = "retried"
	OutcomeFailedPermanent = "failed_permanent"
	OutcomeFailedExhausted = "failed_exhausted"
	OutcomeFailedStalled   = "failed_stalled"
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, JobsProcessed, JobDuration, FailureCategories, CallPlacements, CallStatusEvents)
}
