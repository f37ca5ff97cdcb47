package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RawIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raw_messages_ingested_total",
			Help: "Raw Telegram messages persisted, by collector source",
		},
		[]string{"source"},
	)

	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extraction_jobs_claimed_total",
			Help: "Extraction jobs claimed by this process",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_jobs_completed_total",
			Help: "Extraction jobs reaching a terminal status",
		},
		[]string{"status"},
	)
	JobErrorKindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_job_errors_total",
			Help: "Job failures and skips by error kind",
		},
		[]string{"kind"},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extraction_jobs_in_flight",
			Help: "Jobs currently processing in this worker process",
		},
	)
	StaleRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extraction_jobs_stale_requeued_total",
			Help: "Processing jobs returned to pending by the stale sweep",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "extraction_queue_depth",
			Help: "Queue depth by job status",
		},
		[]string{"status"},
	)
	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extraction_queue_oldest_pending_age_seconds",
			Help: "Age of the oldest pending job",
		},
	)
	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_pool_utilization",
			Help: "Busy workers divided by pool size",
		},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "LLM extraction requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"model"},
	)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	EnrichStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_step_duration_seconds",
			Help:    "Enrichment pipeline step duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"step"},
	)
	GeocodeCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_cache_total",
			Help: "Geocode lookups by cache result",
		},
		[]string{"result"},
	)

	DeliveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Broadcast/DM/event delivery attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RawIngestedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobErrorKindsTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(StaleRequeuedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(OldestPendingAge)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(EnrichStepDuration)
	prometheus.MustRegister(GeocodeCacheTotal)
	prometheus.MustRegister(DeliveryTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func ClaimJobs(n int) {
	JobsClaimedTotal.Add(float64(n))
	JobsInFlight.Add(float64(n))
}

func CompleteJob(status string) {
	JobsInFlight.Dec()
	JobsCompletedTotal.WithLabelValues(status).Inc()
}

func ObserveErrorKind(kind string) {
	if kind != "" {
		JobErrorKindsTotal.WithLabelValues(kind).Inc()
	}
}

func ObserveDelivery(kind, outcome string) {
	DeliveryTotal.WithLabelValues(kind, outcome).Inc()
}

// SetQueueDepth publishes a queue counts snapshot.
func SetQueueDepth(pending, processing, done, failed, skipped int64) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("processing").Set(float64(processing))
	QueueDepth.WithLabelValues("done").Set(float64(done))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
	QueueDepth.WithLabelValues("skipped").Set(float64(skipped))
}
