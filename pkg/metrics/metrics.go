// Package metrics exposes the scheduler's Prometheus counters, gauges, and
// histograms: queue depth by bucket, assignments, result outcomes,
// and wait-time/run-duration distributions. Every scheduler component
// records through these package-level collectors rather than constructing
// its own, so /metrics always reflects the live registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueItemsTotal counts every item ever enqueued, by bucket. It
	// never decreases; QueueDepth tracks the current size.
	QueueItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_items_total",
		Help: "Total queue items enqueued, by bucket.",
	}, []string{"bucket"})

	// QueueDepth is the current number of items in bucket bucket,
	// refreshed by the Lifecycle Supervisor's periodic tick.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of queue items, by bucket.",
	}, []string{"bucket"})

	// AssignmentsTotal counts successful pop+reserve operations, by
	// worker id.
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assignments_total",
		Help: "Total assignments handed to workers.",
	}, []string{"worker"})

	// NoWorkTotal counts assignment requests that found nothing eligible
	// to pop.
	NoWorkTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "no_work_total",
		Help: "Total assignment requests that returned no-work.",
	})

	// ResultsTotal counts worker reports ingested, by result code.
	ResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "results_total",
		Help: "Total runs ingested, by result_code.",
	}, []string{"result_code"})

	// LeaseExpiriesTotal counts reservations the Lifecycle Supervisor
	// revoked because the worker never reported within the lease.
	LeaseExpiriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lease_expiries_total",
		Help: "Total reservations revoked for lease expiry.",
	})

	// RateLimitedTotal counts candidates skipped at pop time because
	// their publish-policy rate-limit bucket was saturated.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_total",
		Help: "Total candidates skipped due to rate-limit saturation, by bucket.",
	}, []string{"rate_limit_bucket"})

	// QueueWaitSeconds is the time between enqueue and pop, by bucket.
	QueueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_wait_seconds",
		Help:    "Time an item spent queued before assignment, by bucket.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~9h
	}, []string{"bucket"})

	// RunDurationSeconds is the wall-clock duration of ingested runs, by
	// campaign.
	RunDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "run_duration_seconds",
		Help:    "Run duration (finish_time - start_time), by campaign.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 20),
	}, []string{"campaign"})
)

func RecordEnqueue(bucket string) {
	QueueItemsTotal.WithLabelValues(bucket).Inc()
}

func RecordAssignment(worker string) {
	AssignmentsTotal.WithLabelValues(worker).Inc()
}

func RecordNoWork() {
	NoWorkTotal.Inc()
}

func RecordResult(resultCode string) {
	ResultsTotal.WithLabelValues(resultCode).Inc()
}

func RecordLeaseExpiry() {
	LeaseExpiriesTotal.Inc()
}

func RecordRateLimited(rateLimitBucket string) {
	RateLimitedTotal.WithLabelValues(rateLimitBucket).Inc()
}

func ObserveWaitTime(bucket string, d time.Duration) {
	QueueWaitSeconds.WithLabelValues(bucket).Observe(d.Seconds())
}

func ObserveRunDuration(campaign string, d time.Duration) {
	RunDurationSeconds.WithLabelValues(campaign).Observe(d.Seconds())
}

func SetQueueDepth(bucket string, depth int) {
	QueueDepth.WithLabelValues(bucket).Set(float64(depth))
}

// Timer measures elapsed wall-clock time from its creation and records it
// against RunDurationSeconds when the caller is done, saving call sites
// from threading a time.Time through.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveRunDuration(campaign string) {
	ObserveRunDuration(campaign, t.Elapsed())
}
