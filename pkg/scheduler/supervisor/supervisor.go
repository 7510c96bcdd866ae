// Package supervisor implements the Lifecycle Supervisor: a
// fixed-tick sweep that expires leases, runs a candidate-selection pass,
// detects stuck queue items, and keeps the queue-depth gauges fresh. It is the
// only component that runs on its own schedule; everything else reacts to
// workers or the candidate feed.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/pkg/metrics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/selector"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Events receives lease-expiry notifications for downstream observers.
type Events interface {
	LeaseExpired(ctx context.Context, item domain.QueueItem)
}

// Alerter is pinged with stalled queue items; the Slack alerter
// implements it.
type Alerter interface {
	StuckItems(ctx context.Context, items []domain.QueueItem) error
}

// Supervisor ties the sweeps together. All state lives in the store; the
// supervisor itself only holds configuration and collaborators.
type Supervisor struct {
	queueStore store.QueueStore
	queue      *queue.Manager
	selector   *selector.Selector
	events     Events
	alerter    Alerter
	cfg        config.LifecycleConfig
	log        *logrus.Entry

	now func() time.Time
}

func New(queueStore store.QueueStore, q *queue.Manager, sel *selector.Selector,
	events Events, alerter Alerter, cfg config.LifecycleConfig, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		queueStore: queueStore,
		queue:      q,
		selector:   sel,
		events:     events,
		alerter:    alerter,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Run ticks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval.String()).Info("lifecycle supervisor started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("lifecycle supervisor stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full sweep. Each stage logs and continues on failure;
// a broken database hiccup should not stop lease expiry from being
// retried on the next tick.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.now()
	if err := s.ExpireLeases(ctx, now); err != nil {
		s.log.WithError(err).Warn("lease expiry sweep failed")
	}
	if err := s.RescheduleTick(ctx, now); err != nil {
		s.log.WithError(err).Warn("selection tick failed")
	}
	if err := s.DetectStuck(ctx, now); err != nil {
		s.log.WithError(err).Warn("stuck-item sweep failed")
	}
	s.UpdateQueueDepth(ctx)
}

// ExpireLeases revokes reservations whose worker has not reported within
// the lease. The item keeps its priority and
// moves to the reschedule bucket unless it already sits in a
// higher-ranked one.
func (s *Supervisor) ExpireLeases(ctx context.Context, now time.Time) error {
	expired, err := s.queueStore.ExpiredReservations(ctx, now)
	if err != nil {
		return err
	}
	for _, item := range expired {
		if err := s.queue.Release(ctx, item.ID); err != nil {
			s.log.WithError(err).WithField("queue_item_id", item.ID).
				Warn("failed to release expired reservation")
			continue
		}
		if domain.BucketRank(item.Bucket) > domain.BucketRank(domain.BucketReschedule) {
			if err := s.queue.Rebucket(ctx, item.ID, domain.BucketReschedule); err != nil {
				s.log.WithError(err).WithField("queue_item_id", item.ID).
					Warn("failed to rebucket expired item")
			}
		}
		metrics.RecordLeaseExpiry()
		if s.events != nil {
			s.events.LeaseExpired(ctx, item)
		}
		worker := ""
		if item.Reservation != nil {
			worker = item.Reservation.WorkerID
		}
		s.log.WithFields(logrus.Fields{
			"queue_item_id": item.ID,
			"codebase":      item.Codebase,
			"campaign":      item.Campaign,
			"worker_id":     worker,
		}).Info("lease expired, item returned to queue")
	}
	return nil
}

// RescheduleTick runs a full candidate-selection pass, which enqueues
// candidates that have no queue item yet. Candidates that are already
// queued are skipped, so their priorities are not recomputed.
func (s *Supervisor) RescheduleTick(ctx context.Context, now time.Time) error {
	if s.selector == nil {
		return nil
	}
	outcome, err := s.selector.Tick(ctx, now)
	if err != nil {
		return err
	}
	if outcome.Enqueued > 0 || outcome.Updated > 0 || outcome.Errors > 0 {
		s.log.WithFields(logrus.Fields{
			"enqueued": outcome.Enqueued,
			"updated":  outcome.Updated,
			"errors":   outcome.Errors,
		}).Info("scheduling tick complete")
	}
	return nil
}

// DetectStuck alerts on unreserved items that have not moved for longer
// than the stall window.
func (s *Supervisor) DetectStuck(ctx context.Context, now time.Time) error {
	window := s.cfg.StallWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	stuck, err := s.queueStore.StuckItems(ctx, now.Add(-window))
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	s.log.WithField("count", len(stuck)).Warn("stuck queue items detected")
	if s.alerter != nil {
		return s.alerter.StuckItems(ctx, stuck)
	}
	return nil
}

// UpdateQueueDepth refreshes the per-bucket depth gauges.
func (s *Supervisor) UpdateQueueDepth(ctx context.Context) {
	for _, bucket := range domain.BucketOrder {
		items, err := s.queue.List(ctx, store.QueueFilter{Bucket: bucket})
		if err != nil {
			s.log.WithError(err).Warn("failed to read queue depth")
			return
		}
		metrics.SetQueueDepth(string(bucket), len(items))
	}
}
