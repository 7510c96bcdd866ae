// Package assignment implements the Assignment Service: the
// pop-and-reserve critical section that hands a worker its next work
// order. The critical section itself is the store's row-level claim in
// Reserve; everything before and after it is ordinary concurrent code.
package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vcsched/scheduler-core/internal/config"
	"github.com/vcsched/scheduler-core/internal/tracing"
	"github.com/vcsched/scheduler-core/pkg/metrics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/hostguard"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ratelimit"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Request is a worker's ask for work: its identity plus an optional
// capability filter.
type Request struct {
	WorkerID         string
	Campaigns        []string // restrict to these campaigns; empty means any
	ExcludeCampaigns []string
}

// Bundle is the complete assignment handed back to a worker. Assignments are never partial: a caller gets a full Bundle or
// no-work, nothing in between.
type Bundle struct {
	RunID            uuid.UUID
	QueueID          int64
	Codebase         string
	Campaign         string
	Command          string
	BranchURL        string
	Branch           string
	Subpath          string
	VCS              domain.VCSKind
	Context          string
	ChangeSet        string
	ResumeFrom       *uuid.UUID
	LeaseExpiry      time.Time
	BuildEnvironment map[string]string
	LogUploadToken   string
}

// Service wires the Queue Manager, rate limiter, and host registry into
// the assignment protocol.
type Service struct {
	candidates store.CandidateStore
	runs       store.RunStore
	queue      *queue.Manager
	limiter    *ratelimit.Limiter
	hosts      *hostguard.Registry
	cfg        config.AssignmentConfig
	log        *zap.Logger

	now func() time.Time
}

func NewService(candidates store.CandidateStore, runs store.RunStore, q *queue.Manager,
	limiter *ratelimit.Limiter, hosts *hostguard.Registry, cfg config.AssignmentConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		candidates: candidates,
		runs:       runs,
		queue:      q,
		limiter:    limiter,
		hosts:      hosts,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// NoWorkRetryAfter is the back-off the worker protocol suggests when
// Assign finds nothing eligible.
func (s *Service) NoWorkRetryAfter() time.Duration {
	if s.cfg.NoWorkRetryAfter > 0 {
		return s.cfg.NoWorkRetryAfter
	}
	return time.Minute
}

// Assign pops the next eligible item for req's worker, reserves it, and
// materializes the bundle. A nil bundle with nil error means no-work.
// Any failure after the reservation is taken rolls the reservation back
// so the item reappears.
func (s *Service) Assign(ctx context.Context, req Request) (*Bundle, error) {
	ctx, span := tracing.Start(ctx, "assignment.assign")
	defer span.End()
	span.SetAttributes(attribute.String("worker_id", req.WorkerID))

	now := s.now()
	filter := store.QueueFilter{
		ExcludeHosts:     s.hosts.ExcludedHosts(now),
		ExcludeCampaigns: req.ExcludeCampaigns,
	}

	maxAttempts := s.cfg.MaxPopAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		item, err := s.popMatching(ctx, filter, req.Campaigns)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}

		lease := s.leaseFor(item.EstimatedDuration)
		expiry := s.now().Add(lease)
		if err := s.queue.Reserve(ctx, item.ID, domain.Reservation{WorkerID: req.WorkerID, LeaseExpiry: expiry}); err != nil {
			if err == store.ErrConflict {
				// Raced another assignment request; try the next item.
				continue
			}
			return nil, err
		}

		bundle, rateLimited, err := s.materialize(ctx, item, expiry)
		if err != nil {
			if rerr := s.queue.Release(ctx, item.ID); rerr != nil {
				s.log.Error("failed to roll back reservation",
					zap.Int64("queue_item_id", item.ID), zap.Error(rerr))
			}
			return nil, err
		}
		if rateLimited {
			if err := s.queue.Release(ctx, item.ID); err != nil {
				return nil, err
			}
			deferral := s.cfg.RateLimitDeferral
			if deferral <= 0 {
				deferral = 5 * time.Minute
			}
			if err := s.queue.Defer(ctx, item.ID, s.now().Add(deferral)); err != nil {
				s.log.Warn("failed to defer rate-limited item",
					zap.Int64("queue_item_id", item.ID), zap.Error(err))
			}
			continue
		}

		if ctx.Err() != nil {
			// Client deadline exceeded after pop but before return:
			// the reservation must not stand.
			if rerr := s.queue.Release(ctx, item.ID); rerr != nil {
				s.log.Error("failed to roll back reservation on deadline",
					zap.Int64("queue_item_id", item.ID), zap.Error(rerr))
			}
			return nil, ctx.Err()
		}

		metrics.RecordAssignment(req.WorkerID)
		if !item.EnqueuedAt.IsZero() {
			metrics.ObserveWaitTime(string(item.Bucket), s.now().Sub(item.EnqueuedAt))
		}
		span.SetAttributes(
			attribute.String("codebase", item.Codebase),
			attribute.String("campaign", item.Campaign),
			attribute.Int64("queue_item_id", item.ID),
		)
		return bundle, nil
	}
	return nil, nil
}

// popMatching pops honoring the worker's campaign capability list: one
// pop per listed campaign in the worker's preference order, or a single
// unrestricted pop when the worker accepts anything.
func (s *Service) popMatching(ctx context.Context, filter store.QueueFilter, campaigns []string) (*domain.QueueItem, error) {
	if len(campaigns) == 0 {
		return s.queue.Pop(ctx, filter)
	}
	for _, campaign := range campaigns {
		scoped := filter
		scoped.Campaign = campaign
		item, err := s.queue.Pop(ctx, scoped)
		if err != nil {
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, nil
}

// leaseFor computes max(multiple x estimated, min), capped at max.
func (s *Service) leaseFor(estimated time.Duration) time.Duration {
	multiple := s.cfg.LeaseMultiple
	if multiple <= 0 {
		multiple = 2
	}
	lease := time.Duration(float64(estimated) * multiple)
	if lease < s.cfg.MinLease {
		lease = s.cfg.MinLease
	}
	if s.cfg.MaxLease > 0 && lease > s.cfg.MaxLease {
		lease = s.cfg.MaxLease
	}
	return lease
}

// materialize builds the bundle for a reserved item, consulting the rate
// limiter first. Returns (nil, true, nil) when the item's rate-limit
// bucket is saturated and the caller should release, defer, and pop
// again.
func (s *Service) materialize(ctx context.Context, item *domain.QueueItem, expiry time.Time) (*Bundle, bool, error) {
	candidate, err := s.candidates.CandidateByKey(ctx, item.Key())
	if err != nil {
		return nil, false, err
	}

	rateBucket, err := s.rateBucketFor(ctx, candidate, item.Campaign)
	if err != nil {
		return nil, false, err
	}
	allowed, err := s.limiter.Allow(ctx, rateBucket)
	if err != nil {
		return nil, false, err
	}
	if !allowed {
		metrics.RecordRateLimited(rateBucket)
		return nil, true, nil
	}

	codebase, err := s.candidates.Codebase(ctx, item.Codebase)
	if err != nil {
		return nil, false, err
	}

	command := item.Command
	if command == "" && candidate != nil {
		command = candidate.Command
	}
	if command == "" {
		campaign, err := s.candidates.Campaign(ctx, item.Campaign)
		if err != nil {
			return nil, false, err
		}
		command = campaign.DefaultCommand
	}

	var resumeFrom *uuid.UUID
	if item.ChangeSet != "" {
		prior, err := s.runs.ResumableRun(ctx, item.Codebase, item.Campaign, item.ChangeSet)
		if err != nil {
			return nil, false, err
		}
		if prior != nil {
			id := prior.ID
			resumeFrom = &id
		}
	}

	if err := s.limiter.Reserve(ctx, rateBucket); err != nil {
		return nil, false, err
	}

	return &Bundle{
		RunID:     item.PreallocatedRunID,
		QueueID:   item.ID,
		Codebase:  item.Codebase,
		Campaign:  item.Campaign,
		Command:   command,
		BranchURL: codebase.URL,
		Branch:    codebase.Branch,
		Subpath:   codebase.Subpath,
		VCS:       codebase.VCS,
		Context:   item.Context,
		ChangeSet: item.ChangeSet,
		ResumeFrom: resumeFrom,
		LeaseExpiry: expiry,
		BuildEnvironment: map[string]string{
			"CAMPAIGN": item.Campaign,
			"CODEBASE": item.Codebase,
		},
		LogUploadToken: uuid.New().String(),
	}, false, nil
}

func (s *Service) rateBucketFor(ctx context.Context, candidate *domain.Candidate, campaignName string) (string, error) {
	policyName := ""
	if candidate != nil {
		policyName = candidate.PublishPolicy
	}
	if policyName == "" {
		campaign, err := s.candidates.Campaign(ctx, campaignName)
		if err != nil {
			return "", err
		}
		policyName = campaign.PublishPolicy
	}
	if policyName == "" {
		return "", nil
	}
	policy, err := s.candidates.PublishPolicy(ctx, policyName)
	if err != nil {
		return "", err
	}
	return policy.RateLimitBucket, nil
}

// Heartbeat extends the lease for runID's reservation, verifying the
// caller still holds it. store.ErrNotFound means the item is gone;
// store.ErrConflict means another worker holds it.
func (s *Service) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string) error {
	item, err := s.queue.ItemByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if item == nil {
		return store.ErrNotFound
	}
	if item.Reservation == nil || item.Reservation.WorkerID != workerID {
		return store.ErrConflict
	}
	lease := s.leaseFor(item.EstimatedDuration)
	return s.queue.ExtendLease(ctx, item.ID, s.now().Add(lease))
}

// Abandon relinquishes runID's reservation before a report; the item returns to the queue at its original
// priority.
func (s *Service) Abandon(ctx context.Context, runID uuid.UUID, workerID string) error {
	item, err := s.queue.ItemByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if item == nil {
		return store.ErrNotFound
	}
	if item.Reservation == nil || item.Reservation.WorkerID != workerID {
		return store.ErrConflict
	}
	return s.queue.Release(ctx, item.ID)
}
