// Package selector implements the Candidate Selector: it
// enumerates candidates, checks dependency satisfaction, filters
// duplicates already queued, scores the survivors, and hands them to
// the Queue Manager.
package selector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/scoring"
	"github.com/vcsched/scheduler-core/pkg/scheduler/statistics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Selector wires the persistence layer, the statistics/scoring engines,
// and the Queue Manager into one scheduling tick.
type Selector struct {
	candidates store.CandidateStore
	runs       store.RunStore
	queue      *queue.Manager
	scoring    *scoring.Engine
	stats      *statistics.Estimator
	window     time.Duration
	log        *logrus.Entry
}

func New(candidates store.CandidateStore, runs store.RunStore, q *queue.Manager, scoringEngine *scoring.Engine, stats *statistics.Estimator, window time.Duration, log *logrus.Entry) *Selector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Selector{
		candidates: candidates,
		runs:       runs,
		queue:      q,
		scoring:    scoringEngine,
		stats:      stats,
		window:     window,
		log:        log,
	}
}

// Outcome tallies what a Tick did, for the Lifecycle Supervisor's logs
// and the `schedule --dry-run` CLI's summary line.
type Outcome struct {
	Enqueued         int
	Updated          int
	SkippedDeps      int
	SkippedExisting  int
	Errors           int
}

// Proposal is what Evaluate computes for one candidate before it is
// handed to the Queue Manager — exposed separately so `schedule --dry-run`
// can print it without enqueuing anything.
type Proposal struct {
	Candidate         domain.Candidate
	Bucket            domain.Bucket
	Priority          int64
	EstimatedDuration time.Duration
}

// Tick runs one full selection pass over active, non-removed candidates
// and enqueues every eligible one at bucket
// default, now being the instant used for dependency/statistics lookups.
func (s *Selector) Tick(ctx context.Context, now time.Time) (Outcome, error) {
	candidates, err := s.candidates.Candidates(ctx, store.CandidateFilter{ActiveOnly: true})
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	for _, c := range candidates {
		proposal, skip, err := s.Evaluate(ctx, c, now, false, domain.BucketDefault)
		if err != nil {
			s.log.WithError(err).WithField("codebase", c.Codebase).WithField("campaign", c.Campaign).
				Warn("candidate evaluation failed")
			out.Errors++
			continue
		}
		if skip == SkipDeps {
			out.SkippedDeps++
			continue
		}
		if skip == SkipExisting {
			out.SkippedExisting++
			continue
		}

		_, inserted, err := s.queue.Enqueue(ctx, domain.QueueItem{
			Bucket:            proposal.Bucket,
			Codebase:          c.Codebase,
			Campaign:          c.Campaign,
			Command:           c.Command,
			Priority:          proposal.Priority,
			Context:           c.Context,
			EstimatedDuration: proposal.EstimatedDuration,
			ChangeSet:         c.ChangeSet,
			EnqueuedAt:        now,
		})
		if err != nil {
			out.Errors++
			continue
		}
		if inserted {
			out.Enqueued++
		} else {
			out.Updated++
		}
	}
	return out, nil
}

type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipDeps
	SkipExisting
)

// Evaluate resolves dependencies, checks for an existing queue item, and
// scores a single candidate. refresh forces
// re-evaluation even if a queue item already exists for the key. It
// never mutates persisted state; Tick and ScheduleDependents enqueue
// what it proposes.
func (s *Selector) Evaluate(ctx context.Context, c domain.Candidate, now time.Time, refresh bool, bucket domain.Bucket) (Proposal, SkipReason, error) {
	campaign, err := s.candidates.Campaign(ctx, c.Campaign)
	if err != nil {
		return Proposal{}, SkipNone, err
	}
	for _, dep := range campaign.DependsOn {
		succeeded, hasRun, err := s.candidates.LastCampaignOutcome(ctx, c.Codebase, dep)
		if err != nil {
			return Proposal{}, SkipNone, err
		}
		if !hasRun || !succeeded {
			return Proposal{}, SkipDeps, nil
		}
	}

	if !refresh {
		existing, err := s.existingQueueItem(ctx, c)
		if err != nil {
			return Proposal{}, SkipNone, err
		}
		if existing != nil {
			return Proposal{}, SkipExisting, nil
		}
	}

	codebase, err := s.candidates.Codebase(ctx, c.Codebase)
	if err != nil {
		return Proposal{}, SkipNone, err
	}

	policyName := c.PublishPolicy
	if policyName == "" {
		policyName = campaign.PublishPolicy
	}
	var policy domain.PublishPolicy
	if policyName != "" {
		policy, err = s.candidates.PublishPolicy(ctx, policyName)
		if err != nil {
			return Proposal{}, SkipNone, err
		}
	}

	runs, err := s.runs.HistoricalRuns(ctx, c.Codebase, c.Campaign, s.window)
	if err != nil {
		return Proposal{}, SkipNone, err
	}

	successProbability := s.stats.SuccessProbability(runs, now, c.SuccessChance, nil)
	duration := s.stats.Duration(runs, runs, nil)

	result := s.scoring.Score(scoring.Input{
		BaseValue:          scoring.ResolveBaseValue(c.Value, codebase.Value),
		PublishBonus:       s.scoring.PublishBonus(policy),
		HasPriorRun:        len(runs) > 0,
		SuccessProbability: successProbability,
		EstimatedDuration:  duration,
	})

	return Proposal{
		Candidate:         c,
		Bucket:            bucket,
		Priority:          result.Priority,
		EstimatedDuration: result.EstimatedDuration,
	}, SkipNone, nil
}

func (s *Selector) existingQueueItem(ctx context.Context, c domain.Candidate) (*domain.QueueItem, error) {
	return s.queue.ItemByKey(ctx, c.Key())
}

// ScheduleDependents enqueues candidates on the same codebase whose
// campaign depends on the one that just succeeded.
// Their dependency check now passes, so the regular Evaluate path does
// the rest.
func (s *Selector) ScheduleDependents(ctx context.Context, codebase, campaign string) error {
	candidates, err := s.candidates.Candidates(ctx, store.CandidateFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	now := time.Now()
	for _, c := range candidates {
		if c.Codebase != codebase {
			continue
		}
		dependent, err := s.candidates.Campaign(ctx, c.Campaign)
		if err != nil {
			continue
		}
		depends := false
		for _, dep := range dependent.DependsOn {
			if dep == campaign {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		proposal, skip, err := s.Evaluate(ctx, c, now, false, domain.BucketDefault)
		if err != nil || skip != SkipNone {
			continue
		}
		if _, _, err := s.queue.Enqueue(ctx, domain.QueueItem{
			Bucket:            proposal.Bucket,
			Codebase:          c.Codebase,
			Campaign:          c.Campaign,
			Command:           c.Command,
			Priority:          proposal.Priority,
			Context:           c.Context,
			EstimatedDuration: proposal.EstimatedDuration,
			ChangeSet:         c.ChangeSet,
			EnqueuedAt:        now,
		}); err != nil {
			s.log.WithError(err).WithField("codebase", c.Codebase).WithField("campaign", c.Campaign).
				Warn("failed to enqueue dependent candidate")
		}
	}
	return nil
}
