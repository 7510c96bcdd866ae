// Package publishfeed implements the Publish Feedback Adapter: the read side of the publisher queue. It observes publish and
// merge-proposal outcomes, marks branches absorbed, feeds the slow-start
// rate limiter, advances change-set state, and requeues candidates whose
// open proposal was closed against a diverged target.
package publishfeed

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ratelimit"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// refreshPriority is the boosted priority given to update-existing-mp
// requeues; the bucket already outranks default work, the boost only
// orders them among each other ahead of routine refreshes.
const refreshPriority = -1000

// Adapter wires the stores, queue, and rate limiter into the feedback
// loop.
type Adapter struct {
	candidates store.CandidateStore
	runs       store.RunStore
	publishes  store.PublishStore
	changeSets store.ChangeSetStore
	queue      *queue.Manager
	limiter    *ratelimit.Limiter
	log        *zap.Logger
}

func New(candidates store.CandidateStore, runs store.RunStore, publishes store.PublishStore,
	changeSets store.ChangeSetStore, q *queue.Manager, limiter *ratelimit.Limiter, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		candidates: candidates,
		runs:       runs,
		publishes:  publishes,
		changeSets: changeSets,
		queue:      q,
		limiter:    limiter,
		log:        log,
	}
}

// HandlePublish records a publish outcome. A successful publish absorbs
// the branch and grows the policy's
// rate-limit cap.
func (a *Adapter) HandlePublish(ctx context.Context, outcome domain.PublishOutcome) error {
	if err := a.publishes.RecordPublish(ctx, outcome); err != nil {
		return err
	}
	if !outcome.Success {
		return nil
	}
	return a.absorb(ctx, outcome.RunID, outcome.Role, outcome.Codebase, outcome.Campaign, outcome.ChangeSet)
}

// HandleMergeProposal ingests an observed proposal status change.
func (a *Adapter) HandleMergeProposal(ctx context.Context, mp domain.MergeProposal) error {
	if err := a.publishes.UpsertMergeProposal(ctx, mp); err != nil {
		return err
	}

	switch mp.Status {
	case domain.ProposalMerged, domain.ProposalApplied:
		run, err := a.runs.Run(ctx, mp.RunID)
		if err != nil {
			return err
		}
		return a.absorb(ctx, mp.RunID, mp.Role, mp.Codebase, mp.Campaign, run.ChangeSet)

	case domain.ProposalClosed, domain.ProposalRejected:
		bucket, err := a.rateBucketFor(ctx, mp.Codebase, mp.Campaign, "")
		if err == nil && bucket != "" {
			if rerr := a.limiter.Release(ctx, bucket); rerr != nil {
				a.log.Warn("failed to release rate-limit slot", zap.String("bucket", bucket), zap.Error(rerr))
			}
			if mp.Status == domain.ProposalRejected {
				if rerr := a.limiter.RecordPermanentFailure(ctx, bucket); rerr != nil {
					a.log.Warn("failed to record rate-limit failure", zap.String("bucket", bucket), zap.Error(rerr))
				}
			}
		}
		if mp.Diverged {
			return a.requeueRefresh(ctx, mp)
		}
		return nil

	default:
		return nil
	}
}

// absorb marks the branch absorbed, refreshes the last-run views,
// credits the rate limiter, and re-derives change-set state.
func (a *Adapter) absorb(ctx context.Context, runID uuid.UUID, role, codebase, campaign, changeSet string) error {
	if err := a.runs.SetBranchAbsorbed(ctx, runID, role, true); err != nil && err != store.ErrNotFound {
		return err
	}
	if err := a.runs.RefreshLastRun(ctx, codebase, campaign); err != nil {
		return err
	}

	bucket, err := a.rateBucketFor(ctx, codebase, campaign, changeSet)
	if err == nil && bucket != "" {
		if rerr := a.limiter.Release(ctx, bucket); rerr != nil {
			a.log.Warn("failed to release rate-limit slot", zap.String("bucket", bucket), zap.Error(rerr))
		}
		if rerr := a.limiter.RecordAbsorption(ctx, bucket); rerr != nil {
			a.log.Warn("failed to credit rate-limit absorption", zap.String("bucket", bucket), zap.Error(rerr))
		}
	}

	if changeSet != "" {
		if _, err := a.changeSets.ChangeSetState(ctx, changeSet); err != nil {
			return err
		}
	}
	return nil
}

// requeueRefresh enqueues a refresh of the candidate whose proposal was
// closed against a diverged target.
func (a *Adapter) requeueRefresh(ctx context.Context, mp domain.MergeProposal) error {
	run, err := a.runs.Run(ctx, mp.RunID)
	if err != nil {
		return err
	}
	candidate, err := a.candidates.CandidateByKey(ctx, domain.CandidateKey{
		Codebase: mp.Codebase, Campaign: mp.Campaign, ChangeSet: run.ChangeSet,
	})
	if err != nil {
		return err
	}
	command := run.Command
	context_ := ""
	if candidate != nil {
		if candidate.Command != "" {
			command = candidate.Command
		}
		context_ = candidate.Context
	}
	_, _, err = a.queue.Enqueue(ctx, domain.QueueItem{
		Bucket:    domain.BucketUpdateExistingMP,
		Codebase:  mp.Codebase,
		Campaign:  mp.Campaign,
		Command:   command,
		Priority:  refreshPriority,
		Context:   context_,
		Refresh:   true,
		Requestor: "publish-feedback",
		ChangeSet: run.ChangeSet,
	})
	return err
}

func (a *Adapter) rateBucketFor(ctx context.Context, codebase, campaign, changeSet string) (string, error) {
	policyName := ""
	candidate, err := a.candidates.CandidateByKey(ctx, domain.CandidateKey{
		Codebase: codebase, Campaign: campaign, ChangeSet: changeSet,
	})
	if err != nil {
		return "", err
	}
	if candidate != nil {
		policyName = candidate.PublishPolicy
	}
	if policyName == "" {
		camp, err := a.candidates.Campaign(ctx, campaign)
		if err != nil {
			return "", err
		}
		policyName = camp.PublishPolicy
	}
	if policyName == "" {
		return "", nil
	}
	policy, err := a.candidates.PublishPolicy(ctx, policyName)
	if err != nil {
		return "", err
	}
	return policy.RateLimitBucket, nil
}
