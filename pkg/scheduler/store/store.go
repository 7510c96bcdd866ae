// Package store declares the persistence-layer contract that
// every scheduling component depends on. Concrete implementations live in
// pkg/datastorage/repository (PostgreSQL via pgx/sqlx); tests depend on
// this package's interfaces and substitute an in-memory or sqlmock-backed
// implementation, never a live database.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
)

// ErrConflict signals a constraint violation the caller can't retry as-is
// (duplicate queue item, unknown foreign key, non-identical duplicate
// report). ErrNotFound signals a missing row. ErrRetryable signals a
// concurrent-update conflict the caller may retry.
var (
	ErrConflict  = conflictError{}
	ErrNotFound  = notFoundError{}
	ErrRetryable = retryableError{}
)

type conflictError struct{}

func (conflictError) Error() string { return "conflict" }

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

type retryableError struct{}

func (retryableError) Error() string { return "retryable" }

// CandidateFilter narrows candidates(filter).
type CandidateFilter struct {
	ActiveOnly bool
	Campaign   string
}

// QueueFilter narrows peek/pop/list.
type QueueFilter struct {
	ExcludeHosts        []string
	ExcludeCampaigns    []string
	RequireBucketSubset []domain.Bucket
	MinPriority         *int64
	Campaign            string
	Bucket              domain.Bucket
	Limit               int
	Offset              int
}

// CandidateStore is the candidate half of the persistence contract.
type CandidateStore interface {
	UpsertCandidate(ctx context.Context, c domain.Candidate) error
	RetractCandidate(ctx context.Context, codebase, campaign, changeSet string) error
	Candidates(ctx context.Context, filter CandidateFilter) ([]domain.Candidate, error)
	// CandidateByKey looks up a single candidate for callers (Assignment
	// Service, Publish Feedback Adapter) that already know the unique key
	// and only need that one row, not a filtered scan.
	CandidateByKey(ctx context.Context, key domain.CandidateKey) (*domain.Candidate, error)
	Codebase(ctx context.Context, name string) (domain.Codebase, error)
	Campaign(ctx context.Context, name string) (domain.Campaign, error)
	PublishPolicy(ctx context.Context, name string) (domain.PublishPolicy, error)
	// LastCampaignOutcome reports whether codebase/campaign's most recent
	// run succeeded, for dependency resolution.
	LastCampaignOutcome(ctx context.Context, codebase, campaign string) (succeeded bool, hasRun bool, err error)
}

// RunStore is the run half of the persistence contract.
type RunStore interface {
	InsertRun(ctx context.Context, r domain.Run) error
	Run(ctx context.Context, id uuid.UUID) (domain.Run, error)
	SetReviewStatus(ctx context.Context, runID uuid.UUID, status domain.ReviewStatus) error
	SetBranchAbsorbed(ctx context.Context, runID uuid.UUID, role string, absorbed bool) error
	RefreshLastRun(ctx context.Context, codebase, campaign string) error
	HistoricalRuns(ctx context.Context, codebase, campaign string, window time.Duration) ([]domain.Run, error)
	// ResumableRun returns the most recent run of the same change-set that
	// a new assignment can resume from, if any.
	ResumableRun(ctx context.Context, codebase, campaign, changeSet string) (*domain.Run, error)
}

// QueueStore is the queue half of the persistence contract.
// It is the raw storage surface; pkg/scheduler/queue.Manager layers
// invariant enforcement (frozen reserved items, unique-key checks that
// need read-then-write) on top of it.
type QueueStore interface {
	Enqueue(ctx context.Context, item domain.QueueItem) (id int64, existingID int64, err error)
	Peek(ctx context.Context, filter QueueFilter) (*domain.QueueItem, error)
	Pop(ctx context.Context, filter QueueFilter) (*domain.QueueItem, error)
	// QueueItem returns a single item by id, for invariant checks (e.g.
	// refusing to remove a reserved item) that need its current state
	// rather than a filtered scan.
	QueueItem(ctx context.Context, id int64) (*domain.QueueItem, error)
	Reprioritize(ctx context.Context, id int64, newPriority int64) error
	Rebucket(ctx context.Context, id int64, newBucket domain.Bucket) error
	Position(ctx context.Context, id int64) (rank int, cumulativeWait time.Duration, err error)
	RemoveQueueItem(ctx context.Context, id int64) error
	ListQueue(ctx context.Context, filter QueueFilter) ([]domain.QueueItem, error)
	Reserve(ctx context.Context, id int64, res domain.Reservation) error
	ReleaseReservation(ctx context.Context, id int64) error
	// ExtendLease moves an existing reservation's expiry, for worker
	// heartbeats. Extending a reservation that no longer
	// exists is a conflict.
	ExtendLease(ctx context.Context, id int64, newExpiry time.Time) error
	// Defer makes an unreserved item ineligible until the given time,
	// for rate-limit skips and transient-failure cooldowns.
	Defer(ctx context.Context, id int64, until time.Time) error
	// ExpiredReservations returns items whose lease has passed asOf,
	// for the Lifecycle Supervisor.
	ExpiredReservations(ctx context.Context, asOf time.Time) ([]domain.QueueItem, error)
	// StuckItems returns items unreserved and unmoved since before
	// stalledBefore, for stuck-item detection.
	StuckItems(ctx context.Context, stalledBefore time.Time) ([]domain.QueueItem, error)
	QueueItemByKey(ctx context.Context, key domain.CandidateKey) (*domain.QueueItem, error)
	// QueueItemByRunID finds the queue item holding the reservation for a
	// pre-allocated run id, for heartbeat/abandon/result endpoints that
	// only know the run id.
	QueueItemByRunID(ctx context.Context, runID uuid.UUID) (*domain.QueueItem, error)
}

// RateLimitState is the persisted slow-start counter state for one
// publish-policy rate-limit bucket.
type RateLimitState struct {
	Bucket        string
	Cap           int
	FailureStreak int
	OpenCount     int
}

// RateLimitStore persists slow-start rate-limiter state so it survives a
// scheduler restart.
type RateLimitStore interface {
	RateLimitState(ctx context.Context, bucket string) (RateLimitState, error)
	SaveRateLimitState(ctx context.Context, state RateLimitState) error
}

// PublishStore is the publish/merge-proposal half of the persistence
// contract.
type PublishStore interface {
	RecordPublish(ctx context.Context, p domain.PublishOutcome) error
	UpsertMergeProposal(ctx context.Context, mp domain.MergeProposal) error
	MergeProposal(ctx context.Context, url string) (domain.MergeProposal, error)
	UnabsorbedBranches(ctx context.Context, runID uuid.UUID) ([]domain.ResultBranch, error)
}

// ChangeSetStore derives and persists change-set state.
type ChangeSetStore interface {
	ChangeSetState(ctx context.Context, id string) (domain.ChangeSetState, error)
	SetChangeSetState(ctx context.Context, id string, state domain.ChangeSetState) error
}

// Store bundles every repository a scheduling component needs. A single
// PostgreSQL-backed implementation satisfies all of them so call sites
// can share one transaction where the spec requires atomicity.
type Store interface {
	CandidateStore
	RunStore
	QueueStore
	PublishStore
	ChangeSetStore
	RateLimitStore
}
