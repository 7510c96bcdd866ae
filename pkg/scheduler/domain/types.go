// Package domain holds the data model shared by every scheduling-core
// component: codebases, campaigns, candidates, publish
// policies, runs, queue items, change-sets, and merge proposals. These
// are plain structs; persistence, scoring, and queueing all operate on
// them without owning a longer-lived copy than their own call.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// VCSKind is the closed set of version-control systems a Codebase may
// live in.
type VCSKind string

const (
	VCSGit VCSKind = "git"
	VCSBzr VCSKind = "bzr"
	VCSSvn VCSKind = "svn"
	VCSHg  VCSKind = "hg"
)

// Codebase is a location in a VCS that may receive changes.
type Codebase struct {
	Name     string
	URL      string
	VCS      VCSKind
	Branch   string
	Subpath  string
	Value    *float64
	Inactive bool
	Removed  bool
}

// Campaign is a named bulk-improvement effort, e.g. "lintian-fixes".
type Campaign struct {
	Name           string
	DefaultCommand string
	PublishPolicy  string
	DependsOn      []string // other campaign names that must have succeeded first
}

// Candidate is a (codebase, campaign[, change-set]) pair declaring intent
// to run. Unique on (Codebase, Campaign, ChangeSet-or-empty).
type Candidate struct {
	Codebase      string
	Campaign      string
	Command       string
	Context       string
	Value         *float64
	SuccessChance *float64
	PublishPolicy string
	ChangeSet     string // empty means "no change-set"
}

// Key returns the unique-key tuple used for duplicate suppression in
// both the candidate table and the queue.
func (c Candidate) Key() CandidateKey {
	return CandidateKey{Codebase: c.Codebase, Campaign: c.Campaign, ChangeSet: c.ChangeSet}
}

type CandidateKey struct {
	Codebase  string
	Campaign  string
	ChangeSet string
}

// PublishMode is the per-branch-role action a publish policy prescribes.
type PublishMode string

const (
	ModePush        PublishMode = "push"
	ModeAttemptPush PublishMode = "attempt-push"
	ModePropose     PublishMode = "propose"
	ModePushDerived PublishMode = "push-derived"
	ModeBuildOnly   PublishMode = "build-only"
	ModeSkip        PublishMode = "skip"
	ModeBts         PublishMode = "bts"
)

// ReviewRequirement gates whether a proposed change needs human review
// before it can be published further.
type ReviewRequirement string

const (
	ReviewNotRequired ReviewRequirement = "not-required"
	ReviewRequired    ReviewRequirement = "required"
)

// PublishPolicy is a named record of per-branch-role publish modes, a
// review requirement, and the rate-limit bucket that gates it.
type PublishPolicy struct {
	Name            string
	ModeByRole      map[string]PublishMode
	Review          ReviewRequirement
	RateLimitBucket string
}

// ResultCode is the closed-with-escape-hatch enumeration of worker report
// outcomes. Unrecognized codes still round-trip as ResultCode; it is
// the classifier table, not this type, that decides how to treat them.
type ResultCode string

// ResultBranch is one produced branch of a run.
type ResultBranch struct {
	Role         string
	RemoteName   string
	BaseRevision string
	Revision     string
	Absorbed     bool
}

// ReviewStatus is mutable after a run is recorded, tracking human review
// of a proposed change.
type ReviewStatus string

const (
	ReviewStatusUnreviewed ReviewStatus = "unreviewed"
	ReviewStatusApproved   ReviewStatus = "approved"
	ReviewStatusRejected   ReviewStatus = "rejected"
)

// Run is the outcome of one execution of a candidate.
type Run struct {
	ID               uuid.UUID
	Codebase         string
	Campaign         string
	Command          string
	StartTime        time.Time
	FinishTime       time.Time
	ResultCode       ResultCode
	FailureStage     string
	FailureTransient bool
	Value            *float64
	Revisions        []string
	ResultBranches   []ResultBranch
	Logs             []string
	WorkerID         string
	ChangeSet        string
	ResumeFrom       *uuid.UUID
	ReviewStatus     ReviewStatus
}

// Duration is FinishTime - StartTime, or zero if either is unset.
func (r Run) Duration() time.Duration {
	if r.StartTime.IsZero() || r.FinishTime.IsZero() {
		return 0
	}
	return r.FinishTime.Sub(r.StartTime)
}

// Bucket is the qualitative priority band that dominates numeric priority
// at pop time. Order here is pop order.
type Bucket string

const (
	BucketControl         Bucket = "control"
	BucketHook            Bucket = "hook"
	BucketManual          Bucket = "manual"
	BucketUpdateExistingMP Bucket = "update-existing-mp"
	BucketUpdateNewMP     Bucket = "update-new-mp"
	BucketReschedule      Bucket = "reschedule"
	BucketMissingDeps     Bucket = "missing-deps"
	BucketDefault         Bucket = "default"
)

// BucketOrder is the strict serving order. Index is rank;
// lower rank is served first.
var BucketOrder = []Bucket{
	BucketControl,
	BucketHook,
	BucketManual,
	BucketUpdateExistingMP,
	BucketUpdateNewMP,
	BucketReschedule,
	BucketMissingDeps,
	BucketDefault,
}

// BucketRank returns b's position in BucketOrder, or len(BucketOrder) for
// an unrecognized bucket so it sorts last rather than erroring.
func BucketRank(b Bucket) int {
	for i, ordered := range BucketOrder {
		if ordered == b {
			return i
		}
	}
	return len(BucketOrder)
}

// Reservation binds a queue item to a worker for a bounded lease.
type Reservation struct {
	WorkerID    string
	LeaseExpiry time.Time
}

// QueueItem is one enqueued work order.
type QueueItem struct {
	ID                 int64
	Bucket             Bucket
	Codebase           string
	Campaign           string
	Command            string
	Priority           int64
	Context            string
	EstimatedDuration  time.Duration
	Refresh            bool
	Requestor          string
	ChangeSet          string
	EarliestStart      time.Time
	Reservation        *Reservation
	PreallocatedRunID  uuid.UUID
	EnqueuedAt         time.Time
}

// Key is the unique-key tuple enforced by the Queue Manager.
func (q QueueItem) Key() CandidateKey {
	return CandidateKey{Codebase: q.Codebase, Campaign: q.Campaign, ChangeSet: q.ChangeSet}
}

// Reserved reports whether q is currently bound to a worker.
func (q QueueItem) Reserved() bool {
	return q.Reservation != nil
}

// ChangeSetState is the derived lifecycle of a change-set. Values are
// totally ordered and transitions never regress.
type ChangeSetState string

const (
	ChangeSetCreated    ChangeSetState = "created"
	ChangeSetWorking    ChangeSetState = "working"
	ChangeSetReady      ChangeSetState = "ready"
	ChangeSetPublishing ChangeSetState = "publishing"
	ChangeSetDone       ChangeSetState = "done"
)

var changeSetRank = map[ChangeSetState]int{
	ChangeSetCreated:    0,
	ChangeSetWorking:    1,
	ChangeSetReady:      2,
	ChangeSetPublishing: 3,
	ChangeSetDone:       4,
}

// Regresses reports whether moving from s to next would violate the
// monotonic partial order created < working < ready < publishing < done.
func (s ChangeSetState) Regresses(next ChangeSetState) bool {
	return changeSetRank[next] < changeSetRank[s]
}

// ChangeSet is a coherent batch of candidate runs meant to be published
// together.
type ChangeSet struct {
	ID    string
	State ChangeSetState
}

// MergeProposalStatus is the external, read-only state of a merge
// proposal as observed from the forge.
type MergeProposalStatus string

const (
	ProposalOpen      MergeProposalStatus = "open"
	ProposalClosed    MergeProposalStatus = "closed"
	ProposalMerged    MergeProposalStatus = "merged"
	ProposalApplied   MergeProposalStatus = "applied"
	ProposalAbandoned MergeProposalStatus = "abandoned"
	ProposalRejected  MergeProposalStatus = "rejected"
)

// MergeProposal is an external URL tracked for feedback purposes only;
// the core never mutates it directly.
type MergeProposal struct {
	URL          string
	Status       MergeProposalStatus
	TargetBranch string
	Revision     string
	RunID        uuid.UUID
	Role         string
	Codebase     string
	Campaign     string
	Diverged     bool
}

// PublishOutcome is a recorded publish; it
// feeds the Publish Feedback Adapter.
type PublishOutcome struct {
	RunID    uuid.UUID
	Role     string
	Codebase string
	Campaign string
	ChangeSet string
	Success  bool
}
