package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
)

func TestBucketOrderIsStrict(t *testing.T) {
	seen := map[int]bool{}
	for _, b := range domain.BucketOrder {
		rank := domain.BucketRank(b)
		assert.False(t, seen[rank], "rank %d used twice", rank)
		seen[rank] = true
	}
	assert.Equal(t, len(domain.BucketOrder), domain.BucketRank(domain.Bucket("nonexistent")))
}

func TestChangeSetStateRegresses(t *testing.T) {
	assert.False(t, domain.ChangeSetCreated.Regresses(domain.ChangeSetWorking))
	assert.False(t, domain.ChangeSetWorking.Regresses(domain.ChangeSetReady))
	assert.True(t, domain.ChangeSetDone.Regresses(domain.ChangeSetWorking))
	assert.False(t, domain.ChangeSetReady.Regresses(domain.ChangeSetReady))
}

func TestCandidateKey(t *testing.T) {
	c1 := domain.Candidate{Codebase: "a", Campaign: "fixes", ChangeSet: ""}
	c2 := domain.Candidate{Codebase: "a", Campaign: "fixes", ChangeSet: ""}
	assert.Equal(t, c1.Key(), c2.Key())

	c3 := domain.Candidate{Codebase: "a", Campaign: "fixes", ChangeSet: "cs1"}
	assert.NotEqual(t, c1.Key(), c3.Key())
}

func TestQueueItemReserved(t *testing.T) {
	q := domain.QueueItem{}
	assert.False(t, q.Reserved())
	q.Reservation = &domain.Reservation{WorkerID: "w1"}
	assert.True(t, q.Reserved())
}
