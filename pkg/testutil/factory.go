package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
)

// FinishedRun builds a finished run with a fresh id, for seeding the
// in-memory store.
func FinishedRun(codebase, campaign string, code domain.ResultCode, finish time.Time, took time.Duration) domain.Run {
	return domain.Run{
		ID:           uuid.New(),
		Codebase:     codebase,
		Campaign:     campaign,
		StartTime:    finish.Add(-took),
		FinishTime:   finish,
		ResultCode:   code,
		WorkerID:     "test-worker",
		ReviewStatus: domain.ReviewStatusUnreviewed,
	}
}

// SuccessRunWithBranch is FinishedRun plus a single unabsorbed result
// branch in the given role.
func SuccessRunWithBranch(codebase, campaign, role string, finish time.Time) domain.Run {
	run := FinishedRun(codebase, campaign, "success", finish, 10*time.Minute)
	run.ResultBranches = []domain.ResultBranch{{
		Role:       role,
		RemoteName: campaign + "/" + role,
		Revision:   "rev-" + role,
	}}
	return run
}
