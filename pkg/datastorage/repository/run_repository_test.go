package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

var _ = Describe("RunRepository", func() {
	var (
		s     *Store
		mock  sqlmock.Sqlmock
		ctx   context.Context
		runID uuid.UUID
		start time.Time
		run   domain.Run
	)

	BeforeEach(func() {
		s, mock = newMockStore()
		ctx = context.Background()
		runID = uuid.MustParse("4f4cc0c0-8d5e-45b2-b1a5-7b46b3a3f6f2")
		start = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
		run = domain.Run{
			ID:         runID,
			Codebase:   "A",
			Campaign:   "fixes",
			Command:    "fix-it",
			StartTime:  start,
			FinishTime: start.Add(10 * time.Minute),
			ResultCode: "success",
			WorkerID:   "w1",
			ResultBranches: []domain.ResultBranch{
				{Role: "main", RemoteName: "fixes/main", BaseRevision: "r0", Revision: "r1"},
			},
		}
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("inserts a run and its result branches in one transaction", func() {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO run`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO result_branch`).
			WithArgs(runID.String(), "main", "fixes/main", "r0", "r1", false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		Expect(s.InsertRun(ctx, run)).To(Succeed())
	})

	It("accepts a byte-identical duplicate insert without a second row", func() {
		revisions, err := json.Marshal(run.Revisions)
		Expect(err).ToNot(HaveOccurred())
		logs, err := json.Marshal(run.Logs)
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO run`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT id, codebase, campaign`).
			WithArgs(runID.String()).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "codebase", "campaign", "command", "start_time", "finish_time",
				"result_code", "failure_stage", "failure_transient", "value", "revisions",
				"logs", "worker_id", "change_set", "resume_from", "review_status",
			}).AddRow(runID.String(), "A", "fixes", "fix-it", start, start.Add(10*time.Minute),
				"success", nil, false, nil, revisions, logs, "w1", "", nil, "unreviewed"))
		mock.ExpectQuery(`SELECT run_id, role`).
			WithArgs(runID.String()).
			WillReturnRows(sqlmock.NewRows([]string{
				"run_id", "role", "remote_name", "base_revision", "revision", "absorbed",
			}).AddRow(runID.String(), "main", "fixes/main", "r0", "r1", false))
		mock.ExpectCommit()

		Expect(s.InsertRun(ctx, run)).To(Succeed())
	})

	It("conflicts on a duplicate insert with differing contents", func() {
		revisions, err := json.Marshal(run.Revisions)
		Expect(err).ToNot(HaveOccurred())
		logs, err := json.Marshal(run.Logs)
		Expect(err).ToNot(HaveOccurred())

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO run`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT id, codebase, campaign`).
			WithArgs(runID.String()).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "codebase", "campaign", "command", "start_time", "finish_time",
				"result_code", "failure_stage", "failure_transient", "value", "revisions",
				"logs", "worker_id", "change_set", "resume_from", "review_status",
			}).AddRow(runID.String(), "A", "fixes", "fix-it", start, start.Add(10*time.Minute),
				"build-failed", nil, false, nil, revisions, logs, "w1", "", nil, "unreviewed"))
		mock.ExpectQuery(`SELECT run_id, role`).
			WithArgs(runID.String()).
			WillReturnRows(sqlmock.NewRows([]string{
				"run_id", "role", "remote_name", "base_revision", "revision", "absorbed",
			}))
		mock.ExpectRollback()

		Expect(s.InsertRun(ctx, run)).To(MatchError(store.ErrConflict))
	})

	It("keeps the last-effective view on the prior success after a no-op run", func() {
		noopID := "9be1a2f0-5f57-4f29-9f3f-111111111111"
		successID := "9be1a2f0-5f57-4f29-9f3f-222222222222"
		mock.ExpectQuery(`SELECT r.id, r.result_code`).
			WithArgs("A", "fixes").
			WillReturnRows(sqlmock.NewRows([]string{"id", "result_code", "failure_transient", "unabsorbed"}).
				AddRow(noopID, "nothing-new-to-do", false, 0).
				AddRow(successID, "success", false, 1))
		// last run = the no-op, last effective and last unabsorbed = the
		// prior success.
		mock.ExpectExec(`INSERT INTO last_runs`).
			WithArgs("A", "fixes", noopID, successID, successID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(s.RefreshLastRun(ctx, "A", "fixes")).To(Succeed())
	})

	It("updates the review status of an existing run", func() {
		mock.ExpectExec(`UPDATE run SET review_status`).
			WithArgs(runID.String(), "approved").
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(s.SetReviewStatus(ctx, runID, domain.ReviewStatusApproved)).To(Succeed())
	})

	It("marks a result branch absorbed", func() {
		mock.ExpectExec(`UPDATE result_branch SET absorbed`).
			WithArgs(runID.String(), "main", true).
			WillReturnResult(sqlmock.NewResult(0, 1))

		Expect(s.SetBranchAbsorbed(ctx, runID, "main", true)).To(Succeed())
	})
})
