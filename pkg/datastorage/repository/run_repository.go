package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vcsched/scheduler-core/pkg/datastorage/repository/sqlutil"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

type runRow struct {
	ID               string          `db:"id"`
	Codebase         string          `db:"codebase"`
	Campaign         string          `db:"campaign"`
	Command          sql.NullString  `db:"command"`
	StartTime        sql.NullTime    `db:"start_time"`
	FinishTime       sql.NullTime    `db:"finish_time"`
	ResultCode       string          `db:"result_code"`
	FailureStage     sql.NullString  `db:"failure_stage"`
	FailureTransient bool            `db:"failure_transient"`
	Value            sql.NullFloat64 `db:"value"`
	Revisions        []byte          `db:"revisions"`
	Logs             []byte          `db:"logs"`
	WorkerID         sql.NullString  `db:"worker_id"`
	ChangeSet        string          `db:"change_set"`
	ResumeFrom       sql.NullString  `db:"resume_from"`
	ReviewStatus     string          `db:"review_status"`
}

func (r runRow) toDomain() (domain.Run, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Run{}, err
	}
	run := domain.Run{
		ID:               id,
		Codebase:         r.Codebase,
		Campaign:         r.Campaign,
		ResultCode:       domain.ResultCode(r.ResultCode),
		FailureTransient: r.FailureTransient,
		ChangeSet:        r.ChangeSet,
		ReviewStatus:     domain.ReviewStatus(r.ReviewStatus),
	}
	if r.Command.Valid {
		run.Command = r.Command.String
	}
	if r.StartTime.Valid {
		run.StartTime = r.StartTime.Time
	}
	if r.FinishTime.Valid {
		run.FinishTime = r.FinishTime.Time
	}
	if r.FailureStage.Valid {
		run.FailureStage = r.FailureStage.String
	}
	if r.Value.Valid {
		v := r.Value.Float64
		run.Value = &v
	}
	if len(r.Revisions) > 0 {
		if err := json.Unmarshal(r.Revisions, &run.Revisions); err != nil {
			return domain.Run{}, err
		}
	}
	if len(r.Logs) > 0 {
		if err := json.Unmarshal(r.Logs, &run.Logs); err != nil {
			return domain.Run{}, err
		}
	}
	if r.WorkerID.Valid {
		run.WorkerID = r.WorkerID.String
	}
	run.ResumeFrom = sqlutil.FromNullUUID(r.ResumeFrom)
	return run, nil
}

const runColumns = `id, codebase, campaign, command, start_time, finish_time, result_code, failure_stage,
	failure_transient, value, revisions, logs, worker_id, change_set, resume_from, review_status`

// InsertRun inserts r and its result branches in one transaction. It is
// idempotent on id: re-inserting a byte-identical
// run is a no-op, re-inserting a differing run with the same id is a
// Conflict.
func (s *Store) InsertRun(ctx context.Context, r domain.Run) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		revisions, err := json.Marshal(r.Revisions)
		if err != nil {
			return err
		}
		logs, err := json.Marshal(r.Logs)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO run (id, codebase, campaign, command, start_time, finish_time, result_code,
				failure_stage, failure_transient, value, revisions, logs, worker_id, change_set, resume_from, review_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (id) DO NOTHING`,
			r.ID.String(), r.Codebase, r.Campaign, sqlutil.ToNullStringValue(r.Command),
			sqlutil.ToNullTime(timePtr(r.StartTime)), sqlutil.ToNullTime(timePtr(r.FinishTime)),
			string(r.ResultCode), sqlutil.ToNullStringValue(r.FailureStage), r.FailureTransient,
			nullFloat(r.Value), revisions, logs, sqlutil.ToNullStringValue(r.WorkerID),
			r.ChangeSet, sqlutil.ToNullUUID(r.ResumeFrom), string(reviewStatusOrDefault(r.ReviewStatus)))
		if err != nil {
			return err
		}
		inserted, _ := res.RowsAffected()
		if inserted == 0 {
			existing, err := s.runInTx(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			if !runsEquivalent(existing, r) {
				return store.ErrConflict
			}
			return nil
		}
		for _, b := range r.ResultBranches {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO result_branch (run_id, role, remote_name, base_revision, revision, absorbed)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.ID.String(), b.Role, b.RemoteName, b.BaseRevision, b.Revision, b.Absorbed); err != nil {
				return err
			}
		}
		return nil
	})
}

// runsEquivalent compares the fields a duplicate report could plausibly
// differ in. Branch sets are compared by (role, revision); log and
// revision lists by value.
func runsEquivalent(a, b domain.Run) bool {
	if a.Codebase != b.Codebase || a.Campaign != b.Campaign ||
		a.ResultCode != b.ResultCode || a.FailureStage != b.FailureStage ||
		a.FailureTransient != b.FailureTransient || a.WorkerID != b.WorkerID ||
		a.ChangeSet != b.ChangeSet {
		return false
	}
	if !a.StartTime.Equal(b.StartTime) || !a.FinishTime.Equal(b.FinishTime) {
		return false
	}
	if len(a.Revisions) != len(b.Revisions) || len(a.Logs) != len(b.Logs) {
		return false
	}
	for i := range a.Revisions {
		if a.Revisions[i] != b.Revisions[i] {
			return false
		}
	}
	for i := range a.Logs {
		if a.Logs[i] != b.Logs[i] {
			return false
		}
	}
	if len(a.ResultBranches) != len(b.ResultBranches) {
		return false
	}
	byRole := make(map[string]string, len(a.ResultBranches))
	for _, br := range a.ResultBranches {
		byRole[br.Role] = br.Revision
	}
	for _, br := range b.ResultBranches {
		if byRole[br.Role] != br.Revision {
			return false
		}
	}
	return true
}

func (s *Store) Run(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM run WHERE id = $1`, id.String())
	if err != nil {
		return domain.Run{}, translateError(err)
	}
	run, err := row.toDomain()
	if err != nil {
		return domain.Run{}, err
	}
	run.ResultBranches, err = s.resultBranches(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (s *Store) runInTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (domain.Run, error) {
	var row runRow
	if err := tx.GetContext(ctx, &row, `SELECT `+runColumns+` FROM run WHERE id = $1`, id.String()); err != nil {
		return domain.Run{}, err
	}
	run, err := row.toDomain()
	if err != nil {
		return domain.Run{}, err
	}
	var branches []resultBranchRow
	if err := tx.SelectContext(ctx, &branches,
		`SELECT run_id, role, remote_name, base_revision, revision, absorbed FROM result_branch WHERE run_id = $1 ORDER BY role`,
		id.String()); err != nil {
		return domain.Run{}, err
	}
	for _, b := range branches {
		run.ResultBranches = append(run.ResultBranches, b.toDomain())
	}
	return run, nil
}

type resultBranchRow struct {
	RunID        string `db:"run_id"`
	Role         string `db:"role"`
	RemoteName   string `db:"remote_name"`
	BaseRevision string `db:"base_revision"`
	Revision     string `db:"revision"`
	Absorbed     bool   `db:"absorbed"`
}

func (b resultBranchRow) toDomain() domain.ResultBranch {
	return domain.ResultBranch{
		Role:         b.Role,
		RemoteName:   b.RemoteName,
		BaseRevision: b.BaseRevision,
		Revision:     b.Revision,
		Absorbed:     b.Absorbed,
	}
}

func (s *Store) resultBranches(ctx context.Context, runID uuid.UUID) ([]domain.ResultBranch, error) {
	var rows []resultBranchRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT run_id, role, remote_name, base_revision, revision, absorbed FROM result_branch WHERE run_id = $1 ORDER BY role`,
		runID.String()); err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.ResultBranch, 0, len(rows))
	for _, b := range rows {
		out = append(out, b.toDomain())
	}
	return out, nil
}

func (s *Store) SetReviewStatus(ctx context.Context, runID uuid.UUID, status domain.ReviewStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run SET review_status = $2 WHERE id = $1`, runID.String(), string(status))
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetBranchAbsorbed(ctx context.Context, runID uuid.UUID, role string, absorbed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE result_branch SET absorbed = $3 WHERE run_id = $1 AND role = $2`,
		runID.String(), role, absorbed)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RefreshLastRun recomputes the three derived views for (codebase,
// campaign) — last run, last effective run, last unabsorbed run
// — and upserts them into the last_runs summary table. Classification of
// no-op and transient outcomes uses the current classifier snapshot, so
// the derivation lives here rather than in a database trigger.
func (s *Store) RefreshLastRun(ctx context.Context, codebase, campaign string) error {
	var rows []struct {
		ID               string `db:"id"`
		ResultCode       string `db:"result_code"`
		FailureTransient bool   `db:"failure_transient"`
		Unabsorbed       int    `db:"unabsorbed"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.result_code, r.failure_transient,
			(SELECT count(*) FROM result_branch b WHERE b.run_id = r.id AND NOT b.absorbed) AS unabsorbed
		FROM run r
		WHERE r.codebase = $1 AND r.campaign = $2 AND r.finish_time IS NOT NULL
		ORDER BY r.finish_time DESC
		LIMIT 100`, codebase, campaign)
	if err != nil {
		return translateError(err)
	}
	if len(rows) == 0 {
		return nil
	}

	lastRun := sql.NullString{String: rows[0].ID, Valid: true}
	var lastEffective, lastUnabsorbed sql.NullString
	for _, r := range rows {
		class := s.classifier.Classify(domain.ResultCode(r.ResultCode))
		if !lastEffective.Valid && class != classifier.ClassNoOp && class != classifier.ClassTransient && !r.FailureTransient {
			lastEffective = sql.NullString{String: r.ID, Valid: true}
		}
		if !lastUnabsorbed.Valid && class == classifier.ClassSuccess && r.Unabsorbed > 0 {
			lastUnabsorbed = sql.NullString{String: r.ID, Valid: true}
		}
		if lastEffective.Valid && lastUnabsorbed.Valid {
			break
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO last_runs (codebase, campaign, run_id, effective_run_id, unabsorbed_run_id, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (codebase, campaign) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			effective_run_id = EXCLUDED.effective_run_id,
			unabsorbed_run_id = EXCLUDED.unabsorbed_run_id,
			refreshed_at = EXCLUDED.refreshed_at`,
		codebase, campaign, lastRun, lastEffective, lastUnabsorbed)
	return translateError(err)
}

// HistoricalRuns returns finished runs within the lookback window, most
// recent first. Result branches are not loaded; the statistics engine
// needs only codes and timestamps.
func (s *Store) HistoricalRuns(ctx context.Context, codebase, campaign string, window time.Duration) ([]domain.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+runColumns+` FROM run
		WHERE codebase = $1 AND campaign = $2 AND finish_time IS NOT NULL AND finish_time >= now() - $3::interval
		ORDER BY finish_time DESC`,
		codebase, campaign, window.String())
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// ResumableRun returns the most recent transiently-failed run of the same
// (codebase, campaign, change-set), which a new assignment can resume
// from rather than starting the code-mod over.
func (s *Store) ResumableRun(ctx context.Context, codebase, campaign, changeSet string) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+runColumns+` FROM run
		WHERE codebase = $1 AND campaign = $2 AND change_set = $3 AND failure_transient
		ORDER BY finish_time DESC LIMIT 1`,
		codebase, campaign, changeSet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	run, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	run.ResultBranches, err = s.resultBranches(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func reviewStatusOrDefault(s domain.ReviewStatus) domain.ReviewStatus {
	if s == "" {
		return domain.ReviewStatusUnreviewed
	}
	return s
}

var _ store.RunStore = (*Store)(nil)
