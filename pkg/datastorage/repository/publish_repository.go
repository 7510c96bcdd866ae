package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

func (s *Store) RecordPublish(ctx context.Context, p domain.PublishOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish (run_id, role, codebase, campaign, change_set, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		p.RunID.String(), p.Role, p.Codebase, p.Campaign, p.ChangeSet, p.Success)
	return translateError(err)
}

func (s *Store) UpsertMergeProposal(ctx context.Context, mp domain.MergeProposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_proposal (url, status, target_branch, revision, run_id, role, codebase, campaign, diverged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (url) DO UPDATE SET
			status = EXCLUDED.status,
			target_branch = EXCLUDED.target_branch,
			revision = EXCLUDED.revision,
			diverged = EXCLUDED.diverged`,
		mp.URL, string(mp.Status), mp.TargetBranch, mp.Revision,
		mp.RunID.String(), mp.Role, mp.Codebase, mp.Campaign, mp.Diverged)
	return translateError(err)
}

func (s *Store) MergeProposal(ctx context.Context, url string) (domain.MergeProposal, error) {
	var row struct {
		URL          string `db:"url"`
		Status       string `db:"status"`
		TargetBranch string `db:"target_branch"`
		Revision     string `db:"revision"`
		RunID        string `db:"run_id"`
		Role         string `db:"role"`
		Codebase     string `db:"codebase"`
		Campaign     string `db:"campaign"`
		Diverged     bool   `db:"diverged"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT url, status, target_branch, revision, run_id, role, codebase, campaign, diverged
		FROM merge_proposal WHERE url = $1`, url)
	if err != nil {
		return domain.MergeProposal{}, translateError(err)
	}
	runID, err := uuid.Parse(row.RunID)
	if err != nil {
		return domain.MergeProposal{}, err
	}
	return domain.MergeProposal{
		URL:          row.URL,
		Status:       domain.MergeProposalStatus(row.Status),
		TargetBranch: row.TargetBranch,
		Revision:     row.Revision,
		RunID:        runID,
		Role:         row.Role,
		Codebase:     row.Codebase,
		Campaign:     row.Campaign,
		Diverged:     row.Diverged,
	}, nil
}

func (s *Store) UnabsorbedBranches(ctx context.Context, runID uuid.UUID) ([]domain.ResultBranch, error) {
	var rows []resultBranchRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, role, remote_name, base_revision, revision, absorbed
		FROM result_branch WHERE run_id = $1 AND NOT absorbed ORDER BY role`, runID.String())
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.ResultBranch, 0, len(rows))
	for _, b := range rows {
		out = append(out, b.toDomain())
	}
	return out, nil
}

// changeSetFacts is everything the change-set derivation rule looks at,
// gathered in one pass.
type changeSetFacts struct {
	Candidates        int  `db:"candidates"`
	CandidatesSettled int  `db:"candidates_settled"`
	QueuedTodo        int  `db:"queued_todo"`
	Runs              int  `db:"runs"`
	Publishes         int  `db:"publishes"`
	UnabsorbedSuccess int  `db:"unabsorbed_success"`
	HasRow            bool `db:"has_row"`
}

// ChangeSetState derives id's state from persisted data, persists it, and
// returns it. The derivation is monotonic: the computed state never
// replaces a further-along persisted state, so a
// racing observer can only ever see progress.
func (s *Store) ChangeSetState(ctx context.Context, id string) (domain.ChangeSetState, error) {
	var facts changeSetFacts
	err := s.db.GetContext(ctx, &facts, `
		SELECT
			(SELECT count(*) FROM candidate c WHERE c.change_set = $1) AS candidates,
			(SELECT count(*) FROM candidate c WHERE c.change_set = $1
				AND EXISTS (SELECT 1 FROM run r WHERE r.codebase = c.codebase AND r.campaign = c.campaign
					AND r.change_set = $1 AND r.result_code = ANY($2))) AS candidates_settled,
			(SELECT count(*) FROM queue q WHERE q.change_set = $1) AS queued_todo,
			(SELECT count(*) FROM run r WHERE r.change_set = $1) AS runs,
			(SELECT count(*) FROM publish p WHERE p.change_set = $1 AND p.success) AS publishes,
			(SELECT count(*) FROM result_branch b JOIN run r ON r.id = b.run_id
				WHERE r.change_set = $1 AND NOT b.absorbed AND r.result_code = ANY($3)) AS unabsorbed_success,
			EXISTS (SELECT 1 FROM change_set cs WHERE cs.id = $1) AS has_row`,
		id, s.settledCodes(), s.successCodes())
	if err != nil {
		return "", translateError(err)
	}

	current := domain.ChangeSetCreated
	if facts.HasRow {
		var state string
		if err := s.db.GetContext(ctx, &state, `SELECT state FROM change_set WHERE id = $1`, id); err != nil {
			return "", translateError(err)
		}
		current = domain.ChangeSetState(state)
	}

	derived := deriveChangeSetState(facts)
	next := derived
	if current.Regresses(next) {
		next = current
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO change_set (id, state) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		id, string(next))
	if err != nil {
		return "", translateError(err)
	}
	return next, nil
}

func deriveChangeSetState(f changeSetFacts) domain.ChangeSetState {
	state := domain.ChangeSetCreated
	if f.Runs > 0 {
		state = domain.ChangeSetWorking
	}
	allSettled := f.Candidates > 0 && f.CandidatesSettled == f.Candidates && f.QueuedTodo == 0
	if allSettled {
		state = domain.ChangeSetReady
	}
	if f.Publishes > 0 && allSettled {
		state = domain.ChangeSetPublishing
		if f.UnabsorbedSuccess == 0 {
			state = domain.ChangeSetDone
		}
	}
	return state
}

// settledCodes lists the result codes that count a candidate as settled
// for the working -> ready transition: success or a terminal no-op.
func (s *Store) settledCodes() []string {
	return s.codesOfClasses(true, true)
}

func (s *Store) successCodes() []string {
	return s.codesOfClasses(true, false)
}

func (s *Store) codesOfClasses(success, noop bool) []string {
	var out []string
	for _, code := range s.classifier.Codes() {
		switch s.classifier.Classify(code) {
		case classifier.ClassSuccess:
			if success {
				out = append(out, string(code))
			}
		case classifier.ClassNoOp:
			if noop {
				out = append(out, string(code))
			}
		}
	}
	return out
}

func (s *Store) SetChangeSetState(ctx context.Context, id string, state domain.ChangeSetState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_set (id, state) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`,
		id, string(state))
	return translateError(err)
}

func (s *Store) RateLimitState(ctx context.Context, bucket string) (store.RateLimitState, error) {
	var row struct {
		Bucket        string `db:"bucket"`
		Cap           int    `db:"cap"`
		FailureStreak int    `db:"failure_streak"`
		OpenCount     int    `db:"open_count"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT bucket, cap, failure_streak, open_count FROM rate_limit_bucket WHERE bucket = $1`, bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RateLimitState{Bucket: bucket}, nil
	}
	if err != nil {
		return store.RateLimitState{}, translateError(err)
	}
	return store.RateLimitState{
		Bucket:        row.Bucket,
		Cap:           row.Cap,
		FailureStreak: row.FailureStreak,
		OpenCount:     row.OpenCount,
	}, nil
}

func (s *Store) SaveRateLimitState(ctx context.Context, state store.RateLimitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_bucket (bucket, cap, failure_streak, open_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket) DO UPDATE SET
			cap = EXCLUDED.cap,
			failure_streak = EXCLUDED.failure_streak,
			open_count = EXCLUDED.open_count`,
		state.Bucket, state.Cap, state.FailureStreak, state.OpenCount)
	return translateError(err)
}

var (
	_ store.PublishStore   = (*Store)(nil)
	_ store.ChangeSetStore = (*Store)(nil)
	_ store.RateLimitStore = (*Store)(nil)
	_ store.Store          = (*Store)(nil)
)
