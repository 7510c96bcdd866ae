package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/vcsched/scheduler-core/pkg/datastorage/repository/sqlutil"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

type candidateRow struct {
	Codebase      string          `db:"codebase"`
	Campaign      string          `db:"campaign"`
	ChangeSet     string          `db:"change_set"`
	Command       sql.NullString  `db:"command"`
	Context       sql.NullString  `db:"context"`
	Value         sql.NullFloat64 `db:"value"`
	SuccessChance sql.NullFloat64 `db:"success_chance"`
	PublishPolicy sql.NullString  `db:"publish_policy"`
}

func (r candidateRow) toDomain() domain.Candidate {
	c := domain.Candidate{
		Codebase:  r.Codebase,
		Campaign:  r.Campaign,
		ChangeSet: r.ChangeSet,
	}
	if r.Command.Valid {
		c.Command = r.Command.String
	}
	if r.Context.Valid {
		c.Context = r.Context.String
	}
	if r.Value.Valid {
		v := r.Value.Float64
		c.Value = &v
	}
	if r.SuccessChance.Valid {
		v := r.SuccessChance.Float64
		c.SuccessChance = &v
	}
	if r.PublishPolicy.Valid {
		c.PublishPolicy = r.PublishPolicy.String
	}
	return c
}

const candidateColumns = `codebase, campaign, change_set, command, context, value, success_chance, publish_policy`

// UpsertCandidate inserts c or replaces the mutable fields of the existing
// row for its unique key.
func (s *Store) UpsertCandidate(ctx context.Context, c domain.Candidate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidate (codebase, campaign, change_set, command, context, value, success_chance, publish_policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (codebase, campaign, change_set) DO UPDATE SET
			command = EXCLUDED.command,
			context = EXCLUDED.context,
			value = EXCLUDED.value,
			success_chance = EXCLUDED.success_chance,
			publish_policy = EXCLUDED.publish_policy`,
		c.Codebase, c.Campaign, c.ChangeSet,
		sqlutil.ToNullStringValue(c.Command), sqlutil.ToNullStringValue(c.Context),
		nullFloat(c.Value), nullFloat(c.SuccessChance),
		sqlutil.ToNullStringValue(c.PublishPolicy))
	return translateError(err)
}

func (s *Store) RetractCandidate(ctx context.Context, codebase, campaign, changeSet string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candidate WHERE codebase = $1 AND campaign = $2 AND change_set = $3`,
		codebase, campaign, changeSet)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Candidates lists candidates matching filter. ActiveOnly joins the
// codebase table to drop inactive or removed codebases.
func (s *Store) Candidates(ctx context.Context, filter store.CandidateFilter) ([]domain.Candidate, error) {
	query := `SELECT c.codebase, c.campaign, c.change_set, c.command, c.context, c.value, c.success_chance, c.publish_policy
		FROM candidate c`
	var args []interface{}
	if filter.ActiveOnly {
		query += ` JOIN codebase cb ON cb.name = c.codebase AND NOT cb.inactive AND NOT cb.removed`
	}
	if filter.Campaign != "" {
		args = append(args, filter.Campaign)
		query += ` WHERE c.campaign = $1`
	}
	query += ` ORDER BY c.codebase, c.campaign, c.change_set`

	var rows []candidateRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) CandidateByKey(ctx context.Context, key domain.CandidateKey) (*domain.Candidate, error) {
	var row candidateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+candidateColumns+` FROM candidate WHERE codebase = $1 AND campaign = $2 AND change_set = $3`,
		key.Codebase, key.Campaign, key.ChangeSet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	c := row.toDomain()
	return &c, nil
}

type codebaseRow struct {
	Name     string          `db:"name"`
	URL      string          `db:"url"`
	VCS      string          `db:"vcs_kind"`
	Branch   sql.NullString  `db:"branch"`
	Subpath  sql.NullString  `db:"subpath"`
	Value    sql.NullFloat64 `db:"value"`
	Inactive bool            `db:"inactive"`
	Removed  bool            `db:"removed"`
}

func (s *Store) Codebase(ctx context.Context, name string) (domain.Codebase, error) {
	var row codebaseRow
	err := s.db.GetContext(ctx, &row,
		`SELECT name, url, vcs_kind, branch, subpath, value, inactive, removed FROM codebase WHERE name = $1`, name)
	if err != nil {
		return domain.Codebase{}, translateError(err)
	}
	cb := domain.Codebase{
		Name:     row.Name,
		URL:      row.URL,
		VCS:      domain.VCSKind(row.VCS),
		Inactive: row.Inactive,
		Removed:  row.Removed,
	}
	if row.Branch.Valid {
		cb.Branch = row.Branch.String
	}
	if row.Subpath.Valid {
		cb.Subpath = row.Subpath.String
	}
	if row.Value.Valid {
		v := row.Value.Float64
		cb.Value = &v
	}
	return cb, nil
}

func (s *Store) Campaign(ctx context.Context, name string) (domain.Campaign, error) {
	var row struct {
		Name           string         `db:"name"`
		DefaultCommand sql.NullString `db:"default_command"`
		PublishPolicy  sql.NullString `db:"publish_policy"`
		DependsOn      []byte         `db:"depends_on"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT name, default_command, publish_policy, depends_on FROM campaign WHERE name = $1`, name)
	if err != nil {
		return domain.Campaign{}, translateError(err)
	}
	c := domain.Campaign{Name: row.Name}
	if row.DefaultCommand.Valid {
		c.DefaultCommand = row.DefaultCommand.String
	}
	if row.PublishPolicy.Valid {
		c.PublishPolicy = row.PublishPolicy.String
	}
	if len(row.DependsOn) > 0 {
		if err := json.Unmarshal(row.DependsOn, &c.DependsOn); err != nil {
			return domain.Campaign{}, translateError(err)
		}
	}
	return c, nil
}

func (s *Store) PublishPolicy(ctx context.Context, name string) (domain.PublishPolicy, error) {
	var row struct {
		Name            string         `db:"name"`
		ModeByRole      []byte         `db:"mode_by_role"`
		Review          string         `db:"review"`
		RateLimitBucket sql.NullString `db:"rate_limit_bucket"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT name, mode_by_role, review, rate_limit_bucket FROM named_publish_policy WHERE name = $1`, name)
	if err != nil {
		return domain.PublishPolicy{}, translateError(err)
	}
	p := domain.PublishPolicy{
		Name:   row.Name,
		Review: domain.ReviewRequirement(row.Review),
	}
	if row.RateLimitBucket.Valid {
		p.RateLimitBucket = row.RateLimitBucket.String
	}
	if len(row.ModeByRole) > 0 {
		var byRole map[string]string
		if err := json.Unmarshal(row.ModeByRole, &byRole); err != nil {
			return domain.PublishPolicy{}, translateError(err)
		}
		p.ModeByRole = make(map[string]domain.PublishMode, len(byRole))
		for role, mode := range byRole {
			p.ModeByRole[role] = domain.PublishMode(mode)
		}
	}
	return p, nil
}

// LastCampaignOutcome reports whether codebase/campaign's most recent
// finished run succeeded, for dependency resolution. A no-op outcome counts as success: "nothing to do" means the
// prerequisite campaign has nothing left to change here.
func (s *Store) LastCampaignOutcome(ctx context.Context, codebase, campaign string) (bool, bool, error) {
	var code string
	err := s.db.GetContext(ctx, &code, `
		SELECT result_code FROM run
		WHERE codebase = $1 AND campaign = $2 AND finish_time IS NOT NULL
		ORDER BY finish_time DESC LIMIT 1`, codebase, campaign)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, translateError(err)
	}
	class := s.classifier.Classify(domain.ResultCode(code))
	return class == classifier.ClassSuccess || class == classifier.ClassNoOp, true, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

var _ store.CandidateStore = (*Store)(nil)
