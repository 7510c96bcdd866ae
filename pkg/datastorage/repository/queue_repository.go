package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vcsched/scheduler-core/pkg/datastorage/repository/sqlutil"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

type queueRow struct {
	ID              int64          `db:"id"`
	Bucket          string         `db:"bucket"`
	Codebase        string         `db:"codebase"`
	Campaign        string         `db:"campaign"`
	Command         sql.NullString `db:"command"`
	Priority        int64          `db:"priority"`
	Context         sql.NullString `db:"context"`
	EstimatedSecs   int64          `db:"estimated_duration_seconds"`
	Refresh         bool           `db:"refresh"`
	Requestor       sql.NullString `db:"requestor"`
	ChangeSet       string         `db:"change_set"`
	EarliestStart   sql.NullTime   `db:"earliest_start"`
	ReservedWorker  sql.NullString `db:"reserved_worker"`
	LeaseExpiry     sql.NullTime   `db:"lease_expiry"`
	PreallocatedRun sql.NullString `db:"preallocated_run_id"`
	EnqueuedAt      time.Time      `db:"enqueued_at"`
}

func (r queueRow) toDomain() domain.QueueItem {
	item := domain.QueueItem{
		ID:                r.ID,
		Bucket:            domain.Bucket(r.Bucket),
		Codebase:          r.Codebase,
		Campaign:          r.Campaign,
		Priority:          r.Priority,
		EstimatedDuration: time.Duration(r.EstimatedSecs) * time.Second,
		Refresh:           r.Refresh,
		ChangeSet:         r.ChangeSet,
		EnqueuedAt:        r.EnqueuedAt,
	}
	if r.Command.Valid {
		item.Command = r.Command.String
	}
	if r.Context.Valid {
		item.Context = r.Context.String
	}
	if r.Requestor.Valid {
		item.Requestor = r.Requestor.String
	}
	if r.EarliestStart.Valid {
		item.EarliestStart = r.EarliestStart.Time
	}
	if r.ReservedWorker.Valid && r.LeaseExpiry.Valid {
		item.Reservation = &domain.Reservation{
			WorkerID:    r.ReservedWorker.String,
			LeaseExpiry: r.LeaseExpiry.Time,
		}
	}
	if id := sqlutil.FromNullUUID(r.PreallocatedRun); id != nil {
		item.PreallocatedRunID = *id
	}
	return item
}

const queueColumns = `id, bucket, codebase, campaign, command, priority, context, estimated_duration_seconds,
	refresh, requestor, change_set, earliest_start, reserved_worker, lease_expiry, preallocated_run_id, enqueued_at`

// Enqueue inserts item, pre-allocating a run id if the caller did not.
// A unique-key collision returns the existing row's id with ErrConflict
// so the Queue Manager can apply its retain-and-maybe-reprioritize rule.
func (s *Store) Enqueue(ctx context.Context, item domain.QueueItem) (int64, int64, error) {
	runID := item.PreallocatedRunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO queue (bucket, bucket_rank, codebase, campaign, command, priority, context,
			estimated_duration_seconds, refresh, requestor, change_set, earliest_start, preallocated_run_id, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, COALESCE($14, now()), now())
		ON CONFLICT (codebase, campaign, change_set) DO NOTHING
		RETURNING id`,
		string(item.Bucket), domain.BucketRank(item.Bucket), item.Codebase, item.Campaign,
		sqlutil.ToNullStringValue(item.Command), item.Priority, sqlutil.ToNullStringValue(item.Context),
		int64(item.EstimatedDuration/time.Second), item.Refresh, sqlutil.ToNullStringValue(item.Requestor),
		item.ChangeSet, sqlutil.ToNullTime(timePtr(item.EarliestStart)), runID.String(),
		sqlutil.ToNullTime(timePtr(item.EnqueuedAt)))
	if err == nil {
		return id, 0, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, translateError(err)
	}

	var existingID int64
	err = s.db.GetContext(ctx, &existingID,
		`SELECT id FROM queue WHERE codebase = $1 AND campaign = $2 AND change_set = $3`,
		item.Codebase, item.Campaign, item.ChangeSet)
	if err != nil {
		return 0, 0, translateError(err)
	}
	return 0, existingID, store.ErrConflict
}

// queueWhere renders filter as WHERE clauses with `?` placeholders, for
// expansion through sqlx.In and Rebind. onlyEligible restricts to
// unreserved items whose earliest-start has passed (pop semantics);
// listing and admin reads pass false.
func queueWhere(filter store.QueueFilter, onlyEligible bool) (string, []interface{}) {
	clauses := []string{"TRUE"}
	var args []interface{}

	if onlyEligible {
		clauses = append(clauses,
			"q.reserved_worker IS NULL",
			"(q.earliest_start IS NULL OR q.earliest_start <= now())")
	}
	if len(filter.ExcludeHosts) > 0 {
		clauses = append(clauses, "cb.host NOT IN (?)")
		args = append(args, filter.ExcludeHosts)
	}
	if len(filter.ExcludeCampaigns) > 0 {
		clauses = append(clauses, "q.campaign NOT IN (?)")
		args = append(args, filter.ExcludeCampaigns)
	}
	if len(filter.RequireBucketSubset) > 0 {
		buckets := make([]string, 0, len(filter.RequireBucketSubset))
		for _, b := range filter.RequireBucketSubset {
			buckets = append(buckets, string(b))
		}
		clauses = append(clauses, "q.bucket IN (?)")
		args = append(args, buckets)
	}
	if filter.MinPriority != nil {
		clauses = append(clauses, "q.priority >= ?")
		args = append(args, *filter.MinPriority)
	}
	if filter.Campaign != "" {
		clauses = append(clauses, "q.campaign = ?")
		args = append(args, filter.Campaign)
	}
	if filter.Bucket != "" {
		clauses = append(clauses, "q.bucket = ?")
		args = append(args, string(filter.Bucket))
	}
	return strings.Join(clauses, " AND "), args
}

const queueSelect = `SELECT q.id, q.bucket, q.codebase, q.campaign, q.command, q.priority, q.context,
	q.estimated_duration_seconds, q.refresh, q.requestor, q.change_set, q.earliest_start,
	q.reserved_worker, q.lease_expiry, q.preallocated_run_id, q.enqueued_at
	FROM queue q JOIN codebase cb ON cb.name = q.codebase`

func (s *Store) Peek(ctx context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	return s.selectNext(ctx, filter, false)
}

// Pop returns the next eligible item in (bucket rank, priority, id) order
// under FOR UPDATE SKIP LOCKED, so two concurrent assignment requests
// never see the same item. The row stays in the
// queue; the caller reserves or removes it.
func (s *Store) Pop(ctx context.Context, filter store.QueueFilter) (*domain.QueueItem, error) {
	return s.selectNext(ctx, filter, true)
}

func (s *Store) selectNext(ctx context.Context, filter store.QueueFilter, forUpdate bool) (*domain.QueueItem, error) {
	where, args := queueWhere(filter, true)
	query := queueSelect + ` WHERE ` + where + ` ORDER BY q.bucket_rank, q.priority, q.id LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE OF q SKIP LOCKED`
	}
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var row queueRow
	err = s.db.GetContext(ctx, &row, s.db.Rebind(query), expanded...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	item := row.toDomain()
	return &item, nil
}

func (s *Store) QueueItem(ctx context.Context, id int64) (*domain.QueueItem, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, `SELECT `+queueColumns+` FROM queue WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	item := row.toDomain()
	return &item, nil
}

func (s *Store) Reprioritize(ctx context.Context, id int64, newPriority int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET priority = $2, updated_at = now() WHERE id = $1`, id, newPriority)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Rebucket(ctx context.Context, id int64, newBucket domain.Bucket) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET bucket = $2, bucket_rank = $3, updated_at = now() WHERE id = $1`,
		id, string(newBucket), domain.BucketRank(newBucket))
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Position returns id's 1-based rank in pop order plus the summed
// estimated duration of everything ahead of it.
func (s *Store) Position(ctx context.Context, id int64) (int, time.Duration, error) {
	var row struct {
		Rank    int   `db:"rank"`
		Waiting int64 `db:"waiting"`
	}
	err := s.db.GetContext(ctx, &row, `
		WITH ordered AS (
			SELECT id,
				row_number() OVER (ORDER BY bucket_rank, priority, id) AS rank,
				COALESCE(sum(estimated_duration_seconds) OVER (
					ORDER BY bucket_rank, priority, id
					ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING), 0) AS waiting
			FROM queue
		)
		SELECT rank, waiting FROM ordered WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, store.ErrNotFound
	}
	if err != nil {
		return 0, 0, translateError(err)
	}
	return row.Rank, time.Duration(row.Waiting) * time.Second, nil
}

func (s *Store) RemoveQueueItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListQueue(ctx context.Context, filter store.QueueFilter) ([]domain.QueueItem, error) {
	where, args := queueWhere(filter, false)
	query := queueSelect + ` WHERE ` + where + ` ORDER BY q.bucket_rank, q.priority, q.id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), expanded...); err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Reserve binds id to res. Reserving an already-reserved item is a
// Conflict, never a silent steal.
func (s *Store) Reserve(ctx context.Context, id int64, res domain.Reservation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE queue SET reserved_worker = $2, lease_expiry = $3, updated_at = now()
		WHERE id = $1 AND reserved_worker IS NULL`,
		id, res.WorkerID, res.LeaseExpiry)
	if err != nil {
		return translateError(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// ExtendLease moves a live reservation's expiry forward, for worker
// heartbeats. A missing or released reservation is a conflict so the
// worker learns its lease is gone.
func (s *Store) ExtendLease(ctx context.Context, id int64, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET lease_expiry = $2, updated_at = now()
		WHERE id = $1 AND reserved_worker IS NOT NULL`,
		id, newExpiry)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

// Defer pushes an unreserved item's earliest-start forward so pop skips
// it until the given time.
func (s *Store) Defer(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET earliest_start = $2, updated_at = now()
		WHERE id = $1 AND reserved_worker IS NULL`,
		id, until)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET reserved_worker = NULL, lease_expiry = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ExpiredReservations(ctx context.Context, asOf time.Time) ([]domain.QueueItem, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+queueColumns+` FROM queue WHERE reserved_worker IS NOT NULL AND lease_expiry < $1 ORDER BY lease_expiry`,
		asOf)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) StuckItems(ctx context.Context, stalledBefore time.Time) ([]domain.QueueItem, error) {
	var rows []queueRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+queueColumns+` FROM queue WHERE reserved_worker IS NULL AND updated_at < $1 ORDER BY updated_at`,
		stalledBefore)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]domain.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) QueueItemByKey(ctx context.Context, key domain.CandidateKey) (*domain.QueueItem, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+queueColumns+` FROM queue WHERE codebase = $1 AND campaign = $2 AND change_set = $3`,
		key.Codebase, key.Campaign, key.ChangeSet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	item := row.toDomain()
	return &item, nil
}

func (s *Store) QueueItemByRunID(ctx context.Context, runID uuid.UUID) (*domain.QueueItem, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+queueColumns+` FROM queue WHERE preallocated_run_id = $1`, runID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	item := row.toDomain()
	return &item, nil
}

var _ store.QueueStore = (*Store)(nil)
