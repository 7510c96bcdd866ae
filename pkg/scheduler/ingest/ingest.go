// Package ingest implements the Result Ingestor: the state
// machine that turns a worker's report into a persisted run, releases the
// queue item, refreshes the derived views, advances change-set state, and
// decides the follow-up (requeue with penalty, refresh, or nothing).
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vcsched/scheduler-core/internal/config"
	apperrors "github.com/vcsched/scheduler-core/internal/errors"
	"github.com/vcsched/scheduler-core/internal/tracing"
	"github.com/vcsched/scheduler-core/pkg/metrics"
	"github.com/vcsched/scheduler-core/pkg/scheduler/classifier"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// Report is a worker's result submission.
type Report struct {
	RunID            uuid.UUID
	WorkerID         string
	ResultCode       domain.ResultCode
	FailureStage     string
	FailureTransient bool
	Value            *float64
	Revisions        []string
	ResultBranches   []domain.ResultBranch
	Logs             []string
	StartTime        time.Time
	FinishTime       time.Time
}

// FollowUpScheduler schedules runs of campaigns that depend on a freshly
// succeeded one. The Candidate Selector implements it.
type FollowUpScheduler interface {
	ScheduleDependents(ctx context.Context, codebase, campaign string) error
}

// EventSink receives queue-state notifications for downstream observers.
// Implementations must be fast or buffer internally.
type EventSink interface {
	RunIngested(ctx context.Context, run domain.Run)
	ItemRequeued(ctx context.Context, item domain.QueueItem)
}

// Ingestor wires the stores, queue, classifier, and follow-up scheduler
// into the report-handling state machine.
type Ingestor struct {
	runs       store.RunStore
	changeSets store.ChangeSetStore
	queue      *queue.Manager
	classify   *classifier.Table
	followUps  FollowUpScheduler
	events     EventSink
	cfg        config.IngestionConfig
	log        *zap.Logger

	now func() time.Time
}

func New(runs store.RunStore, changeSets store.ChangeSetStore, q *queue.Manager,
	table *classifier.Table, followUps FollowUpScheduler, events EventSink,
	cfg config.IngestionConfig, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	if table == nil {
		table = classifier.DefaultTable()
	}
	return &Ingestor{
		runs:       runs,
		changeSets: changeSets,
		queue:      q,
		classify:   table,
		followUps:  followUps,
		events:     events,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Ingest processes one report. Errors are *apperrors.AppError so the
// worker protocol can map them straight to a status code: Validation for
// a missing run id or result code, Permanent for a finish time before the
// start time, NotFound for an unknown run id, and Conflict for a report
// that differs from the run already recorded under its id. It never
// returns Stale.
func (i *Ingestor) Ingest(ctx context.Context, report Report) error {
	ctx, span := tracing.Start(ctx, "ingest.report")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", report.RunID.String()),
		attribute.String("result_code", string(report.ResultCode)),
	)

	if err := i.validate(report); err != nil {
		return err
	}

	item, err := i.queue.ItemByRunID(ctx, report.RunID)
	if err != nil {
		return apperrors.NewDatabaseError("lookup queue item", err)
	}

	// A missing queue item means either a duplicate report (the first
	// one already removed the item) or a report for a run this
	// scheduler never handed out.
	if item == nil {
		existing, err := i.runs.Run(ctx, report.RunID)
		if err == store.ErrNotFound {
			return apperrors.NewNotFoundError("run")
		}
		if err != nil {
			return apperrors.NewDatabaseError("lookup run", err)
		}
		if i.sameOutcome(existing, report) {
			return nil
		}
		return apperrors.NewConflictError("run already reported with different contents")
	}

	run := i.buildRun(report, item)
	if err := i.runs.InsertRun(ctx, run); err != nil {
		if err == store.ErrConflict {
			return apperrors.NewConflictError("run already reported with different contents")
		}
		return apperrors.NewDatabaseError("insert run", err)
	}

	// The reservation ends here; removal must not be blocked by it.
	if item.Reserved() {
		if err := i.queue.Release(ctx, item.ID); err != nil {
			return apperrors.NewDatabaseError("release reservation", err)
		}
	}
	if err := i.queue.Remove(ctx, item.ID); err != nil && err != store.ErrNotFound {
		return apperrors.NewDatabaseError("remove queue item", err)
	}

	if err := i.runs.RefreshLastRun(ctx, run.Codebase, run.Campaign); err != nil {
		return apperrors.NewDatabaseError("refresh last-run views", err)
	}

	metrics.RecordResult(string(run.ResultCode))
	if d := run.Duration(); d > 0 {
		metrics.ObserveRunDuration(run.Campaign, d)
	}
	if i.events != nil {
		i.events.RunIngested(ctx, run)
	}

	if err := i.followUp(ctx, run, item); err != nil {
		return err
	}

	if run.ChangeSet != "" {
		if _, err := i.changeSets.ChangeSetState(ctx, run.ChangeSet); err != nil {
			return apperrors.NewDatabaseError("derive change-set state", err)
		}
	}
	return nil
}

func (i *Ingestor) validate(report Report) error {
	if report.RunID == uuid.Nil {
		return apperrors.NewValidationError("run_id is required")
	}
	if report.ResultCode == "" {
		return apperrors.NewValidationError("result_code is required")
	}
	if !report.FinishTime.IsZero() && !report.StartTime.IsZero() && report.FinishTime.Before(report.StartTime) {
		// Clock skew is rejected outright rather than silently clamped.
		return apperrors.NewPermanentError("finish_time precedes start_time")
	}
	return nil
}

func (i *Ingestor) buildRun(report Report, item *domain.QueueItem) domain.Run {
	branches := make([]domain.ResultBranch, len(report.ResultBranches))
	copy(branches, report.ResultBranches)
	for idx := range branches {
		branches[idx].Absorbed = false
	}
	return domain.Run{
		ID:               report.RunID,
		Codebase:         item.Codebase,
		Campaign:         item.Campaign,
		Command:          item.Command,
		StartTime:        report.StartTime,
		FinishTime:       report.FinishTime,
		ResultCode:       report.ResultCode,
		FailureStage:     report.FailureStage,
		FailureTransient: report.FailureTransient,
		Value:            report.Value,
		Revisions:        report.Revisions,
		ResultBranches:   branches,
		Logs:             report.Logs,
		WorkerID:         report.WorkerID,
		ChangeSet:        item.ChangeSet,
		ReviewStatus:     domain.ReviewStatusUnreviewed,
	}
}

func (i *Ingestor) sameOutcome(existing domain.Run, report Report) bool {
	return existing.ResultCode == report.ResultCode &&
		existing.WorkerID == report.WorkerID &&
		existing.FinishTime.Equal(report.FinishTime)
}

// followUp applies the follow-up decision table to a freshly ingested run.
func (i *Ingestor) followUp(ctx context.Context, run domain.Run, item *domain.QueueItem) error {
	class := i.classify.Classify(run.ResultCode)
	transient := class == classifier.ClassTransient || run.FailureTransient

	switch {
	case run.ResultCode == "missing-deps":
		cooldown := i.cfg.MissingDepsCooldown
		if cooldown <= 0 {
			cooldown = 10 * time.Minute
		}
		return i.requeue(ctx, item, domain.BucketMissingDeps, item.Priority, i.now().Add(cooldown))

	case class == classifier.ClassSuccess:
		if i.followUps != nil {
			if err := i.followUps.ScheduleDependents(ctx, run.Codebase, run.Campaign); err != nil {
				i.log.Warn("failed to schedule dependent campaigns",
					zap.String("codebase", run.Codebase),
					zap.String("campaign", run.Campaign),
					zap.Error(err))
			}
		}
		return nil

	case class == classifier.ClassNoOp:
		if item.Refresh {
			return i.requeue(ctx, item, item.Bucket, item.Priority, time.Time{})
		}
		return nil

	case transient:
		penalty := int64(i.cfg.TransientPenalty)
		cooldown := i.cfg.Cooldown
		if cooldown <= 0 {
			cooldown = 5 * time.Minute
		}
		return i.requeue(ctx, item, domain.BucketReschedule, item.Priority+penalty, i.now().Add(cooldown))

	default:
		// Permanent failure: left for the next candidate-feed refresh.
		return nil
	}
}

func (i *Ingestor) requeue(ctx context.Context, item *domain.QueueItem, bucket domain.Bucket, priority int64, earliest time.Time) error {
	newItem := domain.QueueItem{
		Bucket:            bucket,
		Codebase:          item.Codebase,
		Campaign:          item.Campaign,
		Command:           item.Command,
		Priority:          priority,
		Context:           item.Context,
		EstimatedDuration: item.EstimatedDuration,
		Refresh:           item.Refresh,
		Requestor:         item.Requestor,
		ChangeSet:         item.ChangeSet,
		EarliestStart:     earliest,
	}
	if _, _, err := i.queue.Enqueue(ctx, newItem); err != nil {
		return apperrors.NewDatabaseError("requeue item", err)
	}
	if i.events != nil {
		i.events.ItemRequeued(ctx, newItem)
	}
	return nil
}
