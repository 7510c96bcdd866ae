package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/vcsched/scheduler-core/internal/errors"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/queue"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

type queueItemResponse struct {
	ID                int64      `json:"id"`
	Bucket            string     `json:"bucket"`
	Codebase          string     `json:"codebase"`
	Campaign          string     `json:"campaign"`
	Command           string     `json:"command,omitempty"`
	Priority          int64      `json:"priority"`
	EstimatedDuration string     `json:"estimated_duration,omitempty"`
	ChangeSet         string     `json:"change_set,omitempty"`
	Refresh           bool       `json:"refresh,omitempty"`
	Requestor         string     `json:"requestor,omitempty"`
	EnqueuedAt        time.Time  `json:"enqueued_at"`
	ReservedBy        string     `json:"reserved_by,omitempty"`
	LeaseExpiry       *time.Time `json:"lease_expiry,omitempty"`
}

func toQueueItemResponse(item domain.QueueItem) queueItemResponse {
	resp := queueItemResponse{
		ID:         item.ID,
		Bucket:     string(item.Bucket),
		Codebase:   item.Codebase,
		Campaign:   item.Campaign,
		Command:    item.Command,
		Priority:   item.Priority,
		ChangeSet:  item.ChangeSet,
		Refresh:    item.Refresh,
		Requestor:  item.Requestor,
		EnqueuedAt: item.EnqueuedAt,
	}
	if item.EstimatedDuration > 0 {
		resp.EstimatedDuration = item.EstimatedDuration.String()
	}
	if item.Reservation != nil {
		resp.ReservedBy = item.Reservation.WorkerID
		expiry := item.Reservation.LeaseExpiry
		resp.LeaseExpiry = &expiry
	}
	return resp
}

// GET /queue?campaign=...&bucket=...&limit=...&offset=...
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	filter := store.QueueFilter{
		Campaign: r.URL.Query().Get("campaign"),
		Bucket:   domain.Bucket(r.URL.Query().Get("bucket")),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}
	items, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, apperrors.NewDatabaseError("list queue", err))
		return
	}
	out := make([]queueItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, toQueueItemResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": out})
}

type enqueueRequest struct {
	Codebase  string `json:"codebase" validate:"required"`
	Campaign  string `json:"campaign" validate:"required"`
	Command   string `json:"command"`
	Priority  int64  `json:"priority"`
	ChangeSet string `json:"change_set"`
	Refresh   bool   `json:"refresh"`
	Requestor string `json:"requestor"`
}

// POST /queue enqueues a manual item.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperrors.NewValidationError(err.Error()))
		return
	}

	id, inserted, err := s.queue.Enqueue(r.Context(), domain.QueueItem{
		Bucket:    domain.BucketManual,
		Codebase:  req.Codebase,
		Campaign:  req.Campaign,
		Command:   req.Command,
		Priority:  req.Priority,
		ChangeSet: req.ChangeSet,
		Refresh:   req.Refresh,
		Requestor: req.Requestor,
	})
	if err != nil {
		s.writeError(w, apperrors.NewDatabaseError("enqueue", err))
		return
	}
	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"id": id, "inserted": inserted})
}

func (s *Server) queueIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError("queue id must be an integer")
	}
	return id, nil
}

type priorityRequest struct {
	Priority int64 `json:"priority"`
}

// POST /queue/{id}/priority
func (s *Server) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	id, err := s.queueIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	switch err := s.queue.Reprioritize(r.Context(), id, req.Priority); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case store.ErrNotFound:
		s.writeError(w, apperrors.NewNotFoundError("queue item"))
	default:
		s.writeError(w, apperrors.NewDatabaseError("reprioritize", err))
	}
}

// DELETE /queue/{id}
func (s *Server) handleRemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, err := s.queueIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch err := s.queue.Remove(r.Context(), id); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case store.ErrNotFound:
		s.writeError(w, apperrors.NewNotFoundError("queue item"))
	case queue.ErrReservedRemove:
		s.writeError(w, apperrors.NewConflictError("queue item is reserved"))
	default:
		s.writeError(w, apperrors.NewDatabaseError("remove queue item", err))
	}
}

type runResponse struct {
	ID               string    `json:"id"`
	Codebase         string    `json:"codebase"`
	Campaign         string    `json:"campaign"`
	Command          string    `json:"command,omitempty"`
	StartTime        time.Time `json:"start_time"`
	FinishTime       time.Time `json:"finish_time"`
	ResultCode       string    `json:"result_code"`
	FailureStage     string    `json:"failure_stage,omitempty"`
	FailureTransient bool      `json:"failure_transient"`
	WorkerID         string    `json:"worker_id,omitempty"`
	ChangeSet        string    `json:"change_set,omitempty"`
	ReviewStatus     string    `json:"review_status"`
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, apperrors.NewValidationError("run id must be a UUID"))
		return
	}
	run, err := s.runs.Run(r.Context(), id)
	if err == store.ErrNotFound {
		s.writeError(w, apperrors.NewNotFoundError("run"))
		return
	}
	if err != nil {
		s.writeError(w, apperrors.NewDatabaseError("load run", err))
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		ID:               run.ID.String(),
		Codebase:         run.Codebase,
		Campaign:         run.Campaign,
		Command:          run.Command,
		StartTime:        run.StartTime,
		FinishTime:       run.FinishTime,
		ResultCode:       string(run.ResultCode),
		FailureStage:     run.FailureStage,
		FailureTransient: run.FailureTransient,
		WorkerID:         run.WorkerID,
		ChangeSet:        run.ChangeSet,
		ReviewStatus:     string(run.ReviewStatus),
	})
}

// GET /candidates/{codebase}/{campaign}
func (s *Server) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	key := domain.CandidateKey{
		Codebase:  chi.URLParam(r, "codebase"),
		Campaign:  chi.URLParam(r, "campaign"),
		ChangeSet: r.URL.Query().Get("change_set"),
	}
	candidate, err := s.candidates.CandidateByKey(r.Context(), key)
	if err != nil {
		s.writeError(w, apperrors.NewDatabaseError("load candidate", err))
		return
	}
	if candidate == nil {
		s.writeError(w, apperrors.NewNotFoundError("candidate"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"codebase":       candidate.Codebase,
		"campaign":       candidate.Campaign,
		"change_set":     candidate.ChangeSet,
		"command":        candidate.Command,
		"context":        candidate.Context,
		"value":          candidate.Value,
		"success_chance": candidate.SuccessChance,
		"publish_policy": candidate.PublishPolicy,
	})
}
