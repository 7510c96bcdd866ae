package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/vcsched/scheduler-core/internal/errors"
	"github.com/vcsched/scheduler-core/pkg/scheduler/assignment"
	"github.com/vcsched/scheduler-core/pkg/scheduler/domain"
	"github.com/vcsched/scheduler-core/pkg/scheduler/ingest"
	"github.com/vcsched/scheduler-core/pkg/scheduler/store"
)

// assignmentResponse is the JSON shape of a handed-out bundle.
type assignmentResponse struct {
	RunID            string            `json:"run_id"`
	QueueID          int64             `json:"queue_id"`
	Codebase         string            `json:"codebase"`
	Campaign         string            `json:"campaign"`
	Command          string            `json:"command"`
	BranchURL        string            `json:"branch_url"`
	Branch           string            `json:"branch,omitempty"`
	Subpath          string            `json:"subpath,omitempty"`
	VCSType          string            `json:"vcs_type"`
	Context          string            `json:"context,omitempty"`
	ChangeSet        string            `json:"change_set,omitempty"`
	ResumeFrom       string            `json:"resume_from,omitempty"`
	LeaseExpiry      time.Time         `json:"lease_expiry"`
	BuildEnvironment map[string]string `json:"build_environment,omitempty"`
	LogUploadToken   string            `json:"log_upload_token"`
}

// GET /assignment?worker=...&campaign=...
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		s.writeError(w, apperrors.NewValidationError("worker query parameter is required"))
		return
	}
	var campaigns []string
	if raw := r.URL.Query().Get("campaign"); raw != "" {
		campaigns = strings.Split(raw, ",")
	}

	bundle, err := s.assignments.Assign(r.Context(), assignment.Request{
		WorkerID:  workerID,
		Campaigns: campaigns,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bundle == nil {
		w.Header().Set("Retry-After", retryAfterSeconds(s.assignments.NoWorkRetryAfter()))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := assignmentResponse{
		RunID:            bundle.RunID.String(),
		QueueID:          bundle.QueueID,
		Codebase:         bundle.Codebase,
		Campaign:         bundle.Campaign,
		Command:          bundle.Command,
		BranchURL:        bundle.BranchURL,
		Branch:           bundle.Branch,
		Subpath:          bundle.Subpath,
		VCSType:          string(bundle.VCS),
		Context:          bundle.Context,
		ChangeSet:        bundle.ChangeSet,
		LeaseExpiry:      bundle.LeaseExpiry,
		BuildEnvironment: bundle.BuildEnvironment,
		LogUploadToken:   bundle.LogUploadToken,
	}
	if bundle.ResumeFrom != nil {
		resp.ResumeFrom = bundle.ResumeFrom.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runIDFromPath(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "runID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.NewValidationError("run id must be a UUID")
	}
	return id, nil
}

// POST /assignment/{runID}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		s.writeError(w, apperrors.NewValidationError("worker query parameter is required"))
		return
	}
	switch err := s.assignments.Heartbeat(r.Context(), runID, workerID); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case store.ErrNotFound:
		s.writeError(w, apperrors.NewNotFoundError("assignment"))
	case store.ErrConflict:
		s.writeError(w, apperrors.NewStaleError("reservation held by another worker"))
	default:
		s.writeError(w, err)
	}
}

// POST /assignment/{runID}/abandon
func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	workerID := r.URL.Query().Get("worker")
	if workerID == "" {
		s.writeError(w, apperrors.NewValidationError("worker query parameter is required"))
		return
	}
	switch err := s.assignments.Abandon(r.Context(), runID, workerID); err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case store.ErrNotFound:
		s.writeError(w, apperrors.NewNotFoundError("assignment"))
	case store.ErrConflict:
		s.writeError(w, apperrors.NewStaleError("reservation held by another worker"))
	default:
		s.writeError(w, err)
	}
}

type branchRequest struct {
	Role         string `json:"role" validate:"required"`
	RemoteName   string `json:"remote_name"`
	BaseRevision string `json:"base_revision"`
	Revision     string `json:"revision"`
}

type resultRequest struct {
	WorkerID         string          `json:"worker_id" validate:"required"`
	ResultCode       string          `json:"result_code" validate:"required"`
	FailureStage     string          `json:"failure_stage"`
	FailureTransient bool            `json:"failure_transient"`
	Value            *float64        `json:"value"`
	Revisions        []string        `json:"revisions"`
	ResultBranches   []branchRequest `json:"result_branches" validate:"dive"`
	Logs             []string        `json:"logs"`
	StartTime        time.Time       `json:"start_time"`
	FinishTime       time.Time       `json:"finish_time"`
}

// POST /assignment/{runID}/result
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runIDFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperrors.NewValidationError(err.Error()))
		return
	}

	branches := make([]domain.ResultBranch, 0, len(req.ResultBranches))
	for _, b := range req.ResultBranches {
		branches = append(branches, domain.ResultBranch{
			Role:         b.Role,
			RemoteName:   b.RemoteName,
			BaseRevision: b.BaseRevision,
			Revision:     b.Revision,
		})
	}

	err = s.ingestor.Ingest(r.Context(), ingest.Report{
		RunID:            runID,
		WorkerID:         req.WorkerID,
		ResultCode:       domain.ResultCode(req.ResultCode),
		FailureStage:     req.FailureStage,
		FailureTransient: req.FailureTransient,
		Value:            req.Value,
		Revisions:        req.Revisions,
		ResultBranches:   branches,
		Logs:             req.Logs,
		StartTime:        req.StartTime,
		FinishTime:       req.FinishTime,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": runID.String()})
}
