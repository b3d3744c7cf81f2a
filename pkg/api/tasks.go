package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/types"
)

// taskNewRequest is the request body for a submission: a caller submits
// raw fields, never a pre-built Task (the ID, status, and timestamps are
// always server-assigned).
type taskNewRequest struct {
	DisplayName       string         `json:"display_name"`
	FlakeRef          types.FlakeRef `json:"flake_ref"`
	Locks             []types.Lock   `json:"locks"`
	Features          []string       `json:"features"`
	Group             string         `json:"group,omitempty"`
	NeedsConfirmation bool           `json:"needs_confirmation,omitempty"`
}

// taskNewResponse is just enough for the caller to track the task it
// submitted.
type taskNewResponse struct {
	ID     uuid.UUID       `json:"id"`
	Status types.TaskStatus `json:"status"`
}

type taskClaimRequest struct {
	Features []string `json:"features"`
}

type taskFinishRequest struct {
	Result types.TaskResult `json:"result"`
}

type logLinesPayload struct {
	Lines []string `json:"lines"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := types.TaskFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := types.TaskStatus(status)
		filter.Status = &ts
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}

	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireMachine(w, r); !ok {
		return
	}

	var req taskNewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task := types.Task{
		DisplayName: req.DisplayName,
		FlakeRef:    req.FlakeRef,
		Locks:       req.Locks,
		Features:    req.Features,
		Group:       req.Group,
	}

	submitted, err := s.scheduler.Submit(r.Context(), task, req.NeedsConfirmation)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, taskNewResponse{ID: submitted.ID, Status: submitted.Status})
}

func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireMachine(w, r); !ok {
		return
	}

	var req taskClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	claimed, err := s.scheduler.Claim(r.Context(), req.Features)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			writeJSON(w, http.StatusOK, (*types.Task)(nil))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimed)
}

func (s *Server) handleFinishTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireMachine(w, r); !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindBadRequest, err, "parse task id"))
		return
	}

	var req taskFinishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	finished, err := s.scheduler.Finish(r.Context(), id, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.logs.FinishLogs(r.Context(), id.String()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finished)
}

// handleConfirmTask moves a task out of NEEDS_USER_VALIDATION, the gate
// template instantiation can impose when needs_confirmation is set,
// wired to Scheduler.Confirm.
func (s *Server) handleConfirmTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r); !ok {
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindBadRequest, err, "parse task id"))
		return
	}
	confirmed, err := s.scheduler.Confirm(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmed)
}

func (s *Server) handlePushLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireMachine(w, r); !ok {
		return
	}

	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !task.IsRunning() {
		writeError(w, apperr.New(apperr.KindInvalidState, "task %s is %s, not RUNNING", id, task.Status))
		return
	}

	var payload logLinesPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}

	s.logs.PushLogs(id, payload.Lines)
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDownloadLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	lines, err := s.objects.GetLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logLinesPayload{Lines: lines})
}
