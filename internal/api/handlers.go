package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/schedule"
	"github.com/taskd-io/taskd/internal/store"
)

type enqueueRequest struct {
	Queue       string          `json:"queue,omitempty"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	queueName := req.Queue
	if queueName == "" {
		queueName = s.defaultQueue
	}

	var opts []queue.EnqueueOption
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}
	if req.NotBefore != nil {
		opts = append(opts, queue.WithNotBefore(*req.NotBefore))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, queue.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	if req.TaskID != "" {
		opts = append(opts, queue.WithTaskID(req.TaskID))
	}

	taskID, err := s.client.Enqueue(r.Context(), queueName, req.Name, req.Payload, opts...)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidQueue) || errors.Is(err, queue.ErrQueueRequired) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Enqueue failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"task_id": taskID, "queue": queueName})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.store.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("Task lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respond(w, http.StatusOK, status)
}

type scheduleRequest struct {
	Name        string          `json:"name"`
	Expression  string          `json:"expression"`
	Queue       string          `json:"queue,omitempty"`
	TaskName    string          `json:"task_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

func (r *scheduleRequest) validate() string {
	if r.Name == "" {
		return "name is required"
	}
	if r.TaskName == "" {
		return "task_name is required"
	}
	if err := schedule.Validate(r.Expression); err != nil {
		return "invalid expression: " + err.Error()
	}
	return ""
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	nextDue, err := schedule.NextAfter(req.Expression, time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &model.ScheduleEntry{
		Name:        req.Name,
		Expression:  req.Expression,
		Queue:       req.Queue,
		TaskName:    req.TaskName,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextDue:     nextDue,
	}
	if entry.Queue == "" {
		entry.Queue = s.defaultQueue
	}

	if err := s.store.CreateSchedule(r.Context(), entry); err != nil {
		s.logger.Error("Schedule creation failed", zap.Error(err))
		respondError(w, http.StatusConflict, "could not create schedule")
		return
	}
	respond(w, http.StatusCreated, entry)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("Schedule list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if entries == nil {
		entries = []*model.ScheduleEntry{}
	}
	respond(w, http.StatusOK, entries)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("Schedule lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	respond(w, http.StatusOK, entry)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	// A changed expression reschedules from now.
	if req.Expression != entry.Expression {
		nextDue, err := schedule.NextAfter(req.Expression, time.Now().UTC())
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		entry.NextDue = nextDue
	}

	entry.Name = req.Name
	entry.Expression = req.Expression
	entry.TaskName = req.TaskName
	entry.Payload = req.Payload
	entry.MaxAttempts = req.MaxAttempts
	if req.Queue != "" {
		entry.Queue = req.Queue
	}
	if req.Enabled != nil {
		entry.Enabled = *req.Enabled
	}

	if err := s.store.UpdateSchedule(r.Context(), entry); err != nil {
		s.logger.Error("Schedule update failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "update failed")
		return
	}
	respond(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("Schedule delete failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	letters, err := s.store.ListDeadLetters(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		s.logger.Error("Dead-letter list failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if letters == nil {
		letters = []*model.DeadLetter{}
	}
	respond(w, http.StatusOK, letters)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.client.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		s.logger.Error("Requeue failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "requeue failed")
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}
