package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"groupscan/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Targets     []string      `json:"targets"`
	AccountID   string        `json:"account_id"`
	ScheduledAt *string       `json:"scheduled_at"`
	CronExpr    string        `json:"cron_expr"`
	Settings    core.Settings `json:"settings"`
}

type taskResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	Targets     []string      `json:"targets"`
	AccountID   string        `json:"account_id"`
	TemplateID  string        `json:"template_id,omitempty"`
	ScheduledAt *string       `json:"scheduled_at,omitempty"`
	CronExpr    string        `json:"cron_expr,omitempty"`
	LastRunAt   *string       `json:"last_run_at,omitempty"`
	NextRunAt   *string       `json:"next_run_at,omitempty"`
	Settings    core.Settings `json:"settings"`
	Results     core.Results  `json:"results"`
	StartedAt   *string       `json:"started_at,omitempty"`
	EndedAt     *string       `json:"ended_at,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

type stopResponse struct {
	Task      taskResponse `json:"task"`
	Immediate bool         `json:"immediate"`
}

type logResponse struct {
	Seq     int64  `json:"seq"`
	Level   string `json:"level"`
	Message string `json:"message"`
	At      string `json:"at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	in := core.CreateTaskInput{
		Name:      req.Name,
		Kind:      core.TaskKind(strings.TrimSpace(req.Kind)),
		Targets:   req.Targets,
		AccountID: req.AccountID,
		CronExpr:  req.CronExpr,
		Settings:  req.Settings,
	}
	if req.ScheduledAt != nil && strings.TrimSpace(*req.ScheduledAt) != "" {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledAt))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "scheduled_at must be an RFC3339 timestamp")
			return
		}
		in.ScheduledAt = &at
	}

	task, err := s.service.CreateTask(r.Context(), ownerOf(r), in)
	if err != nil {
		s.writeServiceError(w, "create task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter core.TaskFilter
	query := r.URL.Query()
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		st := core.TaskStatus(status)
		filter.Status = &st
	}
	if kind := strings.TrimSpace(query.Get("kind")); kind != "" {
		k := core.TaskKind(kind)
		filter.Kind = &k
	}
	filter.Limit = parseIntDefault(query.Get("limit"), 0)

	tasks, err := s.service.ListTasks(r.Context(), ownerOf(r), filter)
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), ownerOf(r), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.StartTask(r.Context(), ownerOf(r), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "start task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskToResponse(task))
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.StopTask(r.Context(), ownerOf(r), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "stop task", err)
		return
	}
	status := http.StatusOK
	if !res.Immediate {
		status = http.StatusAccepted
	}
	writeJSON(w, status, stopResponse{Task: taskToResponse(res.Task), Immediate: res.Immediate})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings core.Settings
	if err := decodeJSON(r, &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	task, err := s.service.UpdateSettings(r.Context(), ownerOf(r), chi.URLParam(r, "taskID"), settings)
	if err != nil {
		s.writeServiceError(w, "update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseInt(defaultString(r.URL.Query().Get("after"), "0"), 10, 64)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "after must be a non-negative integer")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 200)

	entries, err := s.service.GetTaskLogs(r.Context(), ownerOf(r), chi.URLParam(r, "taskID"), after, limit)
	if err != nil {
		s.writeServiceError(w, "task logs", err)
		return
	}
	res := make([]logResponse, 0, len(entries))
	for _, e := range entries {
		res = append(res, logResponse{
			Seq:     e.Seq,
			Level:   string(e.Level),
			Message: e.Message,
			At:      e.At.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func taskToResponse(task *core.Task) taskResponse {
	targets := task.Targets
	if targets == nil {
		targets = []string{}
	}
	return taskResponse{
		ID:          task.ID,
		Name:        task.Name,
		Kind:        string(task.Kind),
		Status:      string(task.Status),
		Targets:     targets,
		AccountID:   task.AccountID,
		TemplateID:  task.TemplateID,
		ScheduledAt: formatTimePtr(task.ScheduledAt),
		CronExpr:    task.CronExpr,
		LastRunAt:   formatTimePtr(task.LastRunAt),
		NextRunAt:   formatTimePtr(task.NextRunAt),
		Settings:    task.Settings,
		Results:     task.Results,
		StartedAt:   formatTimePtr(task.StartedAt),
		EndedAt:     formatTimePtr(task.EndedAt),
		CreatedAt:   task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// writeServiceError maps the core error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		verr *core.ValidationError
		cerr *core.CollaboratorError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_input", verr.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.As(err, &cerr):
		s.logger.Error(op, "collaborator", cerr.Collaborator, "err", err)
		writeError(w, http.StatusBadGateway, "collaborator_error", "failed to "+op)
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func defaultString(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
