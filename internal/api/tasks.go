package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/admission"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/dispatcher"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

const (
	// maxMultipartMemory bounds the in-memory portion of multipart parsing;
	// larger uploads spill to temp files.
	maxMultipartMemory = 8 << 20

	defaultPageSize = 50
	maxPageSize     = 200
)

// TaskHandler handles the /tasks endpoints.
type TaskHandler struct {
	tasks      repositories.TaskRepository
	gate       *admission.Gate
	dispatcher *dispatcher.Dispatcher
	files      storage.FileStorage
	fabric     *redisio.Fabric
	logger     *zap.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(
	tasks repositories.TaskRepository,
	gate *admission.Gate,
	disp *dispatcher.Dispatcher,
	files storage.FileStorage,
	fabric *redisio.Fabric,
	logger *zap.Logger,
) *TaskHandler {
	return &TaskHandler{
		tasks:      tasks,
		gate:       gate,
		dispatcher: disp,
		files:      files,
		fabric:     fabric,
		logger:     logger.Named("task_handler"),
	}
}

// taskResponse is the JSON shape of a task in API responses.
type taskResponse struct {
	ID             string       `json:"id"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ClientID       string       `json:"client_id"`
	FlowID         string       `json:"flow_id"`
	Filename       string       `json:"filename"`
	Status         string       `json:"status"`
	InputTimeout   int          `json:"input_timeout"`
	InputRequestID *string      `json:"input_request_id"`
	Results        db.JSONValue `json:"results"`
	ScheduleType   *string      `json:"schedule_type"`
	ScheduledTime  *time.Time   `json:"scheduled_time"`
	CronExpression *string      `json:"cron_expression"`
	ExpiresAt      *time.Time   `json:"expires_at"`
	TriggeredAt    *time.Time   `json:"triggered_at"`
}

func toTaskResponse(t *db.Task) taskResponse {
	return taskResponse{
		ID:             t.ID.String(),
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		ClientID:       t.ClientID,
		FlowID:         t.FlowID,
		Filename:       t.Filename,
		Status:         string(t.Status),
		InputTimeout:   t.InputTimeout,
		InputRequestID: t.InputRequestID,
		Results:        t.Results,
		ScheduleType:   t.ScheduleType,
		ScheduledTime:  t.ScheduledTime,
		CronExpression: t.CronExpression,
		ExpiresAt:      t.ExpiresAt,
		TriggeredAt:    t.TriggeredAt,
	}
}

// listResponse is the paginated list envelope.
type listResponse struct {
	Items []taskResponse `json:"items"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
	Pages int64          `json:"pages"`
}

func toListResponse(tasks []db.Task, total int64, page, size int) listResponse {
	items := make([]taskResponse, len(tasks))
	for i := range tasks {
		items[i] = toTaskResponse(&tasks[i])
	}
	pages := (total + int64(size) - 1) / int64(size)
	return listResponse{Items: items, Total: total, Page: page, Size: size, Pages: pages}
}

// Create handles POST /api/v1/tasks.
// The request is multipart/form-data; exactly one of `file`, `file_url` or
// `filename` (a previously uploaded path) provides the payload.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		ErrBadRequest(w, "invalid multipart form: "+err.Error())
		return
	}

	sub := admission.Submission{
		ClientID:     claims.ClientID(),
		FileURL:      r.FormValue("file_url"),
		StoredPath:   r.FormValue("filename"),
		EnvVarsJSON:  r.FormValue("env_vars"),
		Force:        parseBool(r.FormValue("force")),
		ScheduleType: r.FormValue("schedule_type"),
	}
	if raw := r.FormValue("input_timeout"); raw != "" {
		timeout, err := strconv.Atoi(raw)
		if err != nil || timeout <= 0 {
			ErrBadRequest(w, "input_timeout must be a positive integer")
			return
		}
		sub.InputTimeout = timeout
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		sub.Upload = file
		sub.Filename = path.Base(header.Filename)
	case errors.Is(err, http.ErrMissingFile):
		sub.Filename = payloadFilename(sub)
	default:
		ErrBadRequest(w, "invalid file field: "+err.Error())
		return
	}

	adm, err := h.gate.Admit(r.Context(), sub)
	if err != nil {
		h.renderAdmissionError(w, err)
		return
	}

	task, err := h.dispatcher.Create(r.Context(), claims.ClientID(), adm)
	if err != nil {
		h.logger.Error("task creation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.dispatcher.Trigger(r.Context(), task, adm.EnvVars); err != nil {
		h.logger.Error("task trigger failed", zap.String("task_id", task.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, toTaskResponse(task))
}

// renderAdmissionError maps admission failures onto HTTP responses.
// Validation messages are rendered verbatim.
func (h *TaskHandler) renderAdmissionError(w http.ResponseWriter, err error) {
	var verr *admission.ValidationError
	switch {
	case errors.As(err, &verr):
		ErrBadRequest(w, verr.Message)
	case errors.Is(err, admission.ErrSchedulingNotImplemented):
		errJSON(w, http.StatusInternalServerError, err.Error(), "not_implemented")
	default:
		h.logger.Error("admission failed", zap.Error(err))
		ErrInternal(w)
	}
}

// List handles GET /api/v1/tasks. Results are scoped to the calling client
// and ordered oldest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	page, size, opts := parseListOptions(r)

	tasks, total, err := h.tasks.ListByClient(r.Context(), claims.ClientID(), opts)
	if err != nil {
		h.logger.Error("list tasks failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toListResponse(tasks, total, page, size))
}

// ListAll handles GET /api/v1/admin/tasks: tasks across every client, for
// management tooling. Reachable only with a clients-api token.
func (h *TaskHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	page, size, opts := parseListOptions(r)

	tasks, total, err := h.tasks.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list all tasks failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toListResponse(tasks, total, page, size))
}

// GetByID handles GET /api/v1/tasks/{id}. Tasks of other clients come back
// as 404, never 403, so task ids cannot be probed.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	Ok(w, toTaskResponse(task))
}

// updateTaskRequest is the body of PATCH /api/v1/tasks/{id}.
type updateTaskRequest struct {
	InputTimeout *int `json:"input_timeout"`
}

// Update handles PATCH /api/v1/tasks/{id}. Only the input timeout is
// mutable, and only while the task has not finished.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if task.Status.IsTerminal() {
		ErrBadRequest(w, fmt.Sprintf("Cannot update task with status %s", task.Status))
		return
	}

	var req updateTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.InputTimeout != nil {
		if *req.InputTimeout <= 0 {
			ErrBadRequest(w, "input_timeout must be a positive integer")
			return
		}
		task.InputTimeout = *req.InputTimeout
	}

	if err := h.tasks.Update(r.Context(), task); err != nil {
		h.logger.Error("update task failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, toTaskResponse(task))
}

// Cancel handles POST /api/v1/tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if !task.Status.IsActive() {
		ErrBadRequest(w, fmt.Sprintf("Cannot cancel task with status %s", task.Status))
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), task); err != nil {
		h.logger.Error("cancel task failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	updated, err := h.tasks.Get(r.Context(), task.ID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, toTaskResponse(updated))
}

// inputRequest is the body of POST /api/v1/tasks/{id}/input.
type inputRequest struct {
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
}

// Input handles POST /api/v1/tasks/{id}/input: it forwards a user's answer
// to the waiting subprocess. The request id must match the task's currently
// pending input request.
func (h *TaskHandler) Input(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}

	var req inputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if task.Status != db.TaskWaitingForInput || task.InputRequestID == nil || *task.InputRequestID != req.RequestID {
		ErrBadRequest(w, "Invalid input request")
		return
	}

	// Serialize concurrent answers to the same prompt; the loser is treated
	// as a stale duplicate.
	locked, err := h.fabric.AcquireInputLock(r.Context(), task.ID.String())
	if err != nil {
		h.logger.Error("acquire input lock failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if !locked {
		ErrBadRequest(w, "Invalid input request")
		return
	}
	defer h.fabric.ReleaseInputLock(r.Context(), task.ID.String())

	if err := h.fabric.PublishInputResponse(r.Context(), task.ID.String(), req.RequestID, req.Data); err != nil {
		h.logger.Error("publish input response failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Upload handles POST /api/v1/tasks/upload: it stages a workflow file for a
// later task creation that references it via the `filename` form field.
func (h *TaskHandler) Upload(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		ErrBadRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		ErrBadRequest(w, "file is required")
		return
	}
	defer file.Close()

	upload, err := h.files.SaveUpload(r.Context(), claims.ClientID(), path.Base(header.Filename), file)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBadExtension):
			ErrBadRequest(w, "Invalid file type")
		case errors.Is(err, storage.ErrTooLarge):
			ErrBadRequest(w, "File too large")
		default:
			h.logger.Error("upload failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Created(w, map[string]string{"path": upload.Path, "md5": upload.Hash})
}

// Download handles GET /api/v1/tasks/{id}/download: it serves the task's
// workspace (payload plus archived outputs) as a zip archive.
func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}

	archive, cleanup, err := h.files.Archive(r.Context(), task.ClientID, task.ID.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("archive failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer cleanup()

	info, err := os.Stat(archive)
	if err != nil {
		ErrInternal(w)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", task.ID.String()+".zip"))
	http.ServeFile(w, r, archive)
}

// Delete handles DELETE /api/v1/tasks/{id}?force=true. Active tasks are
// rejected unless force is set, in which case they are cancelled first.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	force := parseBool(r.URL.Query().Get("force"))

	if task.Status.IsActive() {
		if !force {
			ErrBadRequest(w, fmt.Sprintf("Cannot delete task with status %s", task.Status))
			return
		}
		if err := h.dispatcher.Cancel(r.Context(), task); err != nil {
			h.logger.Error("cancel before delete failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	if err := h.tasks.SoftDelete(r.Context(), task.ID); err != nil {
		h.logger.Error("delete task failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	h.deleteWorkspace(r, task.ClientID, task.ID)
	NoContent(w)
}

// DeleteMany handles DELETE /api/v1/tasks?ids=a,b&force=true. Without force
// only inactive tasks are deleted; with force active ones are cancelled and
// deleted too.
func (h *TaskHandler) DeleteMany(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	force := parseBool(r.URL.Query().Get("force"))

	rawIDs := r.URL.Query().Get("ids")
	if rawIDs == "" {
		ErrBadRequest(w, "No task ids provided")
		return
	}
	var ids []uuid.UUID
	for _, raw := range strings.Split(rawIDs, ",") {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			ErrBadRequest(w, "Invalid task id: "+raw)
			return
		}
		ids = append(ids, id)
	}

	if force {
		for _, id := range ids {
			task, err := h.tasks.GetForClient(r.Context(), claims.ClientID(), id)
			if err != nil || !task.Status.IsActive() {
				continue
			}
			if err := h.dispatcher.Cancel(r.Context(), task); err != nil {
				h.logger.Warn("cancel before bulk delete failed", zap.String("task_id", id.String()), zap.Error(err))
			}
		}
	}

	deleted, err := h.tasks.SoftDeleteForClient(r.Context(), claims.ClientID(), !force, ids)
	if err != nil {
		h.logger.Error("bulk delete failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, id := range deleted {
		h.deleteWorkspace(r, claims.ClientID(), id)
	}
	NoContent(w)
}

// loadTask fetches the task in the URL for the calling client, writing the
// error response itself on failure.
func (h *TaskHandler) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	claims := claimsFromCtx(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return nil, false
	}
	task, err := h.tasks.GetForClient(r.Context(), claims.ClientID(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
		} else {
			h.logger.Error("load task failed", zap.Error(err))
			ErrInternal(w)
		}
		return nil, false
	}
	return task, true
}

// deleteWorkspace removes a deleted task's files. Failures are logged, not
// surfaced; the nightly purge retries leftover folders.
func (h *TaskHandler) deleteWorkspace(r *http.Request, clientID string, id uuid.UUID) {
	if err := h.files.DeleteFolder(r.Context(), path.Join(clientID, id.String())); err != nil {
		h.logger.Warn("failed to delete task workspace",
			zap.String("task_id", id.String()), zap.Error(err))
	}
}

// payloadFilename derives the task filename when no direct upload is present.
func payloadFilename(sub admission.Submission) string {
	if sub.StoredPath != "" {
		return path.Base(sub.StoredPath)
	}
	if sub.FileURL != "" {
		if parsed, err := url.Parse(sub.FileURL); err == nil {
			if base := path.Base(parsed.Path); base != "." && base != "/" {
				return base
			}
		}
	}
	return "workflow.waldiez"
}

func parseBool(raw string) bool {
	v, _ := strconv.ParseBool(raw)
	return v
}

// parseListOptions reads 1-based `page` and `size` query parameters and maps
// them onto limit/offset.
func parseListOptions(r *http.Request) (page, size int, opts repositories.ListOptions) {
	page, size = 1, defaultPageSize
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			page = n
		}
	}
	if raw := r.URL.Query().Get("size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			size = min(n, maxPageSize)
		}
	}
	return page, size, repositories.ListOptions{Limit: size, Offset: (page - 1) * size}
}
