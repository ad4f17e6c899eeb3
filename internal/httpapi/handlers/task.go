package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/commandbus"
	taskererrors "github.com/tasker-run/tasker/internal/errors"
	"github.com/tasker-run/tasker/internal/httpapi/response"
	"github.com/tasker-run/tasker/internal/orchestrator"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/apierr"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
)

// TaskHandler exposes task submission, lookup, and cancellation over the
// command bus and the read-only persistence repos.
type TaskHandler struct {
	bus   *commandbus.Bus
	tasks persistence.TaskRepo
	steps persistence.StepRepo
}

func NewTaskHandler(bus *commandbus.Bus, tasks persistence.TaskRepo, steps persistence.StepRepo) *TaskHandler {
	return &TaskHandler{bus: bus, tasks: tasks, steps: steps}
}

type submitTaskRequest struct {
	Namespace           string          `json:"namespace" binding:"required"`
	TemplateNamespace   string          `json:"template_namespace" binding:"required"`
	TemplateName        string          `json:"template_name" binding:"required"`
	TemplateVersion     string          `json:"template_version" binding:"required"`
	Context             json.RawMessage `json:"context"`
	Priority            int             `json:"priority"`
	CorrelationID       string          `json:"correlation_id"`
	ParentCorrelationID string          `json:"parent_correlation_id"`
	Initiator           string          `json:"initiator"`
	Source              string          `json:"source"`
	Reason              string          `json:"reason"`
	Tags                json.RawMessage `json:"tags"`
}

// POST /tasks
func (h *TaskHandler) Submit(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	cmd := &commandbus.Command{
		Kind: commandbus.CommandInitializeTask,
		InitializeTask: &orchestrator.TaskRequest{
			Namespace:           req.Namespace,
			TemplateNamespace:   req.TemplateNamespace,
			TemplateName:        req.TemplateName,
			TemplateVersion:     req.TemplateVersion,
			Context:             req.Context,
			Priority:            req.Priority,
			CorrelationID:       req.CorrelationID,
			ParentCorrelationID: req.ParentCorrelationID,
			Initiator:           req.Initiator,
			Source:              req.Source,
			Reason:              req.Reason,
			Tags:                req.Tags,
		},
	}

	res, err := h.bus.Submit(c.Request.Context(), cmd)
	if err != nil {
		response.Error(c, http.StatusGatewayTimeout, "submit_timeout", err)
		return
	}
	if res.Err != nil {
		apiErr := statusForError(res.Err)
		response.Error(c, apiErr.Status, apiErr.Code, apiErr)
		return
	}
	response.Created(c, gin.H{"task": res.Task})
}

type taskDetail struct {
	Task  interface{} `json:"task"`
	Steps interface{} `json:"steps"`
}

// GET /tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	task, err := h.tasks.Get(dbc, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, http.StatusNotFound, "task_not_found", taskererrors.ErrTaskNotFound)
			return
		}
		response.Error(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	steps, err := h.steps.ListByTask(dbc, id)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	response.OK(c, taskDetail{Task: task, Steps: steps})
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

// POST /tasks/:id/cancel
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	var req cancelTaskRequest
	_ = c.ShouldBindJSON(&req)

	res, err := h.bus.Submit(c.Request.Context(), &commandbus.Command{
		Kind:       commandbus.CommandCancelTask,
		CancelTask: &commandbus.CancelTaskPayload{TaskID: id, Reason: req.Reason},
	})
	if err != nil {
		response.Error(c, http.StatusGatewayTimeout, "cancel_timeout", err)
		return
	}
	if res.Err != nil {
		apiErr := statusForError(res.Err)
		response.Error(c, apiErr.Status, apiErr.Code, apiErr)
		return
	}
	if !res.Cancelled {
		response.Error(c, http.StatusConflict, "task_not_cancellable", errors.New("task already in a terminal state"))
		return
	}
	response.OK(c, gin.H{"cancelled": true})
}

// statusForError maps the small set of sentinel domain errors to an
// apierr.Error; anything unrecognized falls back to 500 rather than
// guessing at a more specific status.
func statusForError(err error) *apierr.Error {
	switch {
	case errors.Is(err, taskererrors.ErrTemplateNotFound):
		return apierr.New(http.StatusNotFound, "template_not_found", err)
	case errors.Is(err, taskererrors.ErrTaskNotFound):
		return apierr.New(http.StatusNotFound, "task_not_found", err)
	case errors.Is(err, taskererrors.ErrStepNotFound):
		return apierr.New(http.StatusNotFound, "step_not_found", err)
	case errors.Is(err, taskererrors.ErrDuplicateCorrelationID):
		return apierr.New(http.StatusConflict, "duplicate_correlation_id", err)
	case errors.Is(err, taskererrors.ErrCyclicDependencies):
		return apierr.New(http.StatusUnprocessableEntity, "cyclic_dependencies", err)
	case errors.Is(err, taskererrors.ErrSchemaViolation):
		return apierr.New(http.StatusBadRequest, "schema_violation", err)
	case errors.Is(err, taskererrors.ErrDLQEntryAlreadyResolved):
		return apierr.New(http.StatusConflict, "dlq_entry_already_resolved", err)
	default:
		return apierr.New(http.StatusInternalServerError, "internal_error", err)
	}
}
