package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/commandbus"
	"github.com/tasker-run/tasker/internal/domain"
	taskererrors "github.com/tasker-run/tasker/internal/errors"
	"github.com/tasker-run/tasker/internal/httpapi/response"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
)

// DLQHandler lists dead-lettered steps and records an operator's
// disposition of them.
type DLQHandler struct {
	bus *commandbus.Bus
	dlq persistence.DLQRepo
}

func NewDLQHandler(bus *commandbus.Bus, dlq persistence.DLQRepo) *DLQHandler {
	return &DLQHandler{bus: bus, dlq: dlq}
}

const defaultDLQListLimit = 50

// GET /dlq?status=pending&limit=50
func (h *DLQHandler) List(c *gin.Context) {
	status := domain.DLQResolutionStatus(c.DefaultQuery("status", string(domain.DLQPendingResolution)))
	limit := defaultDLQListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.Error(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = n
	}

	entries, err := h.dlq.ListByStatus(dbctx.Context{Ctx: c.Request.Context()}, status, limit)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	response.OK(c, gin.H{"entries": entries})
}

// GET /dlq/:id
func (h *DLQHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_entry_id", err)
		return
	}
	entry, err := h.dlq.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Error(c, http.StatusNotFound, "dlq_entry_not_found", err)
			return
		}
		response.Error(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	response.OK(c, gin.H{"entry": entry})
}

type resolveDLQRequest struct {
	Status    domain.DLQResolutionStatus `json:"status" binding:"required"`
	Note      string                     `json:"note"`
	ResetStep bool                       `json:"reset_step"`
}

// POST /dlq/:id/resolve
func (h *DLQHandler) Resolve(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_entry_id", err)
		return
	}
	var req resolveDLQRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.bus.Submit(c.Request.Context(), &commandbus.Command{
		Kind: commandbus.CommandResolveDLQEntry,
		ResolveDLQEntry: &commandbus.ResolveDLQEntryPayload{
			EntryID:   id,
			Status:    req.Status,
			Note:      req.Note,
			ResetStep: req.ResetStep,
		},
	})
	if err != nil {
		response.Error(c, http.StatusGatewayTimeout, "resolve_timeout", err)
		return
	}
	if res.Err != nil {
		apiErr := statusForError(res.Err)
		response.Error(c, apiErr.Status, apiErr.Code, apiErr)
		return
	}
	if !res.Resolved {
		response.Error(c, http.StatusConflict, "dlq_entry_already_resolved", taskererrors.ErrDLQEntryAlreadyResolved)
		return
	}
	response.OK(c, gin.H{"resolved": true})
}
