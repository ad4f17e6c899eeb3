package persistence

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// EdgeRepo persists the per-task dependency edges materialized from a
// TaskTemplate's StepTemplate.Dependencies at task-initialization time
// (C4), and is queried by C5's readiness predicate.
type EdgeRepo interface {
	Create(dbc dbctx.Context, edges []*domain.Edge) ([]*domain.Edge, error)
	ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Edge, error)

	// UnsatisfiedDependents returns the distinct ToStepID set for edges
	// whose FromStepID is not yet in a satisfying state, i.e. the steps
	// that must stay pending because an upstream dependency hasn't
	// completed.
	UnsatisfiedDependents(dbc dbctx.Context, taskID uuid.UUID) ([]uuid.UUID, error)
}

type edgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEdgeRepo(db *gorm.DB, baseLog *logger.Logger) EdgeRepo {
	return &edgeRepo{db: db, log: baseLog.With("repo", "EdgeRepo")}
}

func (r *edgeRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *edgeRepo) Create(dbc dbctx.Context, edges []*domain.Edge) ([]*domain.Edge, error) {
	if len(edges) == 0 {
		return edges, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

func (r *edgeRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Edge, error) {
	var out []*domain.Edge
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_uuid = ?", taskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *edgeRepo) UnsatisfiedDependents(dbc dbctx.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Edge{}).
		Joins("JOIN workflow_step AS from_step ON from_step.step_uuid = workflow_edge.from_step_uuid").
		Where("workflow_edge.task_uuid = ? AND from_step.current_state <> ?", taskID, domain.StepComplete).
		Distinct("workflow_edge.to_step_uuid").
		Pluck("workflow_edge.to_step_uuid", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
