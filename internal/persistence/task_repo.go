package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// TaskRepo persists Task rows (C1, C4).
type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	UpdateState(dbc dbctx.Context, id uuid.UUID, from, to domain.TaskState) (bool, error)
	ListByNamespaceAndState(dbc dbctx.Context, namespace string, state domain.TaskState, limit int) ([]*domain.Task, error)

	// GetByCorrelationID looks up an existing task by (namespace,
	// correlation_id), used by C4 to reject a duplicate submission before
	// any rows are written. Returns gorm.ErrRecordNotFound when absent.
	GetByCorrelationID(dbc dbctx.Context, namespace, correlationID string) (*domain.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error) {
	if task.CurrentState == "" {
		task.CurrentState = domain.TaskPending
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_uuid = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateState performs a compare-and-swap state transition, only applying
// when the row is still in `from`. This is what makes task finalization
// (C8) re-entrant: concurrent finalizer passes racing on the same task
// only ever let one update through.
func (r *taskRepo) UpdateState(dbc dbctx.Context, id uuid.UUID, from, to domain.TaskState) (bool, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("task_uuid = ? AND current_state = ?", id, from).
		Updates(map[string]interface{}{
			"current_state": to,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) GetByCorrelationID(dbc dbctx.Context, namespace, correlationID string) (*domain.Task, error) {
	var t domain.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("namespace = ? AND correlation_id = ?", namespace, correlationID).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) ListByNamespaceAndState(dbc dbctx.Context, namespace string, state domain.TaskState, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	q := r.tx(dbc).WithContext(dbc.Ctx).Where("namespace = ? AND current_state = ?", namespace, state).Order("priority DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
