package persistence

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// TransitionRepo appends to the audit trail (spec §6) and, via the unique
// index on (entity_uuid, attempt, to_state), is what makes step-result
// acceptance idempotent (spec §4.7): a duplicate delivery of the same
// (step, attempt, to_state) triple fails the insert rather than applying
// the side effect twice.
type TransitionRepo interface {
	Record(dbc dbctx.Context, t *domain.StateTransition) (bool, error)
	ListByEntity(dbc dbctx.Context, entityType domain.EntityType, entityID uuid.UUID) ([]*domain.StateTransition, error)
}

type transitionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransitionRepo(db *gorm.DB, baseLog *logger.Logger) TransitionRepo {
	return &transitionRepo{db: db, log: baseLog.With("repo", "TransitionRepo")}
}

func (r *transitionRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Record inserts the transition, returning (false, nil) instead of an
// error when it collides with a prior identical (entity, attempt,
// to_state) row — the caller treats that as "already applied".
func (r *transitionRepo) Record(dbc dbctx.Context, t *domain.StateTransition) (bool, error) {
	if t.Metadata == nil {
		t.Metadata = datatypes.JSON([]byte("{}"))
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).Create(t).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

func (r *transitionRepo) ListByEntity(dbc dbctx.Context, entityType domain.EntityType, entityID uuid.UUID) ([]*domain.StateTransition, error) {
	var out []*domain.StateTransition
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("entity_type = ? AND entity_uuid = ?", entityType, entityID).
		Order("ts ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
