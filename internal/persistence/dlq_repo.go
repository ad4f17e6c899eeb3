package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// DLQRepo persists dead-letter entries and their operator-driven
// resolution (spec §6, and the manual-resolution workflow supplemented
// from the original implementation).
type DLQRepo interface {
	Create(dbc dbctx.Context, entry *domain.DLQEntry) (*domain.DLQEntry, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*domain.DLQEntry, error)
	ListByStatus(dbc dbctx.Context, status domain.DLQResolutionStatus, limit int) ([]*domain.DLQEntry, error)

	// Resolve moves a pending entry to status, stamping resolved_at. When
	// resetStep is true and the entry resolves to manually_resolved, the
	// originating step (if any) is reset to ready with attempts zeroed so
	// the enqueuer can claim it again, all inside the same transaction.
	Resolve(dbc dbctx.Context, id uuid.UUID, status domain.DLQResolutionStatus, note string, resetStep bool) (bool, error)
}

type dlqRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDLQRepo(db *gorm.DB, baseLog *logger.Logger) DLQRepo {
	return &dlqRepo{db: db, log: baseLog.With("repo", "DLQRepo")}
}

func (r *dlqRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *dlqRepo) Create(dbc dbctx.Context, entry *domain.DLQEntry) (*domain.DLQEntry, error) {
	if entry.ResolutionStatus == "" {
		entry.ResolutionStatus = domain.DLQPendingResolution
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *dlqRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.DLQEntry, error) {
	var e domain.DLQEntry
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("dlq_entry_uuid = ?", id).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *dlqRepo) ListByStatus(dbc dbctx.Context, status domain.DLQResolutionStatus, limit int) ([]*domain.DLQEntry, error) {
	var out []*domain.DLQEntry
	q := r.tx(dbc).WithContext(dbc.Ctx).Where("resolution_status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *dlqRepo) Resolve(dbc dbctx.Context, id uuid.UUID, status domain.DLQResolutionStatus, note string, resetStep bool) (bool, error) {
	now := time.Now()
	var resolved bool
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var entry domain.DLQEntry
		if err := txx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("dlq_entry_uuid = ?", id).First(&entry).Error; err != nil {
			return err
		}
		if entry.ResolutionStatus != domain.DLQPendingResolution {
			return nil
		}
		res := txx.Model(&domain.DLQEntry{}).
			Where("dlq_entry_uuid = ? AND resolution_status = ?", id, domain.DLQPendingResolution).
			Updates(map[string]interface{}{
				"resolution_status": status,
				"note":              note,
				"resolved_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		resolved = true

		if resetStep && status == domain.DLQManuallyResolved && entry.StepID != nil {
			if err := txx.Model(&domain.WorkflowStep{}).
				Where("step_uuid = ?", *entry.StepID).
				Updates(map[string]interface{}{
					"current_state":   domain.StepReady,
					"attempts":        0,
					"claim_token":     "",
					"claim_deadline":  nil,
					"next_retry_at":   nil,
					"last_failure_at": nil,
					"error":           "",
					"updated_at":      now,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return resolved, nil
}
