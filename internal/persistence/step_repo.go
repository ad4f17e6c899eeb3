package persistence

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// ClaimedStep pairs a freshly claimed WorkflowStep with the handler its
// step_template declares, so the enqueuer can build a complete dispatch
// message (handler, inputs, deadline) without a second query.
type ClaimedStep struct {
	Step    *domain.WorkflowStep
	Handler string
}

// StepRepo persists WorkflowStep rows and implements the claim operation
// at the heart of C6 (spec §4.6).
type StepRepo interface {
	Create(dbc dbctx.Context, steps []*domain.WorkflowStep) ([]*domain.WorkflowStep, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*domain.WorkflowStep, error)
	ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.WorkflowStep, error)

	// ClaimReady locks and claims up to `limit` runnable steps in the given
	// namespace, stamping a fresh claim token on each and recording a
	// matching Claim row in the same transaction so C7 has something to
	// validate an incoming result against. Mirrors the teacher's
	// ClaimNextRunnable: SELECT ... FOR UPDATE SKIP LOCKED inside a
	// transaction, followed by an UPDATE of only the claimed rows. Each
	// claimed row's deadline is now + max(visibility, its own
	// step_template.timeout_ms), so a short provider visibility window can
	// never silently undercut a step's declared timeout.
	ClaimReady(dbc dbctx.Context, namespace string, limit int, visibility time.Duration) ([]*ClaimedStep, error)

	// ReleaseClaim reverts a claimed step back to ready, clearing its claim
	// token/deadline, but only if claim_token still matches token — so a
	// failed dispatch send can't release a claim a competing claimer (or a
	// worker that already reported a result) has since superseded.
	ReleaseClaim(dbc dbctx.Context, id uuid.UUID, token string) (bool, error)

	// CountInFlight reports how many steps in namespace currently hold a
	// claim (claimed or in_progress), for the enqueuer's per-namespace
	// concurrency budget. Deliberately a live COUNT rather than an
	// in-memory counter so it is correct across restarts.
	CountInFlight(dbc dbctx.Context, namespace string) (int64, error)

	// UpdateFieldsUnlessTerminal applies updates unless the row has already
	// reached a terminal state, preventing a stale worker from re-writing a
	// step a faster competitor already finalized.
	UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)

	// MarkReady flips dependency-satisfied pending steps to ready; used by
	// C5 after a dependency completes.
	MarkReady(dbc dbctx.Context, ids []uuid.UUID) error

	CountByTaskAndStates(dbc dbctx.Context, taskID uuid.UUID, states []domain.StepState) (int64, error)
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{db: db, log: baseLog.With("repo", "StepRepo")}
}

func (r *stepRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepRepo) Create(dbc dbctx.Context, steps []*domain.WorkflowStep) ([]*domain.WorkflowStep, error) {
	if len(steps) == 0 {
		return steps, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.WorkflowStep, error) {
	var s domain.WorkflowStep
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("step_uuid = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stepRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.WorkflowStep, error) {
	var out []*domain.WorkflowStep
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_uuid = ?", taskID).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// stepClaimCandidate pairs a runnable step with its template's declared
// timeout so ClaimReady can compute a per-row claim deadline without a
// second round trip.
type stepClaimCandidate struct {
	domain.WorkflowStep
	TimeoutMS       int64  `gorm:"column:timeout_ms"`
	HandlerCallable string `gorm:"column:handler_callable"`
}

func (r *stepRepo) ClaimReady(dbc dbctx.Context, namespace string, limit int, visibility time.Duration) ([]*ClaimedStep, error) {
	if limit <= 0 {
		return nil, nil
	}
	transaction := r.tx(dbc)
	now := time.Now()

	var claimed []*ClaimedStep
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var candidates []stepClaimCandidate
		q := txx.Table("workflow_step").
			Select("workflow_step.*, step_template.timeout_ms AS timeout_ms, step_template.handler_callable AS handler_callable").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Joins("JOIN task ON task.task_uuid = workflow_step.task_uuid").
			Joins("JOIN step_template ON step_template.id = workflow_step.step_template_id").
			Where("task.namespace = ?", namespace).
			Where("workflow_step.current_state = ?", domain.StepReady).
			Where("workflow_step.attempts < workflow_step.max_attempts").
			Where("workflow_step.next_retry_at IS NULL OR workflow_step.next_retry_at <= ?", now).
			Order("task.priority DESC, workflow_step.created_at ASC").
			Limit(limit)
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		for i := range candidates {
			budget := visibility
			if timeoutDur := time.Duration(candidates[i].TimeoutMS) * time.Millisecond; timeoutDur > budget {
				budget = timeoutDur
			}
			deadline := now.Add(budget)

			token := uuid.NewString()
			attempt := candidates[i].Attempts + 1
			res := txx.Model(&domain.WorkflowStep{}).
				Where("step_uuid = ?", candidates[i].ID).
				Updates(map[string]interface{}{
					"current_state":  domain.StepClaimed,
					"claim_token":    token,
					"claim_deadline": deadline,
					"updated_at":     now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			// Record the claim in the same transaction as the step update so
			// C7 never sees a claimed step without a matching Claim row to
			// validate its result against.
			if err := txx.Create(&domain.Claim{
				StepID:   candidates[i].ID,
				Token:    token,
				Attempt:  attempt,
				Deadline: deadline,
			}).Error; err != nil {
				return err
			}
			step := candidates[i].WorkflowStep
			step.CurrentState = domain.StepClaimed
			step.ClaimToken = token
			step.ClaimDeadline = &deadline
			claimed = append(claimed, &ClaimedStep{Step: &step, Handler: candidates[i].HandlerCallable})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseClaim reverts step id from claimed back to ready, clearing its
// claim token and deadline, but only when claim_token still matches token.
func (r *stepRepo) ReleaseClaim(dbc dbctx.Context, id uuid.UUID, token string) (bool, error) {
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.WorkflowStep{}).
		Where("step_uuid = ? AND claim_token = ? AND current_state = ?", id, token, domain.StepClaimed).
		Updates(map[string]interface{}{
			"current_state":  domain.StepReady,
			"claim_token":    "",
			"claim_deadline": nil,
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountInFlight counts workflow_step rows currently claimed or running for
// namespace, joined against task the same way ClaimReady scopes its
// candidates.
func (r *stepRepo) CountInFlight(dbc dbctx.Context, namespace string) (int64, error) {
	var count int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Table("workflow_step").
		Joins("JOIN task ON task.task_uuid = workflow_step.task_uuid").
		Where("task.namespace = ?", namespace).
		Where("workflow_step.current_state IN ?", []domain.StepState{domain.StepClaimed, domain.StepRunning}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *stepRepo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	terminal := []string{string(domain.StepComplete), string(domain.StepDead), string(domain.StepSkipped)}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.WorkflowStep{}).
		Where("step_uuid = ? AND current_state NOT IN ?", id, terminal).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *stepRepo) MarkReady(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.WorkflowStep{}).
		Where("step_uuid IN ? AND current_state = ?", ids, domain.StepPending).
		Updates(map[string]interface{}{
			"current_state": domain.StepReady,
			"updated_at":    time.Now(),
		}).Error
}

func (r *stepRepo) CountByTaskAndStates(dbc dbctx.Context, taskID uuid.UUID, states []domain.StepState) (int64, error) {
	var count int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.WorkflowStep{}).
		Where("task_uuid = ? AND current_state IN ?", taskID, states).
		Count(&count).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return count, nil
}
