package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	taskererrors "github.com/tasker-run/tasker/internal/errors"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// StepResult is what a worker reports back after attempting a step.
type StepResult struct {
	StepID     uuid.UUID
	ClaimToken string
	Attempt    int
	Success    bool
	Payload    datatypes.JSON
	Reason     string // failure reason, used against RetryPolicy.Retryable
}

// ResultProcessor is C7: it validates a worker's claim token, applies the
// outcome exactly once per (step, attempt), and routes permanent failures
// to the dead-letter queue (spec §4.7).
type ResultProcessor struct {
	steps       persistence.StepRepo
	claims      persistence.ClaimRepo
	templates   persistence.TemplateRepo
	transitions persistence.TransitionRepo
	dlq         persistence.DLQRepo
	readiness   *ReadinessEvaluator
	log         *logger.Logger
}

func NewResultProcessor(
	steps persistence.StepRepo,
	claims persistence.ClaimRepo,
	templates persistence.TemplateRepo,
	transitions persistence.TransitionRepo,
	dlq persistence.DLQRepo,
	readiness *ReadinessEvaluator,
	baseLog *logger.Logger,
) *ResultProcessor {
	return &ResultProcessor{
		steps:       steps,
		claims:      claims,
		templates:   templates,
		transitions: transitions,
		dlq:         dlq,
		readiness:   readiness,
		log:         baseLog.With("component", "orchestrator.ResultProcessor"),
	}
}

// Accept processes one StepResult. It is safe to call more than once with
// the same (StepID, Attempt, outcome): once the first call has released the
// claim, a repeat is recognized from the recorded transition, and otherwise
// the repeat's transition insert collides with the unique index; either way
// Accept returns (false, nil) without re-applying any side effect.
func (rp *ResultProcessor) Accept(ctx dbctx.Context, res StepResult) (applied bool, err error) {
	claim, err := rp.claims.GetByToken(ctx, res.ClaimToken)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, taskererrors.ErrStaleClaimToken
		}
		return false, fmt.Errorf("lookup claim: %w", err)
	}

	toState := domain.StepFailed
	if res.Success {
		toState = domain.StepComplete
	}
	if claim.ReleasedAt != nil && claim.StepID == res.StepID {
		prior, err := rp.transitions.ListByEntity(ctx, domain.EntityStep, res.StepID)
		if err != nil {
			return false, fmt.Errorf("lookup transitions: %w", err)
		}
		for _, t := range prior {
			if t.Attempt == res.Attempt && t.ToState == string(toState) {
				rp.log.Debug("duplicate step result ignored", "step_id", res.StepID, "attempt", res.Attempt)
				return false, nil
			}
		}
	}
	if claim.ReleasedAt != nil || claim.StepID != res.StepID || claim.Deadline.Before(time.Now()) {
		return false, taskererrors.ErrStaleClaimToken
	}
	recorded, err := rp.transitions.Record(ctx, &domain.StateTransition{
		EntityType: domain.EntityStep,
		EntityID:   res.StepID,
		Attempt:    res.Attempt,
		ToState:    string(toState),
		Reason:     res.Reason,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("record transition: %w", err)
	}
	if !recorded {
		rp.log.Debug("duplicate step result ignored", "step_id", res.StepID, "attempt", res.Attempt)
		return false, nil
	}

	if err := rp.claims.Release(ctx, res.ClaimToken); err != nil {
		return false, fmt.Errorf("release claim: %w", err)
	}

	if res.Success {
		if _, err := rp.steps.UpdateFieldsUnlessTerminal(ctx, res.StepID, map[string]interface{}{
			"current_state": domain.StepComplete,
			"result":        res.Payload,
			"attempts":      res.Attempt,
		}); err != nil {
			return false, fmt.Errorf("mark step complete: %w", err)
		}
		step, err := rp.steps.Get(ctx, res.StepID)
		if err != nil {
			return false, fmt.Errorf("reload step: %w", err)
		}
		if _, err := rp.readiness.PromoteReady(ctx, step.TaskID); err != nil {
			return false, fmt.Errorf("promote dependents: %w", err)
		}
		return true, nil
	}

	return true, rp.handleFailure(ctx, res)
}

// ExpireClaim handles a Claim whose deadline has passed without a worker
// ever reporting a result. Accept's own staleness check would reject an
// already-expired claim outright, so the claim sweep comes through here
// instead: release the claim record, then run the step through the same
// retry-vs-DLQ decision an explicit failure would, so a crashed worker or a
// dropped dispatch send doesn't strand its step (and its task) forever.
func (rp *ResultProcessor) ExpireClaim(ctx dbctx.Context, claim *domain.Claim) error {
	if err := rp.claims.Release(ctx, claim.Token); err != nil {
		return fmt.Errorf("release expired claim: %w", err)
	}
	step, err := rp.steps.Get(ctx, claim.StepID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("load step: %w", err)
	}
	if step.CurrentState.IsTerminal() || step.ClaimToken != claim.Token {
		// A result already landed, or a newer claim has superseded this one,
		// between ListExpired's read and this call: nothing left to do.
		return nil
	}
	return rp.handleFailure(ctx, StepResult{
		StepID:  claim.StepID,
		Attempt: claim.Attempt,
		Reason:  "claim_expired",
	})
}

// handleFailure decides between scheduling a retry and routing to the DLQ,
// per the step's own RetryPolicy.
func (rp *ResultProcessor) handleFailure(ctx dbctx.Context, res StepResult) error {
	step, err := rp.steps.Get(ctx, res.StepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	tmpl, err := rp.templates.GetStepTemplate(ctx, step.TemplateID)
	if err != nil {
		return fmt.Errorf("load step template: %w", err)
	}
	policy := tmpl.Retry()

	now := time.Now()
	if shouldRetry(policy, res.Attempt, res.Reason) {
		delay := computeBackoff(policy, res.Attempt)
		nextRetry := now.Add(delay)
		if _, err := rp.steps.UpdateFieldsUnlessTerminal(ctx, res.StepID, map[string]interface{}{
			"current_state":   domain.StepReady,
			"attempts":        res.Attempt,
			"last_failure_at": now,
			"next_retry_at":   nextRetry,
			"error":           res.Reason,
		}); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return nil
	}

	if _, err := rp.steps.UpdateFieldsUnlessTerminal(ctx, res.StepID, map[string]interface{}{
		"current_state":   domain.StepDead,
		"attempts":        res.Attempt,
		"last_failure_at": now,
		"error":           res.Reason,
	}); err != nil {
		return fmt.Errorf("mark step dead: %w", err)
	}

	if _, err := rp.dlq.Create(ctx, &domain.DLQEntry{
		TaskID:          step.TaskID,
		StepID:          &step.ID,
		Reason:          dlqReasonFor(res, policy),
		PayloadSnapshot: res.Payload,
		Note:            res.Reason,
	}); err != nil {
		return fmt.Errorf("create dlq entry: %w", err)
	}
	return nil
}

func dlqReasonFor(res StepResult, policy domain.RetryPolicy) domain.DLQReason {
	if policy.MaxAttempts > 0 && res.Attempt >= policy.MaxAttempts {
		return domain.DLQRetriesExhausted
	}
	return domain.DLQPermanentlyFailed
}
