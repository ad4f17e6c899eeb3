package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// Finalizer is C8: it notices when every WorkflowStep of a task has
// reached a terminal state and moves the task itself to Complete or
// Failed. Because it reads the current counts and then does a CAS update
// on the task row, two finalizer passes racing on the same task (e.g. the
// last two steps completing within the same poll window) only let one
// update through — the other sees RowsAffected == 0 and returns cleanly.
type Finalizer struct {
	tasks       persistence.TaskRepo
	steps       persistence.StepRepo
	transitions persistence.TransitionRepo
	log         *logger.Logger
}

func NewFinalizer(tasks persistence.TaskRepo, steps persistence.StepRepo, transitions persistence.TransitionRepo, baseLog *logger.Logger) *Finalizer {
	return &Finalizer{
		tasks:       tasks,
		steps:       steps,
		transitions: transitions,
		log:         baseLog.With("component", "orchestrator.Finalizer"),
	}
}

var nonTerminalStepStates = []domain.StepState{
	domain.StepPending, domain.StepReady, domain.StepClaimed, domain.StepRunning,
}

var failingStepStates = []domain.StepState{domain.StepDead}

// TryFinalize checks whether taskID's steps are all terminal and, if so,
// transitions the task to Complete (every step complete or skipped) or
// Failed (at least one step dead), recording the transition. Returns false
// with no error when the task still has non-terminal steps, or when a
// concurrent finalizer pass already won the CAS.
func (f *Finalizer) TryFinalize(ctx dbctx.Context, taskID uuid.UUID) (bool, error) {
	pending, err := f.steps.CountByTaskAndStates(ctx, taskID, nonTerminalStepStates)
	if err != nil {
		return false, fmt.Errorf("count pending steps: %w", err)
	}
	if pending > 0 {
		return false, nil
	}

	dead, err := f.steps.CountByTaskAndStates(ctx, taskID, failingStepStates)
	if err != nil {
		return false, fmt.Errorf("count dead steps: %w", err)
	}

	toState := domain.TaskComplete
	reason := "all steps complete"
	if dead > 0 {
		toState = domain.TaskFailed
		reason = "one or more steps reached the dead-letter queue"
	}

	task, err := f.tasks.Get(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	if task.CurrentState.IsTerminal() {
		return false, nil
	}

	ok, err := f.tasks.UpdateState(ctx, taskID, task.CurrentState, toState)
	if err != nil {
		return false, fmt.Errorf("update task state: %w", err)
	}
	if !ok {
		return false, nil
	}

	if _, err := f.transitions.Record(ctx, &domain.StateTransition{
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(task.CurrentState),
		ToState:    string(toState),
		Reason:     reason,
		Timestamp:  time.Now(),
	}); err != nil {
		f.log.Warn("finalized task but failed to record transition", "task_id", taskID, "error", err)
	}
	return true, nil
}

// Cancel moves a task to Cancelled and every non-terminal step of it to
// Skipped. It is
// idempotent via the same CAS mechanism as TryFinalize: calling Cancel
// twice on an already-cancelled task is a no-op the second time.
func (f *Finalizer) Cancel(ctx dbctx.Context, taskID uuid.UUID, reason string) (bool, error) {
	task, err := f.tasks.Get(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	if task.CurrentState.IsTerminal() {
		return false, nil
	}

	ok, err := f.tasks.UpdateState(ctx, taskID, task.CurrentState, domain.TaskCancelled)
	if err != nil {
		return false, fmt.Errorf("update task state: %w", err)
	}
	if !ok {
		return false, nil
	}

	steps, err := f.steps.ListByTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("list steps: %w", err)
	}
	for _, s := range steps {
		if s.CurrentState.IsTerminal() {
			continue
		}
		if _, err := f.steps.UpdateFieldsUnlessTerminal(ctx, s.ID, map[string]interface{}{
			"current_state": domain.StepSkipped,
			"error":         "task cancelled",
		}); err != nil {
			f.log.Warn("failed to skip step during cancellation", "step_id", s.ID, "error", err)
		}
	}

	if _, err := f.transitions.Record(ctx, &domain.StateTransition{
		EntityType: domain.EntityTask,
		EntityID:   taskID,
		FromState:  string(task.CurrentState),
		ToState:    string(domain.TaskCancelled),
		Reason:     reason,
		Timestamp:  time.Now(),
	}); err != nil {
		f.log.Warn("cancelled task but failed to record transition", "task_id", taskID, "error", err)
	}
	return true, nil
}
