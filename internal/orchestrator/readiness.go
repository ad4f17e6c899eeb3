package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// ReadinessEvaluator promotes StepPending steps to StepReady once every
// upstream dependency has completed (spec §4.5: a step becomes runnable
// the instant its last unmet dependency completes, not on the next poll).
type ReadinessEvaluator struct {
	db    *gorm.DB
	edges persistence.EdgeRepo
	steps persistence.StepRepo
	log   *logger.Logger
}

func NewReadinessEvaluator(db *gorm.DB, edges persistence.EdgeRepo, steps persistence.StepRepo, baseLog *logger.Logger) *ReadinessEvaluator {
	return &ReadinessEvaluator{
		db:    db,
		edges: edges,
		steps: steps,
		log:   baseLog.With("component", "orchestrator.ReadinessEvaluator"),
	}
}

// PromoteReady recomputes, for every WorkflowStep in the task, whether its
// dependencies are satisfied, and flips the pending ones whose dependencies
// are all complete to StepReady. Called by C7 immediately after a step
// completes, scoped to just that task so the check stays O(edges in task)
// rather than O(edges in namespace).
func (re *ReadinessEvaluator) PromoteReady(ctx dbctx.Context, taskID uuid.UUID) (int, error) {
	all, err := re.steps.ListByTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list steps: %w", err)
	}
	if len(all) == 0 {
		return 0, nil
	}

	unsatisfied, err := re.edges.UnsatisfiedDependents(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list unsatisfied dependents: %w", err)
	}
	blocked := make(map[uuid.UUID]bool, len(unsatisfied))
	for _, id := range unsatisfied {
		blocked[id] = true
	}

	edges, err := re.edges.ListByTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list edges: %w", err)
	}
	dependsOn := make(map[uuid.UUID][]uuid.UUID, len(edges)) // toStepID -> []fromStepID
	for _, e := range edges {
		dependsOn[e.ToStepID] = append(dependsOn[e.ToStepID], e.FromStepID)
	}
	byID := make(map[uuid.UUID]*domain.WorkflowStep, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}

	var toPromote []uuid.UUID
	for _, s := range all {
		if s.CurrentState != domain.StepPending {
			continue
		}
		if blocked[s.ID] {
			continue
		}
		toPromote = append(toPromote, s.ID)

		froms := dependsOn[s.ID]
		if len(froms) == 0 {
			continue
		}
		// Merge every completed dependency's result into this step's
		// inputs, keyed by the dependency's own step name, so it receives
		// real upstream output instead of sitting on empty JSON.
		merged := make(map[string]json.RawMessage, len(froms))
		for _, fromID := range froms {
			dep, ok := byID[fromID]
			if !ok || len(dep.Result) == 0 {
				continue
			}
			merged[dep.Name] = json.RawMessage(dep.Result)
		}
		raw, merr := json.Marshal(merged)
		if merr != nil {
			re.log.Warn("failed to materialize step inputs from dependency results", "step_id", s.ID, "error", merr)
			continue
		}
		if _, err := re.steps.UpdateFieldsUnlessTerminal(ctx, s.ID, map[string]interface{}{
			"inputs": datatypes.JSON(raw),
		}); err != nil {
			return 0, fmt.Errorf("materialize step inputs: %w", err)
		}
	}
	if len(toPromote) == 0 {
		return 0, nil
	}
	if err := re.steps.MarkReady(ctx, toPromote); err != nil {
		return 0, fmt.Errorf("mark ready: %w", err)
	}
	return len(toPromote), nil
}
