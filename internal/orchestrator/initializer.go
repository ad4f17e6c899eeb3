package orchestrator

import (
	"encoding/json"
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

// TaskRequest is the caller-supplied input to Initializer.Initialize.
type TaskRequest struct {
	Namespace           string
	TemplateNamespace   string
	TemplateName        string
	TemplateVersion     string
	Context             json.RawMessage
	Priority            int
	CorrelationID       string
	ParentCorrelationID string
	Initiator           string
	Source              string
	Reason              string
	Tags                json.RawMessage
}

// Initializer materializes a Task plus its WorkflowSteps and Edges from a
// registered TaskTemplate (C4, spec §4.1). Step/edge/transition creation is
// all-or-nothing: either the whole task graph is persisted, or none of it
// is, so a task is never left half-materialized for C5/C6 to trip over.
type Initializer struct {
	db          *gorm.DB
	templates   persistence.TemplateRepo
	tasks       persistence.TaskRepo
	steps       persistence.StepRepo
	edges       persistence.EdgeRepo
	transitions persistence.TransitionRepo
	log         *logger.Logger
}

func NewInitializer(
	db *gorm.DB,
	templates persistence.TemplateRepo,
	tasks persistence.TaskRepo,
	steps persistence.StepRepo,
	edges persistence.EdgeRepo,
	transitions persistence.TransitionRepo,
	baseLog *logger.Logger,
) *Initializer {
	return &Initializer{
		db:          db,
		templates:   templates,
		tasks:       tasks,
		steps:       steps,
		edges:       edges,
		transitions: transitions,
		log:         baseLog.With("component", "orchestrator.Initializer"),
	}
}

// Initialize validates the request's correlation ID is unused, looks up the
// named template, validates its step graph is acyclic, and persists a new
// Task with one WorkflowStep per StepTemplate and one Edge per dependency.
// Steps with no dependencies are created directly in StepReady; all others
// start StepPending, to be flipped to StepReady by C5 as dependencies
// complete.
func (in *Initializer) Initialize(ctx dbctx.Context, req TaskRequest) (*domain.Task, error) {
	tmpl, err := in.templates.GetByIdentity(ctx, req.TemplateNamespace, req.TemplateName, req.TemplateVersion)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, taskererrors.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("lookup template: %w", err)
	}
	full, err := in.templates.GetWithSteps(ctx, tmpl.ID)
	if err != nil {
		return nil, fmt.Errorf("load template steps: %w", err)
	}
	if len(full.Steps) == 0 {
		return nil, fmt.Errorf("template %s/%s/%s has no steps", req.TemplateNamespace, req.TemplateName, req.TemplateVersion)
	}

	nodes := make([]stepNode, 0, len(full.Steps))
	for _, st := range full.Steps {
		nodes = append(nodes, stepNode{Name: st.Name, Deps: st.DependencyNames()})
	}
	if _, err := validateDAG(nodes); err != nil {
		return nil, err
	}

	// The task's materialized context is also every root step's input, so
	// validate it once against both the template's own InputSchema and
	// every dependency-free step's InputSchema before persisting anything.
	ctxBytes := datatypes.JSON(orEmptyObject(req.Context))
	if err := validateAgainstSchema("task context", full.InputSchema, ctxBytes); err != nil {
		return nil, err
	}
	for _, st := range full.Steps {
		if len(st.DependencyNames()) != 0 {
			continue
		}
		if err := validateAgainstSchema("step "+st.Name+" input", st.InputSchema, ctxBytes); err != nil {
			return nil, err
		}
	}

	var created *domain.Task
	txErr := in.db.WithContext(ctx.Ctx).Transaction(func(tx *gorm.DB) error {
		tdbc := ctx.WithTx(tx)

		if req.CorrelationID != "" {
			if _, err := in.tasks.GetByCorrelationID(tdbc, req.Namespace, req.CorrelationID); err == nil {
				return taskererrors.ErrDuplicateCorrelationID
			} else if err != gorm.ErrRecordNotFound {
				return fmt.Errorf("check correlation id: %w", err)
			}
		}

		task := &domain.Task{
			TemplateID:          full.ID,
			Namespace:           req.Namespace,
			Context:             ctxBytes,
			Priority:            req.Priority,
			CorrelationID:       req.CorrelationID,
			ParentCorrelationID: req.ParentCorrelationID,
			Initiator:           req.Initiator,
			Source:              req.Source,
			Reason:              req.Reason,
			Tags:                datatypes.JSON(orEmptyArray(req.Tags)),
			CurrentState:        domain.TaskPending,
		}
		if _, err := in.tasks.Create(tdbc, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		nameToID := make(map[string]uuid.UUID, len(full.Steps))
		stepRows := make([]*domain.WorkflowStep, 0, len(full.Steps))
		for _, st := range full.Steps {
			id := uuid.New()
			nameToID[st.Name] = id
			state := domain.StepPending
			inputs := datatypes.JSON([]byte("{}"))
			if len(st.DependencyNames()) == 0 {
				// No upstream dependency to supply inputs: the step runs
				// directly off the task's own context.
				state = domain.StepReady
				inputs = ctxBytes
			}
			maxAttempts := st.Retry().MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 1
			}
			stepRows = append(stepRows, &domain.WorkflowStep{
				ID:           id,
				TaskID:       task.ID,
				TemplateID:   st.ID,
				Name:         st.Name,
				Inputs:       inputs,
				MaxAttempts:  maxAttempts,
				CurrentState: state,
			})
		}
		if _, err := in.steps.Create(tdbc, stepRows); err != nil {
			return fmt.Errorf("create steps: %w", err)
		}

		var edgeRows []*domain.Edge
		for _, st := range full.Steps {
			for _, depName := range st.DependencyNames() {
				edgeRows = append(edgeRows, &domain.Edge{
					TaskID:     task.ID,
					FromStepID: nameToID[depName],
					ToStepID:   nameToID[st.Name],
				})
			}
		}
		if len(edgeRows) > 0 {
			if _, err := in.edges.Create(tdbc, edgeRows); err != nil {
				return fmt.Errorf("create edges: %w", err)
			}
		}

		if _, err := in.transitions.Record(tdbc, &domain.StateTransition{
			EntityType: domain.EntityTask,
			EntityID:   task.ID,
			ToState:    string(domain.TaskPending),
			Reason:     "task initialized",
			Timestamp:  time.Now(),
		}); err != nil {
			return fmt.Errorf("record task transition: %w", err)
		}

		created = task
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return created, nil
}

func orEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func orEmptyArray(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("[]")
	}
	return raw
}
