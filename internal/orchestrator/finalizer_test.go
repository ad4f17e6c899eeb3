package orchestrator

import (
	"testing"

	"github.com/google/uuid"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

func newTestFinalizer(t *testing.T) (*Finalizer, *fakeTaskRepo, *fakeStepRepo) {
	t.Helper()
	logg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	tasks := newFakeTaskRepo()
	steps := newFakeStepRepo()
	transitions := newFakeTransitionRepo()
	return NewFinalizer(tasks, steps, transitions, logg), tasks, steps
}

func TestFinalizerCompletesWhenAllStepsComplete(t *testing.T) {
	f, tasks, steps := newTestFinalizer(t)
	dbc := dbctx.Background()
	taskID := uuid.New()
	if _, err := tasks.Create(dbc, &domain.Task{ID: taskID, Namespace: "ns", CurrentState: domain.TaskInProgress}); err != nil {
		t.Fatalf("Create task: %v", err)
	}
	if _, err := steps.Create(dbc, []*domain.WorkflowStep{
		{ID: uuid.New(), TaskID: taskID, Name: "a", CurrentState: domain.StepComplete},
		{ID: uuid.New(), TaskID: taskID, Name: "b", CurrentState: domain.StepComplete},
	}); err != nil {
		t.Fatalf("Create steps: %v", err)
	}

	ok, err := f.TryFinalize(dbc, taskID)
	if err != nil {
		t.Fatalf("TryFinalize: %v", err)
	}
	if !ok {
		t.Fatal("TryFinalize = false, want true")
	}
	task, _ := tasks.Get(dbc, taskID)
	if task.CurrentState != domain.TaskComplete {
		t.Errorf("task state = %s, want complete", task.CurrentState)
	}
}

func TestFinalizerFailsWhenAStepIsDead(t *testing.T) {
	f, tasks, steps := newTestFinalizer(t)
	dbc := dbctx.Background()
	taskID := uuid.New()
	tasks.Create(dbc, &domain.Task{ID: taskID, Namespace: "ns", CurrentState: domain.TaskInProgress})
	steps.Create(dbc, []*domain.WorkflowStep{
		{ID: uuid.New(), TaskID: taskID, Name: "a", CurrentState: domain.StepComplete},
		{ID: uuid.New(), TaskID: taskID, Name: "b", CurrentState: domain.StepDead},
	})

	ok, err := f.TryFinalize(dbc, taskID)
	if err != nil || !ok {
		t.Fatalf("TryFinalize = %v, %v", ok, err)
	}
	task, _ := tasks.Get(dbc, taskID)
	if task.CurrentState != domain.TaskFailed {
		t.Errorf("task state = %s, want failed", task.CurrentState)
	}
}

func TestFinalizerNoopWhileStepsPending(t *testing.T) {
	f, tasks, steps := newTestFinalizer(t)
	dbc := dbctx.Background()
	taskID := uuid.New()
	tasks.Create(dbc, &domain.Task{ID: taskID, Namespace: "ns", CurrentState: domain.TaskInProgress})
	steps.Create(dbc, []*domain.WorkflowStep{
		{ID: uuid.New(), TaskID: taskID, Name: "a", CurrentState: domain.StepComplete},
		{ID: uuid.New(), TaskID: taskID, Name: "b", CurrentState: domain.StepRunning},
	})

	ok, err := f.TryFinalize(dbc, taskID)
	if err != nil {
		t.Fatalf("TryFinalize: %v", err)
	}
	if ok {
		t.Fatal("TryFinalize = true, want false while a step is still in flight")
	}
}

func TestFinalizerIsReentrant(t *testing.T) {
	f, tasks, steps := newTestFinalizer(t)
	dbc := dbctx.Background()
	taskID := uuid.New()
	tasks.Create(dbc, &domain.Task{ID: taskID, Namespace: "ns", CurrentState: domain.TaskInProgress})
	steps.Create(dbc, []*domain.WorkflowStep{
		{ID: uuid.New(), TaskID: taskID, Name: "a", CurrentState: domain.StepComplete},
	})

	first, err := f.TryFinalize(dbc, taskID)
	if err != nil || !first {
		t.Fatalf("first TryFinalize = %v, %v", first, err)
	}
	second, err := f.TryFinalize(dbc, taskID)
	if err != nil {
		t.Fatalf("second TryFinalize: %v", err)
	}
	if second {
		t.Fatal("second TryFinalize = true, want false since the task is already terminal")
	}
}

func TestFinalizerCancelSkipsNonTerminalSteps(t *testing.T) {
	f, tasks, steps := newTestFinalizer(t)
	dbc := dbctx.Background()
	taskID := uuid.New()
	tasks.Create(dbc, &domain.Task{ID: taskID, Namespace: "ns", CurrentState: domain.TaskInProgress})
	keepID := uuid.New()
	cancelID := uuid.New()
	steps.Create(dbc, []*domain.WorkflowStep{
		{ID: keepID, TaskID: taskID, Name: "done", CurrentState: domain.StepComplete},
		{ID: cancelID, TaskID: taskID, Name: "pending", CurrentState: domain.StepPending},
	})

	ok, err := f.Cancel(dbc, taskID, "operator requested")
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	task, _ := tasks.Get(dbc, taskID)
	if task.CurrentState != domain.TaskCancelled {
		t.Errorf("task state = %s, want cancelled", task.CurrentState)
	}
	done, _ := steps.Get(dbc, keepID)
	if done.CurrentState != domain.StepComplete {
		t.Errorf("completed step state changed to %s, want unchanged complete", done.CurrentState)
	}
	pending, _ := steps.Get(dbc, cancelID)
	if pending.CurrentState != domain.StepSkipped {
		t.Errorf("pending step state = %s, want skipped", pending.CurrentState)
	}
}
