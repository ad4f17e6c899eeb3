package orchestrator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

func newTestResultProcessor(t *testing.T) (*ResultProcessor, *fakeStepRepo, *fakeTemplateRepo, *fakeClaimRepo, *fakeDLQRepo) {
	t.Helper()
	logg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	steps := newFakeStepRepo()
	claims := newFakeClaimRepo()
	templates := newFakeTemplateRepo()
	transitions := newFakeTransitionRepo()
	dlq := newFakeDLQRepo()
	edges := newFakeEdgeRepo()
	readiness := NewReadinessEvaluator(nil, &fakeEdgeRepoWithSteps{fakeEdgeRepo: edges, steps: steps}, steps, logg)
	rp := NewResultProcessor(steps, claims, templates, transitions, dlq, readiness, logg)
	return rp, steps, templates, claims, dlq
}

func setupClaimedStep(t *testing.T, steps *fakeStepRepo, templates *fakeTemplateRepo, claims *fakeClaimRepo, maxAttempts int, retryable []string) (uuid.UUID, uuid.UUID, string) {
	t.Helper()
	dbc := dbctx.Background()
	taskID := uuid.New()
	tmplID := uuid.New()

	rp := domain.RetryPolicy{MaxAttempts: maxAttempts, BaseMS: 10, CapMS: 100, Jitter: 0.1, Retryable: retryable}
	raw, _ := json.Marshal(rp)
	stepTmpl := &domain.StepTemplate{ID: tmplID, Name: "work", Handler: "work.run", RetryPolicy: datatypes.JSON(raw)}
	templates.steps[tmplID] = stepTmpl

	stepID := uuid.New()
	token := uuid.NewString()
	steps.Create(dbc, []*domain.WorkflowStep{{
		ID: stepID, TaskID: taskID, TemplateID: tmplID, Name: "work",
		Attempts: 0, MaxAttempts: maxAttempts, CurrentState: domain.StepClaimed, ClaimToken: token,
	}})

	claims.Record(dbc, &domain.Claim{
		StepID: stepID, Token: token, Attempt: 1, Deadline: time.Now().Add(time.Minute),
	})
	return taskID, stepID, token
}

func TestResultProcessorAcceptsSuccess(t *testing.T) {
	rp, steps, templates, claims, _ := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 3, nil)
	dbc := dbctx.Background()

	applied, err := rp.Accept(dbc, StepResult{StepID: stepID, ClaimToken: token, Attempt: 1, Success: true, Payload: datatypes.JSON([]byte(`{"ok":true}`))})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !applied {
		t.Fatal("Accept = false, want true")
	}
	step, _ := steps.Get(dbc, stepID)
	if step.CurrentState != domain.StepComplete {
		t.Errorf("step state = %s, want complete", step.CurrentState)
	}
}

func TestResultProcessorDuplicateResultIsNoop(t *testing.T) {
	rp, steps, templates, claims, _ := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 3, nil)
	dbc := dbctx.Background()

	res := StepResult{StepID: stepID, ClaimToken: token, Attempt: 1, Success: true, Payload: datatypes.JSON([]byte(`{}`))}
	if _, err := rp.Accept(dbc, res); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	applied, err := rp.Accept(dbc, res)
	if err != nil {
		t.Fatalf("second Accept: %v", err)
	}
	if applied {
		t.Fatal("second Accept = true, want false for a duplicate (step, attempt, outcome)")
	}
}

func TestResultProcessorRejectsStaleClaimToken(t *testing.T) {
	rp, steps, templates, claims, _ := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 3, nil)
	dbc := dbctx.Background()
	if err := claims.Release(dbc, token); err != nil {
		t.Fatalf("Release: %v", err)
	}

	_, err := rp.Accept(dbc, StepResult{StepID: stepID, ClaimToken: token, Attempt: 1, Success: true})
	if err == nil {
		t.Fatal("Accept after release: error = nil, want ErrStaleClaimToken")
	}
}

func TestResultProcessorSchedulesRetryWithinPolicy(t *testing.T) {
	rp, steps, templates, claims, dlq := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 3, nil)
	dbc := dbctx.Background()

	_, err := rp.Accept(dbc, StepResult{StepID: stepID, ClaimToken: token, Attempt: 1, Success: false, Reason: "timeout"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	step, _ := steps.Get(dbc, stepID)
	if step.CurrentState != domain.StepReady {
		t.Errorf("step state = %s, want ready (retry scheduled)", step.CurrentState)
	}
	if step.NextRetryAt == nil {
		t.Error("NextRetryAt = nil, want set")
	}
	if len(dlq.entries) != 0 {
		t.Errorf("len(dlq.entries) = %d, want 0", len(dlq.entries))
	}
}

func TestResultProcessorExpireClaimSchedulesRetry(t *testing.T) {
	rp, steps, templates, claims, dlq := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 3, nil)
	dbc := dbctx.Background()

	claim, err := claims.GetByToken(dbc, token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}

	if err := rp.ExpireClaim(dbc, claim); err != nil {
		t.Fatalf("ExpireClaim: %v", err)
	}
	step, _ := steps.Get(dbc, stepID)
	if step.CurrentState != domain.StepReady {
		t.Errorf("step state = %s, want ready (retry scheduled)", step.CurrentState)
	}
	if step.NextRetryAt == nil {
		t.Error("NextRetryAt = nil, want set")
	}
	if len(dlq.entries) != 0 {
		t.Errorf("len(dlq.entries) = %d, want 0", len(dlq.entries))
	}
	reloaded, err := claims.GetByToken(dbc, token)
	if err != nil {
		t.Fatalf("GetByToken after expiry: %v", err)
	}
	if reloaded.ReleasedAt == nil {
		t.Error("claim ReleasedAt = nil, want set after ExpireClaim")
	}
}

func TestResultProcessorExpireClaimRoutesToDLQWhenRetriesExhausted(t *testing.T) {
	rp, steps, templates, claims, dlq := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 1, nil)
	dbc := dbctx.Background()

	claim, err := claims.GetByToken(dbc, token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}

	if err := rp.ExpireClaim(dbc, claim); err != nil {
		t.Fatalf("ExpireClaim: %v", err)
	}
	step, _ := steps.Get(dbc, stepID)
	if step.CurrentState != domain.StepDead {
		t.Errorf("step state = %s, want dead", step.CurrentState)
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("len(dlq.entries) = %d, want 1", len(dlq.entries))
	}
}

func TestResultProcessorRoutesToDLQWhenRetriesExhausted(t *testing.T) {
	rp, steps, templates, claims, dlq := newTestResultProcessor(t)
	_, stepID, token := setupClaimedStep(t, steps, templates, claims, 1, nil)
	dbc := dbctx.Background()

	_, err := rp.Accept(dbc, StepResult{StepID: stepID, ClaimToken: token, Attempt: 1, Success: false, Reason: "boom"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	step, _ := steps.Get(dbc, stepID)
	if step.CurrentState != domain.StepDead {
		t.Errorf("step state = %s, want dead", step.CurrentState)
	}
	if len(dlq.entries) != 1 {
		t.Fatalf("len(dlq.entries) = %d, want 1", len(dlq.entries))
	}
	if dlq.entries[0].Reason != domain.DLQRetriesExhausted {
		t.Errorf("dlq reason = %s, want retries_exhausted", dlq.entries[0].Reason)
	}
}
