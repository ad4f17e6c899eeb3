package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
)

// The fakes in this file are minimal in-memory stand-ins for the
// persistence interfaces, letting C4/C5/C7/C8's decision logic be tested
// without a database. The only test against real Postgres is
// initializer_test.go in this package, which runs when
// TASKER_TEST_POSTGRES_DSN is set.

type fakeTemplateRepo struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*domain.TaskTemplate
	steps map[uuid.UUID]*domain.StepTemplate
}

func newFakeTemplateRepo() *fakeTemplateRepo {
	return &fakeTemplateRepo{byID: map[uuid.UUID]*domain.TaskTemplate{}, steps: map[uuid.UUID]*domain.StepTemplate{}}
}

func (f *fakeTemplateRepo) Upsert(dbc dbctx.Context, tmpl *domain.TaskTemplate) (*domain.TaskTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	f.byID[tmpl.ID] = tmpl
	for i := range tmpl.Steps {
		if tmpl.Steps[i].ID == uuid.Nil {
			tmpl.Steps[i].ID = uuid.New()
		}
		st := tmpl.Steps[i]
		f.steps[st.ID] = &st
	}
	return tmpl, nil
}

func (f *fakeTemplateRepo) GetByIdentity(dbc dbctx.Context, namespace, name, version string) (*domain.TaskTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byID {
		if t.Namespace == namespace && t.Name == name && t.Version == version {
			return t, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeTemplateRepo) GetWithSteps(dbc dbctx.Context, id uuid.UUID) (*domain.TaskTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return t, nil
}

func (f *fakeTemplateRepo) GetStepTemplate(dbc dbctx.Context, id uuid.UUID) (*domain.StepTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.steps[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return st, nil
}

type fakeTaskRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.Task
}

func newFakeTaskRepo() *fakeTaskRepo { return &fakeTaskRepo{byID: map[uuid.UUID]*domain.Task{}} }

func (f *fakeTaskRepo) Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	cp := *task
	f.byID[task.ID] = &cp
	return task, nil
}

func (f *fakeTaskRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskRepo) UpdateState(dbc dbctx.Context, id uuid.UUID, from, to domain.TaskState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if t.CurrentState != from {
		return false, nil
	}
	t.CurrentState = to
	return true, nil
}

func (f *fakeTaskRepo) ListByNamespaceAndState(dbc dbctx.Context, namespace string, state domain.TaskState, limit int) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Task
	for _, t := range f.byID {
		if t.Namespace == namespace && t.CurrentState == state {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) GetByCorrelationID(dbc dbctx.Context, namespace, correlationID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byID {
		if t.Namespace == namespace && t.CorrelationID == correlationID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type fakeStepRepo struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*domain.WorkflowStep
	namespace map[uuid.UUID]string // taskID -> namespace, for ClaimReady/CountInFlight
	timeoutMS map[uuid.UUID]int64  // stepID -> step_template.timeout_ms
	handler   map[uuid.UUID]string // stepID -> step_template.handler_callable
}

func newFakeStepRepo() *fakeStepRepo {
	return &fakeStepRepo{
		byID:      map[uuid.UUID]*domain.WorkflowStep{},
		namespace: map[uuid.UUID]string{},
		timeoutMS: map[uuid.UUID]int64{},
		handler:   map[uuid.UUID]string{},
	}
}

func (f *fakeStepRepo) Create(dbc dbctx.Context, steps []*domain.WorkflowStep) ([]*domain.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range steps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		cp := *s
		f.byID[s.ID] = &cp
	}
	return steps, nil
}

func (f *fakeStepRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStepRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.WorkflowStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.WorkflowStep
	for _, s := range f.byID {
		if s.TaskID == taskID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStepRepo) ClaimReady(dbc dbctx.Context, namespace string, limit int, visibility time.Duration) ([]*persistence.ClaimedStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	var claimed []*persistence.ClaimedStep
	for _, s := range f.byID {
		if len(claimed) >= limit {
			break
		}
		if f.namespace[s.TaskID] != namespace {
			continue
		}
		if !s.Runnable(now) {
			continue
		}
		budget := visibility
		if timeout := time.Duration(f.timeoutMS[s.ID]) * time.Millisecond; timeout > budget {
			budget = timeout
		}
		deadline := now.Add(budget)
		s.CurrentState = domain.StepClaimed
		s.ClaimToken = uuid.NewString()
		s.ClaimDeadline = &deadline
		cp := *s
		claimed = append(claimed, &persistence.ClaimedStep{Step: &cp, Handler: f.handler[s.ID]})
	}
	return claimed, nil
}

func (f *fakeStepRepo) ReleaseClaim(dbc dbctx.Context, id uuid.UUID, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok || s.CurrentState != domain.StepClaimed || s.ClaimToken != token {
		return false, nil
	}
	s.CurrentState = domain.StepReady
	s.ClaimToken = ""
	s.ClaimDeadline = nil
	return true, nil
}

func (f *fakeStepRepo) CountInFlight(dbc dbctx.Context, namespace string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, s := range f.byID {
		if f.namespace[s.TaskID] != namespace {
			continue
		}
		if s.CurrentState == domain.StepClaimed || s.CurrentState == domain.StepRunning {
			count++
		}
	}
	return count, nil
}

func (f *fakeStepRepo) UpdateFieldsUnlessTerminal(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return false, gorm.ErrRecordNotFound
	}
	if s.CurrentState.IsTerminal() {
		return false, nil
	}
	if v, ok := updates["current_state"]; ok {
		s.CurrentState = v.(domain.StepState)
	}
	if v, ok := updates["attempts"]; ok {
		s.Attempts = v.(int)
	}
	if v, ok := updates["error"]; ok {
		s.Error = v.(string)
	}
	if v, ok := updates["next_retry_at"]; ok {
		t := v.(time.Time)
		s.NextRetryAt = &t
	}
	if v, ok := updates["inputs"]; ok {
		s.Inputs = v.(datatypes.JSON)
	}
	return true, nil
}

func (f *fakeStepRepo) MarkReady(dbc dbctx.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if s, ok := f.byID[id]; ok && s.CurrentState == domain.StepPending {
			s.CurrentState = domain.StepReady
		}
	}
	return nil
}

func (f *fakeStepRepo) CountByTaskAndStates(dbc dbctx.Context, taskID uuid.UUID, states []domain.StepState) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := map[domain.StepState]bool{}
	for _, s := range states {
		set[s] = true
	}
	var count int64
	for _, s := range f.byID {
		if s.TaskID == taskID && set[s.CurrentState] {
			count++
		}
	}
	return count, nil
}

type fakeEdgeRepo struct {
	mu    sync.Mutex
	edges []*domain.Edge
}

func newFakeEdgeRepo() *fakeEdgeRepo { return &fakeEdgeRepo{} }

func (f *fakeEdgeRepo) Create(dbc dbctx.Context, edges []*domain.Edge) ([]*domain.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, edges...)
	return edges, nil
}

func (f *fakeEdgeRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Edge
	for _, e := range f.edges {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// UnsatisfiedDependents needs step lookups, so tests inject a stepRepo ref.
type fakeEdgeRepoWithSteps struct {
	*fakeEdgeRepo
	steps *fakeStepRepo
}

func (f *fakeEdgeRepoWithSteps) UnsatisfiedDependents(dbc dbctx.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	f.steps.mu.Lock()
	defer f.steps.mu.Unlock()
	f.fakeEdgeRepo.mu.Lock()
	defer f.fakeEdgeRepo.mu.Unlock()

	var out []uuid.UUID
	for _, e := range f.fakeEdgeRepo.edges {
		if e.TaskID != taskID {
			continue
		}
		from, ok := f.steps.byID[e.FromStepID]
		if !ok || from.CurrentState != domain.StepComplete {
			out = append(out, e.ToStepID)
		}
	}
	return out, nil
}

type fakeTransitionRepo struct {
	mu   sync.Mutex
	seen map[string]bool
	all  []*domain.StateTransition
}

func newFakeTransitionRepo() *fakeTransitionRepo {
	return &fakeTransitionRepo{seen: map[string]bool{}}
}

func (f *fakeTransitionRepo) Record(dbc dbctx.Context, t *domain.StateTransition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%d|%s", t.EntityID, t.Attempt, t.ToState)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	f.all = append(f.all, t)
	return true, nil
}

func (f *fakeTransitionRepo) ListByEntity(dbc dbctx.Context, entityType domain.EntityType, entityID uuid.UUID) ([]*domain.StateTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StateTransition
	for _, t := range f.all {
		if t.EntityType == entityType && t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeClaimRepo struct {
	mu    sync.Mutex
	byTok map[string]*domain.Claim
}

func newFakeClaimRepo() *fakeClaimRepo { return &fakeClaimRepo{byTok: map[string]*domain.Claim{}} }

func (f *fakeClaimRepo) Record(dbc dbctx.Context, c *domain.Claim) (*domain.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	f.byTok[c.Token] = c
	return c, nil
}

func (f *fakeClaimRepo) GetByToken(dbc dbctx.Context, token string) (*domain.Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byTok[token]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClaimRepo) Release(dbc dbctx.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byTok[token]; ok && c.ReleasedAt == nil {
		now := time.Now()
		c.ReleasedAt = &now
	}
	return nil
}

func (f *fakeClaimRepo) ListExpired(dbc dbctx.Context, before time.Time, limit int) ([]*domain.Claim, error) {
	return nil, nil
}

type fakeDLQRepo struct {
	mu      sync.Mutex
	entries []*domain.DLQEntry
}

func newFakeDLQRepo() *fakeDLQRepo { return &fakeDLQRepo{} }

func (f *fakeDLQRepo) Create(dbc dbctx.Context, entry *domain.DLQEntry) (*domain.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ResolutionStatus == "" {
		entry.ResolutionStatus = domain.DLQPendingResolution
	}
	f.entries = append(f.entries, entry)
	return entry, nil
}

func (f *fakeDLQRepo) Get(dbc dbctx.Context, id uuid.UUID) (*domain.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeDLQRepo) ListByStatus(dbc dbctx.Context, status domain.DLQResolutionStatus, limit int) ([]*domain.DLQEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.DLQEntry
	for _, e := range f.entries {
		if e.ResolutionStatus == status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeDLQRepo) Resolve(dbc dbctx.Context, id uuid.UUID, status domain.DLQResolutionStatus, note string, resetStep bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.ID == id && e.ResolutionStatus == domain.DLQPendingResolution {
			e.ResolutionStatus = status
			e.Note = note
			return true, nil
		}
	}
	return false, nil
}

var (
	_ persistence.TemplateRepo   = (*fakeTemplateRepo)(nil)
	_ persistence.TaskRepo       = (*fakeTaskRepo)(nil)
	_ persistence.StepRepo       = (*fakeStepRepo)(nil)
	_ persistence.EdgeRepo       = (*fakeEdgeRepoWithSteps)(nil)
	_ persistence.TransitionRepo = (*fakeTransitionRepo)(nil)
	_ persistence.ClaimRepo      = (*fakeClaimRepo)(nil)
	_ persistence.DLQRepo        = (*fakeDLQRepo)(nil)
)
