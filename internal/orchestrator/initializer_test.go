package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// Initializer wraps multiple repos in one gorm.DB transaction, so it is
// exercised against a real database rather than fakes. Set
// TASKER_TEST_POSTGRES_DSN to run it; otherwise it's skipped.
func mustTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TASKER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set TASKER_TEST_POSTGRES_DSN to run orchestrator integration tests")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.TaskTemplate{}, &domain.StepTemplate{}, &domain.Task{},
		&domain.WorkflowStep{}, &domain.Edge{}, &domain.StateTransition{},
		&domain.Claim{}, &domain.DLQEntry{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestInitializerMaterializesTaskGraph(t *testing.T) {
	db := mustTestDB(t)
	logg, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	templates := persistence.NewTemplateRepo(db, logg)
	tasks := persistence.NewTaskRepo(db, logg)
	steps := persistence.NewStepRepo(db, logg)
	edges := persistence.NewEdgeRepo(db, logg)
	transitions := persistence.NewTransitionRepo(db, logg)

	dbc := dbctx.Context{Ctx: context.Background()}

	dep, err := json.Marshal([]string{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	downstreamDeps, err := json.Marshal([]string{"fetch"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tmpl := &domain.TaskTemplate{
		Namespace: "test-ns",
		Name:      "pipeline",
		Version:   "v1",
		Steps: []domain.StepTemplate{
			{Name: "fetch", Dependencies: datatypes.JSON(dep), Handler: "fetch.run"},
			{Name: "transform", Dependencies: datatypes.JSON(downstreamDeps), Handler: "transform.run"},
		},
	}
	if _, err := templates.Upsert(dbc, tmpl); err != nil {
		t.Fatalf("Upsert template: %v", err)
	}

	init := NewInitializer(db, templates, tasks, steps, edges, transitions, logg)
	task, err := init.Initialize(dbc, TaskRequest{
		Namespace:         "test-ns",
		TemplateNamespace: "test-ns",
		TemplateName:      "pipeline",
		TemplateVersion:   "v1",
		CorrelationID:     "corr-1",
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rows, err := steps.ListByTask(dbc, task.ID)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	byName := map[string]*domain.WorkflowStep{}
	for _, r := range rows {
		byName[r.Name] = r
	}
	if byName["fetch"].CurrentState != domain.StepReady {
		t.Errorf("fetch state = %s, want ready", byName["fetch"].CurrentState)
	}
	if byName["transform"].CurrentState != domain.StepPending {
		t.Errorf("transform state = %s, want pending", byName["transform"].CurrentState)
	}
}

func TestInitializerRejectsDuplicateCorrelationID(t *testing.T) {
	db := mustTestDB(t)
	logg, _ := logger.New("test")

	templates := persistence.NewTemplateRepo(db, logg)
	tasks := persistence.NewTaskRepo(db, logg)
	steps := persistence.NewStepRepo(db, logg)
	edges := persistence.NewEdgeRepo(db, logg)
	transitions := persistence.NewTransitionRepo(db, logg)
	dbc := dbctx.Context{Ctx: context.Background()}

	dep, _ := json.Marshal([]string{})
	tmpl := &domain.TaskTemplate{
		Namespace: "test-ns2", Name: "single", Version: "v1",
		Steps: []domain.StepTemplate{{Name: "only", Dependencies: datatypes.JSON(dep), Handler: "only.run"}},
	}
	if _, err := templates.Upsert(dbc, tmpl); err != nil {
		t.Fatalf("Upsert template: %v", err)
	}

	init := NewInitializer(db, templates, tasks, steps, edges, transitions, logg)
	req := TaskRequest{Namespace: "test-ns2", TemplateNamespace: "test-ns2", TemplateName: "single", TemplateVersion: "v1", CorrelationID: "dup-1"}
	if _, err := init.Initialize(dbc, req); err != nil {
		t.Fatalf("first Initialize: %v", err)
	}
	if _, err := init.Initialize(dbc, req); err == nil {
		t.Fatal("second Initialize with same correlation id: error = nil, want ErrDuplicateCorrelationID")
	}
}
