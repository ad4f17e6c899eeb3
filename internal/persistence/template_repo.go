package persistence

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// TemplateRepo persists TaskTemplate/StepTemplate declarations as given;
// it does no parsing or validation. The step graph is checked for cycles
// and unknown dependencies by orchestrator.Initializer when a task is
// created from a template.
type TemplateRepo interface {
	Upsert(dbc dbctx.Context, tmpl *domain.TaskTemplate) (*domain.TaskTemplate, error)
	GetByIdentity(dbc dbctx.Context, namespace, name, version string) (*domain.TaskTemplate, error)
	GetWithSteps(dbc dbctx.Context, id uuid.UUID) (*domain.TaskTemplate, error)

	// GetStepTemplate looks up one StepTemplate by id, used by C7 to read
	// the retry policy for a step that just reported a failure.
	GetStepTemplate(dbc dbctx.Context, id uuid.UUID) (*domain.StepTemplate, error)
}

type templateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTemplateRepo(db *gorm.DB, baseLog *logger.Logger) TemplateRepo {
	return &templateRepo{db: db, log: baseLog.With("repo", "TemplateRepo")}
}

func (r *templateRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *templateRepo) Upsert(dbc dbctx.Context, tmpl *domain.TaskTemplate) (*domain.TaskTemplate, error) {
	transaction := r.tx(dbc)
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var existing domain.TaskTemplate
		err := txx.Where("namespace = ? AND name = ? AND version = ?", tmpl.Namespace, tmpl.Name, tmpl.Version).First(&existing).Error
		switch {
		case err == nil:
			tmpl.ID = existing.ID
			if uerr := txx.Model(&existing).Updates(map[string]interface{}{
				"input_schema": tmpl.InputSchema,
			}).Error; uerr != nil {
				return uerr
			}
		case err == gorm.ErrRecordNotFound:
			if cerr := txx.Create(tmpl).Error; cerr != nil {
				return cerr
			}
		default:
			return err
		}
		for i := range tmpl.Steps {
			tmpl.Steps[i].TemplateID = tmpl.ID
		}
		if len(tmpl.Steps) > 0 {
			if serr := txx.Create(&tmpl.Steps).Error; serr != nil {
				return serr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (r *templateRepo) GetByIdentity(dbc dbctx.Context, namespace, name, version string) (*domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("namespace = ? AND name = ? AND version = ?", namespace, name, version).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *templateRepo) GetStepTemplate(dbc dbctx.Context, id uuid.UUID) (*domain.StepTemplate, error) {
	var st domain.StepTemplate
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *templateRepo) GetWithSteps(dbc dbctx.Context, id uuid.UUID) (*domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Preload("Steps").
		Where("id = ?", id).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}
