package persistence

import (
	"time"

	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// ClaimRepo persists the append-only claim history used to validate
// incoming step results against a stale or already-released token
// (spec §4.7).
type ClaimRepo interface {
	Record(dbc dbctx.Context, c *domain.Claim) (*domain.Claim, error)
	GetByToken(dbc dbctx.Context, token string) (*domain.Claim, error)
	Release(dbc dbctx.Context, token string) error
	ListExpired(dbc dbctx.Context, before time.Time, limit int) ([]*domain.Claim, error)
}

type claimRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewClaimRepo(db *gorm.DB, baseLog *logger.Logger) ClaimRepo {
	return &claimRepo{db: db, log: baseLog.With("repo", "ClaimRepo")}
}

func (r *claimRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *claimRepo) Record(dbc dbctx.Context, c *domain.Claim) (*domain.Claim, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

func (r *claimRepo) GetByToken(dbc dbctx.Context, token string) (*domain.Claim, error) {
	var c domain.Claim
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("claim_token = ?", token).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *claimRepo) Release(dbc dbctx.Context, token string) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Claim{}).
		Where("claim_token = ? AND released_at IS NULL", token).
		Update("released_at", now).Error
}

func (r *claimRepo) ListExpired(dbc dbctx.Context, before time.Time, limit int) ([]*domain.Claim, error) {
	var out []*domain.Claim
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Where("claim_deadline < ? AND released_at IS NULL", before).
		Order("claim_deadline ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
