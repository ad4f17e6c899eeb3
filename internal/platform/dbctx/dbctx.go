package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request-scoped context.Context with an optional GORM
// transaction handle. Repos accept Context instead of *gorm.DB directly so
// callers can either pass a live transaction (nested under a caller's
// Transaction(...) block) or leave Tx nil and let the repo fall back to its
// own *gorm.DB connection pool.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// Background returns a Context with no transaction and context.Background().
func Background() Context {
	return Context{Ctx: context.Background()}
}

// WithTx returns a copy of c bound to tx.
func (c Context) WithTx(tx *gorm.DB) Context {
	c.Tx = tx
	return c
}
