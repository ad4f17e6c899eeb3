package persistence

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// Config is the subset of internal/config that the connection setup needs.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string
}

// DB wraps the GORM handle with connection lifecycle management.
type DB struct {
	gorm *gorm.DB
	log  *logger.Logger
}

// Open dials Postgres, enables the extension Task/Step/Claim primary keys
// rely on, and wraps the result.
func Open(cfg Config, logg *logger.Logger) (*DB, error) {
	serviceLog := logg.With("component", "persistence")

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode,
	)

	// GORM logger ignores "record not found" spam, which is expected noise
	// from the readiness/claim queries under continuous polling.
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	serviceLog.Info("connecting to postgres", "host", cfg.Host, "database", cfg.Database)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		serviceLog.Error("failed to connect to postgres", "error", err)
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		serviceLog.Error("failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &DB{gorm: gdb, log: serviceLog}, nil
}

// AutoMigrate creates or updates every table the orchestration core owns.
func (d *DB) AutoMigrate() error {
	d.log.Info("auto migrating tables")
	err := d.gorm.AutoMigrate(
		&domain.TaskTemplate{},
		&domain.StepTemplate{},
		&domain.Task{},
		&domain.WorkflowStep{},
		&domain.Edge{},
		&domain.StateTransition{},
		&domain.Claim{},
		&domain.DLQEntry{},
	)
	if err != nil {
		d.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}

// Gorm returns the underlying handle for repos to build queries against.
func (d *DB) Gorm() *gorm.DB { return d.gorm }

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
