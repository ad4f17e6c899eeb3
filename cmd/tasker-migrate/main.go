// Command tasker-migrate applies the orchestration core's schema
// (domain tables plus the queue's own table) without starting any
// server or background loop, for use in a release init container.
package main

import (
	"fmt"
	"os"

	"github.com/tasker-run/tasker/internal/config"
	"github.com/tasker-run/tasker/internal/messaging"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

func main() {
	log, err := logger.New(os.Getenv("TASKER_LOG_MODE"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := persistence.Open(persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	}, log)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		log.Error("automigrate domain tables", "error", err)
		os.Exit(1)
	}

	queue := messaging.NewPostgresQueue(db.Gorm(), log)
	if err := queue.AutoMigrate(); err != nil {
		log.Error("automigrate queue table", "error", err)
		os.Exit(1)
	}

	log.Info("migration complete")
}
