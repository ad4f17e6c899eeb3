// Package app wires every component (C1-C10, commandbus, health, httpapi)
// into one running process, the way the teacher's own internal/app bundles
// its DB, repos, services, and router behind a single App handle.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tasker-run/tasker/internal/breaker"
	"github.com/tasker-run/tasker/internal/commandbus"
	"github.com/tasker-run/tasker/internal/config"
	"github.com/tasker-run/tasker/internal/health"
	"github.com/tasker-run/tasker/internal/httpapi"
	"github.com/tasker-run/tasker/internal/httpapi/handlers"
	"github.com/tasker-run/tasker/internal/messaging"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/orchestrator"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// App bundles every wired component plus the background loops that drive
// the orchestration core forward.
type App struct {
	Log    *logger.Logger
	Cfg    *config.Config
	DB     *persistence.DB
	Server *httpapi.Server

	bus          *commandbus.Bus
	enqueuer     *orchestrator.Enqueuer
	results      *orchestrator.ResultProcessor
	finalizer    *orchestrator.Finalizer
	tasks        persistence.TaskRepo
	claims       persistence.ClaimRepo
	queue        messaging.Queue
	notifier     messaging.Notifier
	otelShutdown func(context.Context) error

	cancel context.CancelFunc
	done   chan struct{}
}

// New loads configuration, connects to Postgres, migrates the schema, and
// wires every orchestration component together. It does not start any
// background loop or HTTP listener — call Start for that.
func New() (*App, error) {
	logMode := os.Getenv("TASKER_LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "tasker",
		Environment: cfg.Env,
	})

	db, err := persistence.Open(persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	}, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	templates := persistence.NewTemplateRepo(db.Gorm(), log)
	tasks := persistence.NewTaskRepo(db.Gorm(), log)
	steps := persistence.NewStepRepo(db.Gorm(), log)
	edges := persistence.NewEdgeRepo(db.Gorm(), log)
	transitions := persistence.NewTransitionRepo(db.Gorm(), log)
	claims := persistence.NewClaimRepo(db.Gorm(), log)
	dlq := persistence.NewDLQRepo(db.Gorm(), log)

	metrics := breaker.NewMetrics()
	breakers := breaker.New(breaker.Config{
		FailureThreshold:           cfg.Breaker.FailureThreshold,
		SuccessThreshold:           cfg.Breaker.SuccessThreshold,
		OpenTimeout:                cfg.Breaker.OpenTimeout(),
		MinStateTransitionInterval: cfg.Breaker.MinStateTransitionInterval(),
	}, log, metrics)

	pgQueue := messaging.NewPostgresQueue(db.Gorm(), log)
	if err := pgQueue.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate queue: %w", err)
	}
	var queue messaging.Queue = pgQueue

	var notifier messaging.Notifier = messaging.NoopNotifier{}
	if cfg.Messaging.PushEnabled {
		n, err := messaging.NewRedisNotifier(cfg.Messaging.RedisAddr, "", log)
		if err != nil {
			log.Warn("push notifications disabled, redis unavailable", "error", err)
		} else {
			notifier = n
		}
	}

	readiness := orchestrator.NewReadinessEvaluator(db.Gorm(), edges, steps, log)
	initializer := orchestrator.NewInitializer(db.Gorm(), templates, tasks, steps, edges, transitions, log)
	enqueuer := orchestrator.NewEnqueuer(orchestrator.EnqueuerConfig{
		BatchSize:                     100,
		Visibility:                    cfg.Messaging.Visibility(),
		PollInterval:                  cfg.Server.PollInterval(),
		MaxPollInterval:               cfg.Server.MaxPollInterval(),
		HighWaterMark:                 cfg.Messaging.HighWaterMark,
		LowWaterMark:                  cfg.Messaging.LowWaterMark,
		ConcurrencyBudgetPerNamespace: cfg.Messaging.ConcurrencyBudgetPerNamespace,
	}, steps, claims, queue, breakers, log)
	results := orchestrator.NewResultProcessor(steps, claims, templates, transitions, dlq, readiness, log)
	finalizer := orchestrator.NewFinalizer(tasks, steps, transitions, log)

	bus := commandbus.New(cfg.Server.CommandChannelCapacity, initializer, finalizer, dlq, log)

	marks := health.WaterMarks{
		Low:      cfg.Messaging.LowWaterMark,
		High:     cfg.Messaging.HighWaterMark,
		Overflow: cfg.Messaging.OverflowMark,
	}
	evaluator := health.New(db.Gorm(), queue, breakers, marks, cfg.Server.Namespaces,
		[]string{"db.step_claim", "queue.step_dispatch"}, cfg.Server.PollInterval(), log)

	taskHandler := handlers.NewTaskHandler(bus, tasks, steps)
	dlqHandler := handlers.NewDLQHandler(bus, dlq)
	healthHandler := handlers.NewHealthHandler(evaluator)

	server := httpapi.NewServer(httpapi.RouterConfig{
		TaskHandler:      taskHandler,
		DLQHandler:       dlqHandler,
		HealthHandler:    healthHandler,
		CORSAllowOrigins: cfg.Server.CORSAllowOrigins,
		Log:              log,
	}, cfg.Server.HTTPAddr)

	return &App{
		Log:          log,
		Cfg:          cfg,
		DB:           db,
		Server:       server,
		bus:          bus,
		enqueuer:     enqueuer,
		results:      results,
		finalizer:    finalizer,
		tasks:        tasks,
		claims:       claims,
		queue:        queue,
		notifier:     notifier,
		otelShutdown: otelShutdown,
		done:         make(chan struct{}),
	}, nil
}

// Start launches the command bus and the enqueue/result/finalize polling
// loops in the background. It is safe to call at most once.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		if err := a.bus.Run(ctx); err != nil {
			a.Log.Warn("command bus stopped", "error", err)
		}
	}()

	go a.runEnqueueLoop(ctx)
	go a.runResultLoop(ctx)
	go a.runFinalizeLoop(ctx)
	go a.runClaimSweepLoop(ctx)
}

// Close stops every background loop and releases the database connection.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.bus != nil {
		_ = a.bus.Shutdown(a.Cfg.Server.ShutdownTimeout())
	}
	if a.notifier != nil {
		_ = a.notifier.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
