package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tasker-run/tasker/internal/breaker"
	"github.com/tasker-run/tasker/internal/messaging"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// EnqueuerConfig tunes C6's claim batch size, claim visibility, the
// queue-depth water marks it uses to decide whether to keep claiming or
// back off, and the two supplemented behaviors the original adds on top:
// a per-namespace concurrency budget and a poll-interval ceiling for the
// enqueue loop's backoff.
type EnqueuerConfig struct {
	BatchSize       int
	Visibility      time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	HighWaterMark   int
	LowWaterMark    int

	// ConcurrencyBudgetPerNamespace caps how many steps may sit claimed or
	// in_progress at once for a given namespace, independent of the global
	// batch size and queue depth. Zero disables the budget.
	ConcurrencyBudgetPerNamespace int
}

// Enqueuer is C6: it claims runnable steps namespace by namespace and hands
// each one to the queue as a step_dispatch message, so a worker picking up
// the message never has to touch the database to learn what to run.
type Enqueuer struct {
	cfg      EnqueuerConfig
	steps    persistence.StepRepo
	claims   persistence.ClaimRepo
	queue    messaging.Queue
	breakers *breaker.Fabric
	log      *logger.Logger

	mu           sync.Mutex
	pollInterval map[string]time.Duration // per-namespace widened poll interval
}

func NewEnqueuer(cfg EnqueuerConfig, steps persistence.StepRepo, claims persistence.ClaimRepo, queue messaging.Queue, breakers *breaker.Fabric, baseLog *logger.Logger) *Enqueuer {
	return &Enqueuer{
		cfg:          cfg,
		steps:        steps,
		claims:       claims,
		queue:        queue,
		breakers:     breakers,
		log:          baseLog.With("component", "orchestrator.Enqueuer"),
		pollInterval: map[string]time.Duration{},
	}
}

// stepDispatchPayload is the body placed on the step_dispatch queue — every
// field a worker needs to invoke the right handler against the right data
// without a database round trip of its own.
type stepDispatchPayload struct {
	TaskID          string          `json:"task_id"`
	StepID          string          `json:"step_id"`
	Name            string          `json:"name"`
	Attempt         int             `json:"attempt"`
	ClaimToken      string          `json:"claim_token"`
	ClaimDeadline   time.Time       `json:"claim_deadline"`
	HandlerCallable string          `json:"handler_callable"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
}

// Tick runs one claim-and-dispatch pass for namespace. It backs off (returns
// 0, nil without claiming) while the namespace's dispatch queue depth is at
// or above HighWaterMark; between LowWaterMark and HighWaterMark it claims a
// quarter of BatchSize (at least 1), and at or below LowWaterMark the full
// BatchSize. Each tick decides from the current depth alone: no state is
// kept between ticks, so there is no hysteresis band. It also refuses to claim past ConcurrencyBudgetPerNamespace
// in-flight steps, independent of queue depth, so one noisy namespace can't
// starve the claim capacity every namespace shares.
func (e *Enqueuer) Tick(ctx context.Context, namespace string) (int, error) {
	stats, err := e.queue.Stats(ctx, messaging.KindStepDispatch, namespace)
	if err != nil {
		return 0, fmt.Errorf("queue stats: %w", err)
	}
	if stats.Depth >= e.cfg.HighWaterMark {
		e.log.Debug("enqueuer backing off, queue above high water mark", "namespace", namespace, "depth", stats.Depth)
		return 0, nil
	}

	batch := e.cfg.BatchSize
	if stats.Depth > e.cfg.LowWaterMark {
		// Between the marks: still enqueue, but shrink the batch so the
		// queue has a chance to drain rather than being topped right back up.
		batch = batch / 4
		if batch < 1 {
			batch = 1
		}
	}

	if e.cfg.ConcurrencyBudgetPerNamespace > 0 {
		inFlight, cerr := e.steps.CountInFlight(dbctx.Context{Ctx: ctx}, namespace)
		if cerr != nil {
			return 0, fmt.Errorf("count in-flight steps: %w", cerr)
		}
		remaining := int64(e.cfg.ConcurrencyBudgetPerNamespace) - inFlight
		if remaining <= 0 {
			e.log.Debug("enqueuer backing off, namespace concurrency budget exhausted",
				"namespace", namespace, "in_flight", inFlight, "budget", e.cfg.ConcurrencyBudgetPerNamespace)
			return 0, nil
		}
		if remaining < int64(batch) {
			batch = int(remaining)
		}
	}

	var claimed []*claimedStep
	err = e.breakers.Do(ctx, "db.step_claim", func(ctx context.Context) error {
		rows, cerr := e.steps.ClaimReady(dbctx.Context{Ctx: ctx}, namespace, batch, e.cfg.Visibility)
		if cerr != nil {
			return cerr
		}
		for _, r := range rows {
			var deadline time.Time
			if r.Step.ClaimDeadline != nil {
				deadline = *r.Step.ClaimDeadline
			}
			claimed = append(claimed, &claimedStep{
				id:         r.Step.ID,
				taskID:     r.Step.TaskID,
				name:       r.Step.Name,
				attempt:    r.Step.Attempts + 1,
				claimToken: r.Step.ClaimToken,
				handler:    r.Handler,
				inputs:     r.Step.Inputs,
				deadline:   deadline,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("claim ready steps: %w", err)
	}

	dispatched := 0
	for _, s := range claimed {
		body, merr := json.Marshal(stepDispatchPayload{
			TaskID:          s.taskID.String(),
			StepID:          s.id.String(),
			Name:            s.name,
			Attempt:         s.attempt,
			ClaimToken:      s.claimToken,
			ClaimDeadline:   s.deadline,
			HandlerCallable: s.handler,
			Inputs:          json.RawMessage(s.inputs),
		})
		if merr != nil {
			e.log.Warn("failed to marshal step dispatch payload", "step_id", s.id, "error", merr)
			continue
		}
		sendErr := e.breakers.Do(ctx, "queue.step_dispatch", func(ctx context.Context) error {
			_, serr := e.queue.Send(ctx, messaging.KindStepDispatch, namespace, body)
			return serr
		})
		if sendErr != nil {
			e.log.Warn("failed to enqueue claimed step, releasing its claim so it can be retried", "step_id", s.id, "error", sendErr)
			e.releaseFailedDispatch(ctx, s)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// releaseFailedDispatch reconciles a step that was claimed but never made
// it onto the queue: it reverts the step to ready (only if its claim token
// still matches, so a since-superseded claim is left alone) and releases
// the corresponding Claim row, so the step is immediately retryable rather
// than stuck until its claim deadline expires.
func (e *Enqueuer) releaseFailedDispatch(ctx context.Context, s *claimedStep) {
	dbc := dbctx.Context{Ctx: ctx}
	released, rerr := e.steps.ReleaseClaim(dbc, s.id, s.claimToken)
	if rerr != nil {
		e.log.Warn("failed to release step claim after failed dispatch", "step_id", s.id, "error", rerr)
		return
	}
	if !released {
		return
	}
	if cerr := e.claims.Release(dbc, s.claimToken); cerr != nil {
		e.log.Warn("failed to release claim record after failed dispatch", "step_id", s.id, "error", cerr)
	}
}

// NextPollInterval reports how long the enqueue loop should wait before
// ticking namespace again. A Tick that dispatched nothing widens the
// interval exponentially up to MaxPollInterval; any successful dispatch
// resets it back to the configured base, so a quiet namespace stops
// hammering the database but a busy one is never throttled.
func (e *Enqueuer) NextPollInterval(namespace string, dispatched int) time.Duration {
	base := e.cfg.PollInterval
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if dispatched > 0 {
		e.pollInterval[namespace] = base
		return base
	}

	cur := e.pollInterval[namespace]
	if cur <= 0 {
		cur = base
	}
	next := cur * 2
	if e.cfg.MaxPollInterval > 0 && next > e.cfg.MaxPollInterval {
		next = e.cfg.MaxPollInterval
	}
	e.pollInterval[namespace] = next
	return next
}

type claimedStep struct {
	id         uuid.UUID
	taskID     uuid.UUID
	name       string
	attempt    int
	claimToken string
	handler    string
	inputs     datatypes.JSON
	deadline   time.Time
}
