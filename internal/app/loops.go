package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tasker-run/tasker/internal/domain"
	taskererrors "github.com/tasker-run/tasker/internal/errors"
	"github.com/tasker-run/tasker/internal/messaging"
	"github.com/tasker-run/tasker/internal/orchestrator"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
)

// stepResultPayload is the wire shape a worker publishes to the
// step_result queue after attempting a dispatched step. TaskID rides
// along so processResultMessage can try to finalize the task without an
// extra lookup.
type stepResultPayload struct {
	TaskID     string          `json:"task_id"`
	StepID     string          `json:"step_id"`
	ClaimToken string          `json:"claim_token"`
	Attempt    int             `json:"attempt"`
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload"`
	Reason     string          `json:"reason"`
}

// runEnqueueLoop runs one independent tick-and-sleep goroutine per
// configured namespace so a quiet namespace's widened poll interval never
// throttles a busy one sharing the same process.
func (a *App) runEnqueueLoop(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ns := range a.Cfg.Server.Namespaces {
		wg.Add(1)
		go func(namespace string) {
			defer wg.Done()
			a.runNamespaceEnqueueLoop(ctx, namespace)
		}(ns)
	}
	wg.Wait()
}

// runNamespaceEnqueueLoop ticks the Enqueuer for one namespace, backing off
// via NextPollInterval's exponential widening whenever a tick dispatches
// nothing, and resetting to the base interval the moment it does again.
func (a *App) runNamespaceEnqueueLoop(ctx context.Context, namespace string) {
	interval := a.Cfg.Server.PollInterval()
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			dispatched, err := a.enqueuer.Tick(ctx, namespace)
			if err != nil {
				a.Log.Warn("enqueuer tick failed", "namespace", namespace, "error", err)
			}
			timer.Reset(a.enqueuer.NextPollInterval(namespace, dispatched))
		}
	}
}

// runResultLoop polls the step_result queue of every namespace, pausing
// 200ms between rounds, and feeds each message through the ResultProcessor,
// acking on success or a deterministic rejection (a stale or unknown claim
// token) and nacking on any other error so the message is retried.
func (a *App) runResultLoop(ctx context.Context) {
	visibility := a.Cfg.Messaging.Visibility()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		for _, ns := range a.Cfg.Server.Namespaces {
			msgs, err := a.queue.Receive(ctx, messaging.KindStepResult, ns, 50, visibility)
			if err != nil {
				a.Log.Warn("receive step results failed", "namespace", ns, "error", err)
				continue
			}
			for _, m := range msgs {
				a.processResultMessage(ctx, m)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (a *App) processResultMessage(ctx context.Context, m messaging.Message) {
	var payload stepResultPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		a.Log.Warn("malformed step result, archiving", "error", err)
		_ = a.queue.Archive(ctx, m.ReceiptHandle)
		return
	}
	stepID, err := uuid.Parse(payload.StepID)
	if err != nil {
		a.Log.Warn("step result has invalid step id, archiving", "error", err)
		_ = a.queue.Archive(ctx, m.ReceiptHandle)
		return
	}

	dbc := dbctx.Context{Ctx: ctx}
	_, err = a.results.Accept(dbc, orchestrator.StepResult{
		StepID:     stepID,
		ClaimToken: payload.ClaimToken,
		Attempt:    payload.Attempt,
		Success:    payload.Success,
		Payload:    datatypes.JSON(payload.Payload),
		Reason:     payload.Reason,
	})
	if errors.Is(err, taskererrors.ErrStaleClaimToken) {
		a.Log.Warn("step result carries a stale or unknown claim token, dropping", "step_id", stepID, "error", err)
		_ = a.queue.Ack(ctx, m.ReceiptHandle)
		return
	}
	if err != nil {
		a.Log.Warn("result processor rejected step result, nacking for redelivery", "step_id", stepID, "error", err)
		_ = a.queue.Nack(ctx, m.ReceiptHandle)
		return
	}
	if err := a.queue.Ack(ctx, m.ReceiptHandle); err != nil {
		a.Log.Warn("failed to ack processed step result", "step_id", stepID, "error", err)
	}

	if payload.TaskID != "" {
		if taskID, perr := uuid.Parse(payload.TaskID); perr == nil {
			if _, ferr := a.finalizer.TryFinalize(dbc, taskID); ferr != nil {
				a.Log.Warn("finalize attempt failed", "task_id", taskID, "error", ferr)
			}
		}
	}
}

// runFinalizeLoop periodically sweeps unfinished (pending or in-progress)
// tasks so a task whose last step reached a terminal state without a result
// message to trigger finalization (e.g. a step dead-lettered by the claim
// sweep) still reaches a terminal state.
func (a *App) runFinalizeLoop(ctx context.Context) {
	interval := a.Cfg.Server.PollInterval() * 4
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepInProgressTasks(ctx)
		}
	}
}

func (a *App) sweepInProgressTasks(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	for _, ns := range a.Cfg.Server.Namespaces {
		for _, state := range []domain.TaskState{domain.TaskPending, domain.TaskInProgress} {
			unfinished, err := a.tasks.ListByNamespaceAndState(dbc, ns, state, 0)
			if err != nil {
				a.Log.Warn("list unfinished tasks failed", "namespace", ns, "state", state, "error", err)
				continue
			}
			for _, t := range unfinished {
				if _, err := a.finalizer.TryFinalize(dbc, t.ID); err != nil {
					a.Log.Warn("finalize sweep failed", "task_id", t.ID, "error", err)
				}
			}
		}
	}
}

// runClaimSweepLoop periodically recovers steps whose claim deadline has
// passed without a result ever arriving — a worker that crashed mid-run, a
// dispatch send that failed after the claim was already reconciled, or a
// visibility-timeout expiry all land here, since ResultProcessor.Accept
// only ever validates an unexpired claim and has no other path back to
// ready. Without this loop a stranded step (and the task owning it) can
// never reach a terminal state.
func (a *App) runClaimSweepLoop(ctx context.Context) {
	interval := a.Cfg.Server.PollInterval() * 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepExpiredClaims(ctx)
		}
	}
}

func (a *App) sweepExpiredClaims(ctx context.Context) {
	dbc := dbctx.Context{Ctx: ctx}
	expired, err := a.claims.ListExpired(dbc, time.Now(), 100)
	if err != nil {
		a.Log.Warn("list expired claims failed", "error", err)
		return
	}
	for _, c := range expired {
		if err := a.results.ExpireClaim(dbc, c); err != nil {
			a.Log.Warn("expire claim failed", "claim_id", c.ID, "step_id", c.StepID, "error", err)
		}
	}
}
