// Package commandbus is C9: a single-writer command channel that
// serializes task-lifecycle commands (initialize, cancel, resolve DLQ
// entry) through one goroutine, so the handlers underneath never have to
// reason about concurrent callers — only the bus's own channel depth
// needs to be tuned for throughput (spec §4.9/§9).
package commandbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tasker-run/tasker/internal/domain"
	"github.com/tasker-run/tasker/internal/orchestrator"
	"github.com/tasker-run/tasker/internal/persistence"
	"github.com/tasker-run/tasker/internal/platform/dbctx"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// CommandKind distinguishes the operation a Command carries.
type CommandKind string

const (
	CommandInitializeTask  CommandKind = "initialize_task"
	CommandCancelTask      CommandKind = "cancel_task"
	CommandResolveDLQEntry CommandKind = "resolve_dlq_entry"
)

// Command is one unit of work submitted to the bus. Exactly one of the
// payload fields is set, matching Kind.
type Command struct {
	Kind CommandKind

	InitializeTask  *orchestrator.TaskRequest
	CancelTask      *CancelTaskPayload
	ResolveDLQEntry *ResolveDLQEntryPayload

	resultCh chan Result
}

// CancelTaskPayload cancels an in-flight task.
type CancelTaskPayload struct {
	TaskID uuid.UUID
	Reason string
}

// ResolveDLQEntryPayload records an operator's disposition of a
// dead-lettered step. ResetStep, when set alongside a manually_resolved
// status, also returns the originating step to ready with attempts reset
// to 0 so it can be claimed again.
type ResolveDLQEntryPayload struct {
	EntryID   uuid.UUID
	Status    domain.DLQResolutionStatus
	Note      string
	ResetStep bool
}

// Result is what a submitted Command resolves to.
type Result struct {
	Task      *domain.Task
	Cancelled bool
	Resolved  bool
	Err       error
}

// Bus serializes Commands onto one channel and processes them on a single
// goroutine started by Run.
type Bus struct {
	init        *orchestrator.Initializer
	finalizer   *orchestrator.Finalizer
	dlq         persistence.DLQRepo
	log         *logger.Logger
	commands    chan *Command
	drainedDone chan struct{}
}

// New creates a Bus with the given channel capacity (spec §9's
// command_channel_capacity knob). A capacity of 0 makes Submit block
// until Run is actively receiving.
func New(capacity int, init *orchestrator.Initializer, finalizer *orchestrator.Finalizer, dlq persistence.DLQRepo, baseLog *logger.Logger) *Bus {
	return &Bus{
		init:        init,
		finalizer:   finalizer,
		dlq:         dlq,
		log:         baseLog.With("component", "commandbus.Bus"),
		commands:    make(chan *Command, capacity),
		drainedDone: make(chan struct{}),
	}
}

// Submit enqueues cmd and blocks until it has been processed or ctx is
// canceled first.
func (b *Bus) Submit(ctx context.Context, cmd *Command) (Result, error) {
	cmd.resultCh = make(chan Result, 1)
	select {
	case b.commands <- cmd:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-cmd.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run processes commands until ctx is canceled, then drains whatever was
// already enqueued before returning — a submitter that got a channel slot
// before shutdown began still gets a response instead of hanging forever.
func (b *Bus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(b.drainedDone)
		for {
			select {
			case cmd := <-b.commands:
				b.dispatch(gctx, cmd)
			case <-gctx.Done():
				return b.drain()
			}
		}
	})
	return g.Wait()
}

// drain processes whatever commands are already sitting in the channel
// buffer after shutdown begins, without accepting new ones.
func (b *Bus) drain() error {
	for {
		select {
		case cmd := <-b.commands:
			b.dispatch(context.Background(), cmd)
		default:
			return nil
		}
	}
}

// Shutdown waits up to timeout for in-flight and already-buffered commands
// to finish processing.
func (b *Bus) Shutdown(timeout time.Duration) error {
	select {
	case <-b.drainedDone:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("commandbus: drain did not complete within %s", timeout)
	}
}

func (b *Bus) dispatch(ctx context.Context, cmd *Command) {
	dbc := dbctx.Context{Ctx: ctx}
	var res Result
	switch cmd.Kind {
	case CommandInitializeTask:
		task, err := b.init.Initialize(dbc, *cmd.InitializeTask)
		res = Result{Task: task, Err: err}
	case CommandCancelTask:
		ok, err := b.finalizer.Cancel(dbc, cmd.CancelTask.TaskID, cmd.CancelTask.Reason)
		res = Result{Cancelled: ok, Err: err}
	case CommandResolveDLQEntry:
		ok, err := b.dlq.Resolve(dbc, cmd.ResolveDLQEntry.EntryID, cmd.ResolveDLQEntry.Status, cmd.ResolveDLQEntry.Note, cmd.ResolveDLQEntry.ResetStep)
		res = Result{Resolved: ok, Err: err}
	default:
		res = Result{Err: fmt.Errorf("commandbus: unknown command kind %q", cmd.Kind)}
	}
	if cmd.resultCh != nil {
		cmd.resultCh <- res
	}
}
