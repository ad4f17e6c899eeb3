// Package breaker wraps sony/gobreaker into the named-breaker fabric C3
// describes: the Fabric creates one breaker per name on first use, each
// independently closed/open/half-open under the shared failure/success
// thresholds, with a minimum interval between state transitions so a
// flapping dependency can't thrash the breaker. The enqueuer uses two
// names, "db.step_claim" around the claim query and "queue.step_dispatch"
// around dispatch sends, each shared by all namespaces; other database and
// queue calls go through no breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	taskererrors "github.com/tasker-run/tasker/internal/errors"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// Config tunes every breaker the fabric creates.
type Config struct {
	FailureThreshold           int
	SuccessThreshold           int
	OpenTimeout                time.Duration
	MinStateTransitionInterval time.Duration
}

// Fabric lazily creates and caches one gobreaker.CircuitBreaker per name.
type Fabric struct {
	cfg     Config
	log     *logger.Logger
	metrics *Metrics

	mu       sync.Mutex
	breakers map[string]*namedBreaker
}

type namedBreaker struct {
	cb             *gobreaker.CircuitBreaker
	lastTransition time.Time
	mu             sync.Mutex

	// forced/forcedState implement an operator override layered on top of
	// gobreaker's own automatic state machine: gobreaker exposes no public
	// way to force-trip or force-reset a breaker, so Do/State/ShouldAllow
	// all consult this override first and fall back to gobreaker otherwise.
	forced      bool
	forcedState gobreaker.State
}

func New(cfg Config, logg *logger.Logger, metrics *Metrics) *Fabric {
	return &Fabric{
		cfg:      cfg,
		log:      logg.With("component", "breaker"),
		metrics:  metrics,
		breakers: make(map[string]*namedBreaker),
	}
}

// Do runs fn through the named breaker, classifying the returned error as
// transient (counts against the breaker) or deterministic (passed through
// without tripping anything — a schema violation shouldn't open the
// database breaker).
func (f *Fabric) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	nb := f.breakerFor(name)

	nb.mu.Lock()
	forcedOpen := nb.forced && nb.forcedState == gobreaker.StateOpen
	nb.mu.Unlock()
	if forcedOpen {
		return gobreaker.ErrOpenState
	}

	start := time.Now()
	_, err := nb.cb.Execute(func() (interface{}, error) {
		innerErr := fn(ctx)
		if innerErr != nil && !taskererrors.IsTransient(innerErr) {
			// Deterministic failures are reported to the caller but must
			// not count as a breaker failure: Execute() only trips on a
			// non-nil error, so give it a dedicated sentinel split.
			return nil, deterministicError{innerErr}
		}
		return nil, innerErr
	})
	duration := time.Since(start)

	de, deterministic := err.(deterministicError)
	if f.metrics != nil {
		f.metrics.ObserveCall(name, err == nil || deterministic, duration, nb.cb.Counts().ConsecutiveFailures)
	}
	if deterministic {
		return de.err
	}
	return err
}

// State reports the current state of the named breaker (for C10's status
// snapshot). Unknown names report closed since no failures have occurred.
// A manual override via ForceOpen/ForceClosed takes precedence over
// gobreaker's own automatic state.
func (f *Fabric) State(name string) gobreaker.State {
	nb := f.breakerFor(name)
	nb.mu.Lock()
	defer nb.mu.Unlock()
	if nb.forced {
		return nb.forcedState
	}
	return nb.cb.State()
}

// ShouldAllow reports whether a call through the named breaker would be let
// through right now, without actually making one — useful for a caller that
// wants to skip even constructing a request when the breaker is open.
func (f *Fabric) ShouldAllow(name string) bool {
	return f.State(name) != gobreaker.StateOpen
}

// ForceOpen manually overrides the named breaker open, rejecting every call
// through it regardless of gobreaker's own failure counting, until
// ForceClosed clears the override. Intended for an operator response to a
// known-bad dependency the automatic thresholds haven't caught up to yet.
func (f *Fabric) ForceOpen(name string) {
	nb := f.breakerFor(name)
	nb.mu.Lock()
	nb.forced = true
	nb.forcedState = gobreaker.StateOpen
	nb.mu.Unlock()
	if f.metrics != nil {
		f.metrics.ObserveStateChange(name, gobreaker.StateOpen)
	}
	f.log.Warn("breaker manually forced open", "breaker", name)
}

// ForceClosed clears any manual override and returns the named breaker to
// gobreaker's automatic ReadyToTrip/Timeout-driven state management.
func (f *Fabric) ForceClosed(name string) {
	nb := f.breakerFor(name)
	nb.mu.Lock()
	nb.forced = false
	nb.mu.Unlock()
	if f.metrics != nil {
		f.metrics.ObserveStateChange(name, gobreaker.StateClosed)
	}
	f.log.Info("breaker manual override cleared", "breaker", name)
}

func (f *Fabric) breakerFor(name string) *namedBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nb, ok := f.breakers[name]; ok {
		return nb
	}
	nb := &namedBreaker{}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(f.cfg.SuccessThreshold),
		Timeout:     f.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < uint32(f.cfg.FailureThreshold) {
				return false
			}
			// Anti-flapping gate: refuse to trip again within
			// MinStateTransitionInterval of the last transition, so a
			// dependency that flickers right after recovering can't
			// immediately reopen the breaker it just closed.
			nb.mu.Lock()
			defer nb.mu.Unlock()
			if !nb.lastTransition.IsZero() && time.Since(nb.lastTransition) < f.cfg.MinStateTransitionInterval {
				return false
			}
			return true
		},
		OnStateChange: func(bName string, from, to gobreaker.State) {
			nb.mu.Lock()
			nb.lastTransition = time.Now()
			nb.mu.Unlock()
			if f.metrics != nil {
				f.metrics.ObserveStateChange(bName, to)
			}
			f.log.Info("breaker state changed", "breaker", bName, "from", from.String(), "to", to.String())
		},
	}
	nb.cb = gobreaker.NewCircuitBreaker(settings)
	f.breakers[name] = nb
	return nb
}

type deterministicError struct{ err error }

func (d deterministicError) Error() string { return d.err.Error() }
func (d deterministicError) Unwrap() error { return d.err }
