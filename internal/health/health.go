// Package health implements C10: a cached status snapshot combining
// breaker state, queue depth tiers, and database connectivity, so an
// operator dashboard or load balancer health check never has to hit the
// database itself on every request (spec §4.10).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"gorm.io/gorm"

	"github.com/tasker-run/tasker/internal/breaker"
	"github.com/tasker-run/tasker/internal/messaging"
	"github.com/tasker-run/tasker/internal/platform/logger"
)

// QueueDepthTier classifies a queue's depth against the configured water
// marks (spec §5/§9).
type QueueDepthTier string

const (
	TierNormal   QueueDepthTier = "normal"
	TierWarning  QueueDepthTier = "warning"
	TierCritical QueueDepthTier = "critical"
	TierOverflow QueueDepthTier = "overflow"
)

// WaterMarks is the set of depth thresholds used to classify a queue.
type WaterMarks struct {
	Low      int
	High     int
	Overflow int
}

func (w WaterMarks) tierFor(depth int) QueueDepthTier {
	switch {
	case depth >= w.Overflow:
		return TierOverflow
	case depth >= w.High:
		return TierCritical
	case depth >= w.Low:
		return TierWarning
	default:
		return TierNormal
	}
}

// QueueSnapshot is the evaluated state of one namespace's dispatch queue.
type QueueSnapshot struct {
	Namespace string
	Stats     messaging.QueueStats
	Tier      QueueDepthTier
}

// Snapshot is the full evaluated status, cached between Evaluate calls.
type Snapshot struct {
	Healthy     bool
	DBReachable bool
	Breakers    map[string]string
	Queues      []QueueSnapshot
	EvaluatedAt time.Time
}

// Evaluator computes and caches a Snapshot.
type Evaluator struct {
	db           *gorm.DB
	queue        messaging.Queue
	breakers     *breaker.Fabric
	marks        WaterMarks
	namespaces   []string
	breakerNames []string
	ttl          time.Duration
	log          *logger.Logger

	mu       sync.Mutex
	cached   Snapshot
	cachedAt time.Time
}

// New constructs an Evaluator. namespaces lists the dispatch queues to
// report on; breakerNames lists which named breakers to include in the
// snapshot.
func New(db *gorm.DB, queue messaging.Queue, breakers *breaker.Fabric, marks WaterMarks, namespaces, breakerNames []string, ttl time.Duration, baseLog *logger.Logger) *Evaluator {
	return &Evaluator{
		db:           db,
		queue:        queue,
		breakers:     breakers,
		marks:        marks,
		namespaces:   namespaces,
		breakerNames: breakerNames,
		ttl:          ttl,
		log:          baseLog.With("component", "health.Evaluator"),
	}
}

// Evaluate returns the current Snapshot, recomputing it only if the cache
// has expired.
func (e *Evaluator) Evaluate(ctx context.Context) Snapshot {
	e.mu.Lock()
	if time.Since(e.cachedAt) < e.ttl && !e.cachedAt.IsZero() {
		snap := e.cached
		e.mu.Unlock()
		return snap
	}
	e.mu.Unlock()

	snap := e.compute(ctx)

	e.mu.Lock()
	e.cached = snap
	e.cachedAt = time.Now()
	e.mu.Unlock()
	return snap
}

func (e *Evaluator) compute(ctx context.Context) Snapshot {
	snap := Snapshot{
		Healthy:     true,
		Breakers:    make(map[string]string, len(e.breakerNames)),
		EvaluatedAt: time.Now(),
	}

	snap.DBReachable = e.pingDB(ctx)
	if !snap.DBReachable {
		snap.Healthy = false
	}

	for _, name := range e.breakerNames {
		state := e.breakers.State(name)
		snap.Breakers[name] = state.String()
		if state == gobreaker.StateOpen {
			snap.Healthy = false
		}
	}

	for _, ns := range e.namespaces {
		stats, err := e.queue.Stats(ctx, messaging.KindStepDispatch, ns)
		if err != nil {
			e.log.Warn("failed to read queue stats for health snapshot", "namespace", ns, "error", err)
			snap.Healthy = false
			continue
		}
		tier := e.marks.tierFor(stats.Depth)
		if tier == TierOverflow || tier == TierCritical {
			snap.Healthy = false
		}
		snap.Queues = append(snap.Queues, QueueSnapshot{Namespace: ns, Stats: stats, Tier: tier})
	}

	return snap
}

func (e *Evaluator) pingDB(ctx context.Context) bool {
	sqlDB, err := e.db.DB()
	if err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(pingCtx) == nil
}
