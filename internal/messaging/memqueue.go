package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is an in-process Queue fake for tests that don't need a real
// Postgres instance (the enqueuer tests use it).
type MemQueue struct {
	mu       sync.Mutex
	messages map[string]*memMessage
}

type memMessage struct {
	msg      Message
	archived bool
}

func NewMemQueue() *MemQueue {
	return &MemQueue{messages: make(map[string]*memMessage)}
}

func (q *MemQueue) Send(ctx context.Context, kind MessageKind, namespace string, body []byte) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.New()
	q.messages[id.String()] = &memMessage{msg: Message{
		ID:         id,
		Kind:       kind,
		Namespace:  namespace,
		Body:       body,
		EnqueuedAt: time.Now(),
	}}
	return id, nil
}

func (q *MemQueue) Receive(ctx context.Context, kind MessageKind, namespace string, max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []Message
	for _, m := range q.messages {
		if len(out) >= max {
			break
		}
		if m.archived || m.msg.Kind != kind || m.msg.Namespace != namespace {
			continue
		}
		if m.msg.VisibilityUntil.After(now) {
			continue
		}
		m.msg.ReceiptHandle = uuid.NewString()
		m.msg.DeliveryCount++
		m.msg.VisibilityUntil = now.Add(visibility)
		out = append(out, m.msg)
	}
	return out, nil
}

func (q *MemQueue) Ack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, m := range q.messages {
		if m.msg.ReceiptHandle == receiptHandle {
			delete(q.messages, id)
			return nil
		}
	}
	return nil
}

func (q *MemQueue) Nack(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.msg.ReceiptHandle == receiptHandle {
			m.msg.VisibilityUntil = time.Time{}
			return nil
		}
	}
	return nil
}

func (q *MemQueue) Archive(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.messages {
		if m.msg.ReceiptHandle == receiptHandle {
			m.archived = true
			return nil
		}
	}
	return nil
}

func (q *MemQueue) Stats(ctx context.Context, kind MessageKind, namespace string) (QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats QueueStats
	var oldest time.Time
	now := time.Now()
	for _, m := range q.messages {
		if m.archived || m.msg.Kind != kind || m.msg.Namespace != namespace {
			continue
		}
		stats.Depth++
		if oldest.IsZero() || m.msg.EnqueuedAt.Before(oldest) {
			oldest = m.msg.EnqueuedAt
		}
		if m.msg.VisibilityUntil.After(now) {
			stats.InFlight++
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = now.Sub(oldest)
	}
	return stats, nil
}
