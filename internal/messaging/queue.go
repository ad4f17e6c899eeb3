// Package messaging implements C2: the at-least-once queue abstraction
// that moves QueueMessages between the enqueuer, workers, and the result
// processor, plus an optional push-notification side channel so external
// workers don't have to poll.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageKind distinguishes the logical queue a message belongs to
// (spec §3/§5): step dispatch, step results, new-task requests, or
// finalization triggers. Only step_dispatch sends go through a C3 breaker
// ("queue.step_dispatch"); no other kind has one.
type MessageKind string

const (
	KindStepDispatch MessageKind = "step_dispatch"
	KindStepResult   MessageKind = "step_result"
	KindTaskRequest  MessageKind = "task_request"
	KindFinalization MessageKind = "finalization"
)

// Message is one QueueMessage: an envelope around a domain payload with
// the delivery bookkeeping (ack id, delivery count, visibility deadline)
// at-least-once delivery requires.
type Message struct {
	ID              uuid.UUID
	Kind            MessageKind
	Namespace       string
	Body            []byte
	DeliveryCount   int
	EnqueuedAt      time.Time
	VisibilityUntil time.Time
	ReceiptHandle   string
}

// Queue is the send/receive/ack/nack/archive/stats contract C2 describes.
// Implementations: the Postgres-table-backed queue (production) and
// memqueue (tests).
type Queue interface {
	// Send enqueues body under kind/namespace, returning the new message ID.
	Send(ctx context.Context, kind MessageKind, namespace string, body []byte) (uuid.UUID, error)

	// Receive returns up to max currently visible messages of
	// kind/namespace without waiting for more, each made invisible to
	// other receivers until visibility elapses or it is acked/nacked.
	Receive(ctx context.Context, kind MessageKind, namespace string, max int, visibility time.Duration) ([]Message, error)

	// Ack permanently removes a successfully processed message.
	Ack(ctx context.Context, receiptHandle string) error

	// Nack makes the message immediately visible again for redelivery.
	// Its delivery count goes up on the next Receive, not here.
	Nack(ctx context.Context, receiptHandle string) error

	// Archive moves a message out of the live queue into the dead-letter
	// path without deleting its history (used for step-result messages
	// that cannot be parsed).
	Archive(ctx context.Context, receiptHandle string) error

	// Stats reports current depth and the age of the oldest message not
	// yet acked or archived (in-flight ones included) for kind/namespace,
	// feeding C10's queue-depth tiers.
	Stats(ctx context.Context, kind MessageKind, namespace string) (QueueStats, error)
}

// QueueStats is the subset of queue state C10 needs to compute depth
// tiers (Normal/Warning/Critical/Overflow) and per-namespace lag.
type QueueStats struct {
	Depth     int
	OldestAge time.Duration
	InFlight  int
}
