// Package domain holds the persisted data model of the orchestration core:
// templates, tasks, steps, edges, the audit trail, claims, and the
// dead-letter queue. These are plain GORM row structs; behavior beyond
// small invariant helpers lives in internal/orchestrator.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskState is the lifecycle of a Task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskComplete   TaskState = "complete"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// IsTerminal reports whether a task in this state can never transition again.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskComplete, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// StepState is the lifecycle of a WorkflowStep.
type StepState string

const (
	StepPending  StepState = "pending"
	StepReady    StepState = "ready"
	StepClaimed  StepState = "claimed"
	StepRunning  StepState = "in_progress"
	StepComplete StepState = "complete"
	StepFailed   StepState = "failed"
	StepSkipped  StepState = "skipped"
	StepDead     StepState = "dead"
)

// IsTerminal reports whether a step in this state can never transition again.
func (s StepState) IsTerminal() bool {
	switch s {
	case StepComplete, StepDead, StepSkipped:
		return true
	default:
		return false
	}
}

// TaskTemplate is the immutable, parsed declaration of a DAG. The core
// never parses template YAML itself; it consumes an already-validated
// TaskTemplate, persisted here with its StepTemplates for joinability
// against WorkflowStep rows.
type TaskTemplate struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Namespace   string         `gorm:"column:namespace;not null;uniqueIndex:uq_template_identity" json:"namespace"`
	Name        string         `gorm:"column:name;not null;uniqueIndex:uq_template_identity" json:"name"`
	Version     string         `gorm:"column:version;not null;uniqueIndex:uq_template_identity" json:"version"`
	InputSchema datatypes.JSON `gorm:"column:input_schema;type:jsonb" json:"input_schema,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`

	Steps []StepTemplate `gorm:"foreignKey:TemplateID" json:"steps,omitempty"`
}

func (TaskTemplate) TableName() string { return "task_template" }

// RetryPolicy is embedded inline on StepTemplate.
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts"`
	BaseMS      int64   `json:"base_ms"`
	CapMS       int64   `json:"cap_ms"`
	Jitter      float64 `json:"jitter"`
	// Retryable, when non-empty, restricts retry to errors whose reason
	// string appears in this allow-list; empty means any transient
	// failure is retryable.
	Retryable []string `json:"retryable,omitempty"`
}

// StepTemplate is one DAG node declaration.
type StepTemplate struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TemplateID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"template_id"`
	Name         string         `gorm:"column:name;not null;index:uq_step_template_name,unique" json:"name"`
	Dependencies datatypes.JSON `gorm:"column:dependencies;type:jsonb" json:"dependencies,omitempty"` // []string
	Handler      string         `gorm:"column:handler_callable;not null" json:"handler_callable"`
	InputSchema  datatypes.JSON `gorm:"column:input_schema;type:jsonb" json:"input_schema,omitempty"`
	ResultSchema datatypes.JSON `gorm:"column:result_schema;type:jsonb" json:"result_schema,omitempty"`
	RetryPolicy  datatypes.JSON `gorm:"column:retry_policy;type:jsonb" json:"retry_policy,omitempty"`
	TimeoutMS    int64          `gorm:"column:timeout_ms;not null;default:60000" json:"timeout_ms"`
}

func (StepTemplate) TableName() string { return "step_template" }

// DependencyNames decodes the Dependencies JSON column into a string slice.
func (t StepTemplate) DependencyNames() []string {
	if len(t.Dependencies) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(t.Dependencies, &out); err != nil {
		return nil
	}
	return out
}

// Retry decodes the RetryPolicy JSON column.
func (t StepTemplate) Retry() RetryPolicy {
	var rp RetryPolicy
	if len(t.RetryPolicy) == 0 {
		return rp
	}
	_ = json.Unmarshal(t.RetryPolicy, &rp)
	return rp
}

// Task is one concrete execution of a TaskTemplate.
type Task struct {
	ID                  uuid.UUID      `gorm:"column:task_uuid;type:uuid;default:uuid_generate_v4();primaryKey" json:"task_uuid"`
	TemplateID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"template_id"`
	Namespace           string         `gorm:"column:namespace;not null;index:ix_task_dispatch" json:"namespace"`
	Context             datatypes.JSON `gorm:"column:context;type:jsonb" json:"context,omitempty"`
	Priority            int            `gorm:"column:priority;not null;default:0;index:ix_task_dispatch" json:"priority"`
	CorrelationID       string         `gorm:"column:correlation_id;index" json:"correlation_id,omitempty"`
	ParentCorrelationID string         `gorm:"column:parent_correlation_id" json:"parent_correlation_id,omitempty"`
	Initiator           string         `gorm:"column:initiator" json:"initiator,omitempty"`
	Source              string         `gorm:"column:source_system" json:"source,omitempty"`
	Reason              string         `gorm:"column:reason" json:"reason,omitempty"`
	Tags                datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`
	CurrentState        TaskState      `gorm:"column:current_state;not null;index" json:"current_state"`
	CreatedAt           time.Time      `gorm:"not null;default:now();index:ix_task_dispatch" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "task" }

// WorkflowStep is one step-template instance for one task.
type WorkflowStep struct {
	ID            uuid.UUID      `gorm:"column:step_uuid;type:uuid;default:uuid_generate_v4();primaryKey" json:"step_uuid"`
	TaskID        uuid.UUID      `gorm:"column:task_uuid;type:uuid;not null;index:ix_step_readiness" json:"task_uuid"`
	TemplateID    uuid.UUID      `gorm:"column:step_template_id;type:uuid;not null" json:"step_template_id"`
	Name          string         `gorm:"column:name;not null" json:"name"`
	Inputs        datatypes.JSON `gorm:"column:inputs;type:jsonb" json:"inputs,omitempty"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"column:max_attempts;not null;default:1" json:"max_attempts"`
	CurrentState  StepState      `gorm:"column:current_state;not null;index:ix_step_readiness" json:"current_state"`
	ClaimToken    string         `gorm:"column:claim_token;index" json:"claim_token,omitempty"`
	ClaimDeadline *time.Time     `gorm:"column:claim_deadline" json:"claim_deadline,omitempty"`
	LastFailureAt *time.Time     `gorm:"column:last_failure_at" json:"last_failure_at,omitempty"`
	NextRetryAt   *time.Time     `gorm:"column:next_retry_at;index:ix_step_readiness" json:"next_retry_at,omitempty"`
	Result        datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_step" }

// Runnable reports whether the step is ready with no outstanding backoff
// and attempts remaining left (the state/backoff half of the readiness
// predicate; the dependency and claim checks live in the readiness query
// since they require joins this receiver can't see).
func (s WorkflowStep) Runnable(now time.Time) bool {
	if s.CurrentState != StepReady {
		return false
	}
	if s.Attempts >= s.MaxAttempts {
		return false
	}
	if s.NextRetryAt != nil && s.NextRetryAt.After(now) {
		return false
	}
	return true
}

// Edge mirrors one template dependency for one task.
type Edge struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID     uuid.UUID `gorm:"column:task_uuid;type:uuid;not null;index" json:"task_uuid"`
	FromStepID uuid.UUID `gorm:"column:from_step_uuid;type:uuid;not null;index" json:"from_step_uuid"`
	ToStepID   uuid.UUID `gorm:"column:to_step_uuid;type:uuid;not null;index" json:"to_step_uuid"`
}

func (Edge) TableName() string { return "workflow_edge" }

// EntityType distinguishes the owner of a StateTransition row.
type EntityType string

const (
	EntityTask EntityType = "task"
	EntityStep EntityType = "step"
)

// StateTransition is an append-only audit row. The unique index on
// (entity_uuid, attempt, to_state) is what makes step-result acceptance
// idempotent.
type StateTransition struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EntityType EntityType     `gorm:"column:entity_type;not null;index:ix_transition_entity" json:"entity_type"`
	EntityID   uuid.UUID      `gorm:"column:entity_uuid;type:uuid;not null;index:ix_transition_entity;uniqueIndex:ux_transition_attempt" json:"entity_uuid"`
	Attempt    int            `gorm:"column:attempt;not null;default:0;uniqueIndex:ux_transition_attempt" json:"attempt"`
	FromState  string         `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState    string         `gorm:"column:to_state;not null;uniqueIndex:ux_transition_attempt" json:"to_state"`
	Reason     string         `gorm:"column:reason" json:"reason,omitempty"`
	Actor      string         `gorm:"column:actor" json:"actor,omitempty"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Timestamp  time.Time      `gorm:"column:ts;not null;default:now();index" json:"ts"`
}

func (StateTransition) TableName() string { return "state_transition" }

// Claim is the server-side record backing a claim token: the step claimed,
// who holds the token, and until when. WorkflowStep carries a denormalized
// copy (ClaimToken/ClaimDeadline) for fast readiness filtering; Claim is
// the append-only history of every claim ever issued, used to detect and
// reject stale-token result submissions.
type Claim struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	StepID     uuid.UUID  `gorm:"column:step_uuid;type:uuid;not null;index" json:"step_uuid"`
	Token      string     `gorm:"column:claim_token;not null;uniqueIndex" json:"claim_token"`
	Attempt    int        `gorm:"column:attempt;not null" json:"attempt"`
	WorkerID   string     `gorm:"column:worker_id" json:"worker_id,omitempty"`
	Deadline   time.Time  `gorm:"column:claim_deadline;not null" json:"claim_deadline"`
	ReleasedAt *time.Time `gorm:"column:released_at" json:"released_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null;default:now()" json:"created_at"`
}

func (Claim) TableName() string { return "claim" }

// DLQReason enumerates why a step landed in the dead-letter queue.
type DLQReason string

const (
	DLQRetriesExhausted  DLQReason = "retries_exhausted"
	DLQPermanentlyFailed DLQReason = "permanently_failed"
	DLQSchemaViolation   DLQReason = "schema_violation"
	DLQPoisonMessage     DLQReason = "poison_message"
)

// DLQResolutionStatus is the operator-facing disposition of a DLQ entry.
type DLQResolutionStatus string

const (
	DLQPendingResolution   DLQResolutionStatus = "pending"
	DLQManuallyResolved    DLQResolutionStatus = "manually_resolved"
	DLQPermanentlyClosed   DLQResolutionStatus = "permanently_failed"
	DLQCancelledByOperator DLQResolutionStatus = "cancelled"
)

// DLQEntry is a dead-letter row for a step that cannot make forward
// progress.
type DLQEntry struct {
	ID               uuid.UUID           `gorm:"column:dlq_entry_uuid;type:uuid;default:uuid_generate_v4();primaryKey" json:"dlq_entry_uuid"`
	TaskID           uuid.UUID           `gorm:"column:task_uuid;type:uuid;not null;index" json:"task_uuid"`
	StepID           *uuid.UUID          `gorm:"column:step_uuid;type:uuid;index" json:"step_uuid,omitempty"`
	Reason           DLQReason           `gorm:"column:reason;not null" json:"reason"`
	ResolutionStatus DLQResolutionStatus `gorm:"column:resolution_status;not null;index;default:'pending'" json:"resolution_status"`
	PayloadSnapshot  datatypes.JSON      `gorm:"column:payload_snapshot;type:jsonb" json:"payload_snapshot,omitempty"`
	Note             string              `gorm:"column:note" json:"note,omitempty"`
	CreatedAt        time.Time           `gorm:"not null;default:now();index" json:"created_at"`
	ResolvedAt       *time.Time          `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (DLQEntry) TableName() string { return "dlq_entry" }
