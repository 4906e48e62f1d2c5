// Package safeguard implements the SAFEGUARD approval core: a two-stage
// human-in-the-loop gate for sensitive tool invocations. L3/L4 tool calls are
// parked as approval requests; once approved they become deferred actions
// that wait a level-dependent delay before execution and stay cancellable
// until due.
//
// Redacted request payloads live in Postgres; the original secret material
// lives in the encrypted keystore under `approval:<id>` and is merged back
// only at execution time.
package safeguard

import "time"

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
	StatusExecuted ApprovalStatus = "executed"
	StatusFailed   ApprovalStatus = "failed"

	// StatusScheduled is declared for forward compatibility with a tighter
	// queue/deferred coupling. No transition writes it.
	StatusScheduled ApprovalStatus = "scheduled"
)

// DeferredStatus is the lifecycle state of a deferred action.
type DeferredStatus string

const (
	DeferredPending   DeferredStatus = "pending"
	DeferredCancelled DeferredStatus = "cancelled"
	DeferredExecuted  DeferredStatus = "executed"
	DeferredFailed    DeferredStatus = "failed"
)

// DefaultDelayHours maps security levels to their execution delay.
var DefaultDelayHours = map[string]int{
	"L3": 24,
	"L4": 48,
}

// fallbackDelayHours applies to levels missing from the delay table.
const fallbackDelayHours = 24

const defaultListLimit = 50

// secretTTLGrace keeps keystore envelopes alive slightly past the request
// expiry so a request approved at the last second can still be reconstituted.
const secretTTLGrace = 300 * time.Second

// CreateRequest is the input to Queue.Create.
type CreateRequest struct {
	ToolName      string
	Arguments     map[string]any
	SecurityLevel string
	RequesterIP   string
	Context       map[string]any

	// TTLMinutes overrides the queue default when non-nil. Zero is legal
	// and yields a request that is already expired on the next read.
	TTLMinutes *int
}

// CreateResult describes a freshly parked approval request.
type CreateResult struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	TTLMinutes int            `json:"ttl_minutes"`
}

// RequestView is one row of the pending approval list.
type RequestView struct {
	ApprovalID           string         `json:"approval_id"`
	ToolName             string         `json:"tool_name"`
	Arguments            map[string]any `json:"arguments"`
	SecurityLevel        string         `json:"security_level"`
	RequesterIP          string         `json:"requester_ip,omitempty"`
	Context              map[string]any `json:"context,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	ExpiresAt            time.Time      `json:"expires_at"`
	TimeRemainingSeconds int64          `json:"time_remaining_seconds"`
}

// RequestDetail is the full state of one approval request.
type RequestDetail struct {
	ApprovalID      string         `json:"approval_id"`
	ToolName        string         `json:"tool_name"`
	Arguments       map[string]any `json:"arguments"`
	SecurityLevel   string         `json:"security_level"`
	Status          ApprovalStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	Approver        string         `json:"approver,omitempty"`
	ApprovalComment string         `json:"approval_comment,omitempty"`
	ExecutedAt      *time.Time     `json:"executed_at,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty"`
	ExecutionError  string         `json:"execution_error,omitempty"`
}

// ApproveResult is returned on a successful approval. Arguments are the
// redacted arguments; callers needing the originals follow up with
// Queue.FullArguments.
type ApproveResult struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments"`
	Status     ApprovalStatus `json:"status"`
	Approver   string         `json:"approver"`
}

// RejectResult is returned on a successful rejection.
type RejectResult struct {
	ApprovalID string         `json:"approval_id"`
	ToolName   string         `json:"tool_name"`
	Status     ApprovalStatus `json:"status"`
}

// DeferredCreateRequest is the input to DeferredManager.Create.
type DeferredCreateRequest struct {
	ApprovalID      string
	ToolName        string
	Parameters      map[string]any // already redacted by the approval queue
	SecurityLevel   string
	ApprovedBy      string
	ApprovalComment string
	Context         map[string]any

	// DelayHours overrides the level table when non-nil. Zero is legal and
	// yields an action that is immediately due.
	DelayHours *int
}

// DeferredCreateResult describes a freshly scheduled deferred action.
type DeferredCreateResult struct {
	DeferredID         string         `json:"deferred_id"`
	ApprovalID         string         `json:"approval_id"`
	ToolName           string         `json:"tool_name"`
	SecurityLevel      string         `json:"security_level"`
	Status             DeferredStatus `json:"status"`
	DelayHours         int            `json:"delay_hours"`
	ScheduledAt        time.Time      `json:"scheduled_at"`
	ApprovedBy         string         `json:"approved_by"`
	ApprovedAt         time.Time      `json:"approved_at"`
	TimeUntilExecution int64          `json:"time_until_execution"`
}

// DeferredView is one row of the pending deferred action list.
type DeferredView struct {
	DeferredID         string         `json:"deferred_id"`
	ApprovalID         string         `json:"approval_id"`
	ToolName           string         `json:"tool_name"`
	Parameters         map[string]any `json:"parameters"`
	SecurityLevel      string         `json:"security_level"`
	DelayHours         int            `json:"delay_hours"`
	ScheduledAt        time.Time      `json:"scheduled_at"`
	TimeUntilExecution int64          `json:"time_until_execution"`
	Status             DeferredStatus `json:"status"`
	ApprovedBy         string         `json:"approved_by"`
	ApprovedAt         time.Time      `json:"approved_at"`
	ApprovalComment    string         `json:"approval_comment,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// DeferredDetail is the full state of one deferred action.
type DeferredDetail struct {
	DeferredView

	CancelledBy        string         `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	ExecutedAt         *time.Time     `json:"executed_at,omitempty"`
	ExecutionResult    map[string]any `json:"execution_result,omitempty"`
	ExecutionError     string         `json:"execution_error,omitempty"`
}

// CancelResult is returned on a successful cancellation.
type CancelResult struct {
	DeferredID string         `json:"deferred_id"`
	ToolName   string         `json:"tool_name"`
	Status     DeferredStatus `json:"status"`
}

// DueAction is the hand-off payload for the executor: a pending deferred
// action whose scheduled time has passed.
type DueAction struct {
	DeferredID    string         `json:"deferred_id"`
	ApprovalID    string         `json:"approval_id"`
	ToolName      string         `json:"tool_name"`
	Parameters    map[string]any `json:"parameters"`
	SecurityLevel string         `json:"security_level"`
	Context       map[string]any `json:"context,omitempty"`
}

// Stats counts deferred actions by status. Missing statuses are zero.
type Stats struct {
	Pending   int `json:"pending"`
	Cancelled int `json:"cancelled"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
