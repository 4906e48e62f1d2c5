package safeguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/marcus-qen/safeguard/internal/metrics"
	"github.com/marcus-qen/safeguard/internal/telemetry"
)

// idAllocRetries bounds how often Create re-derives a deferred id after a
// uniqueness collision with a concurrent creation.
const idAllocRetries = 8

// pgUniqueViolation is the Postgres error code for unique constraint
// violations.
const pgUniqueViolation = "23505"

// DeferredManager manages approved actions with a delayed fire time. Until
// the scheduled time passes, any operator may cancel; afterwards the sweeper
// hands them to the executor.
type DeferredManager struct {
	db     *sql.DB
	log    *zap.Logger
	delays map[string]int
}

// NewDeferredManager creates a deferred action manager over an existing
// pool. delays maps security levels to delay hours; nil means the default
// table {L3:24, L4:48}.
func NewDeferredManager(db *sql.DB, delays map[string]int, logger *zap.Logger) *DeferredManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delays == nil {
		delays = DefaultDelayHours
	}
	return &DeferredManager{db: db, log: logger, delays: delays}
}

// Close closes the manager's connection pool.
func (m *DeferredManager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// DelayForLevel returns the configured execution delay for a security level.
// Unknown levels default to 24 hours.
func (m *DeferredManager) DelayForLevel(level string) int {
	if hours, ok := m.delays[level]; ok {
		return hours
	}
	return fallbackDelayHours
}

// nextDeferredID derives the next year-scoped human identifier
// (DEF-YYYY-NNN) by counting existing rows. The derivation races with
// concurrent creations; the unique constraint on deferred_id is the
// arbiter and Create retries on collision.
func (m *DeferredManager) nextDeferredID(ctx context.Context, year int) (string, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM safeguard_deferred_actions WHERE deferred_id LIKE $1`,
		fmt.Sprintf("DEF-%d-%%", year),
	).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("count deferred actions: %w", err)
	}
	return fmt.Sprintf("DEF-%d-%03d", year, count+1), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Create schedules a deferred action for an approved request. When
// DelayHours is nil the level table decides; zero delay is legal and makes
// the action immediately due.
func (m *DeferredManager) Create(ctx context.Context, req DeferredCreateRequest) (*DeferredCreateResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safeguard.create_deferred")
	defer span.End()

	if req.ApprovalID == "" {
		return nil, fmt.Errorf("approval id is required")
	}
	if req.ToolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if req.ApprovedBy == "" {
		return nil, fmt.Errorf("approved_by is required")
	}

	delayHours := m.DelayForLevel(req.SecurityLevel)
	if req.DelayHours != nil {
		if *req.DelayHours < 0 {
			return nil, fmt.Errorf("delay_hours must be >= 0")
		}
		delayHours = *req.DelayHours
	}

	now := time.Now().UTC()
	scheduledAt := now.Add(time.Duration(delayHours) * time.Hour)
	approvedAt := now

	paramsJSON, err := encodeJSON(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	ctxJSON, err := encodeJSON(req.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	var deferredID string
	for attempt := 0; attempt < idAllocRetries; attempt++ {
		candidate, err := m.nextDeferredID(ctx, now.Year())
		if err != nil {
			return nil, err
		}

		_, err = m.db.ExecContext(ctx, `
			INSERT INTO safeguard_deferred_actions
				(deferred_id, approval_id, tool_name, parameters, security_level,
				 delay_hours, scheduled_at, approved_by, approved_at,
				 approval_comment, context)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			candidate,
			req.ApprovalID,
			req.ToolName,
			paramsJSON,
			req.SecurityLevel,
			delayHours,
			scheduledAt,
			req.ApprovedBy,
			approvedAt,
			nullString(req.ApprovalComment),
			ctxJSON,
		)
		if isUniqueViolation(err) {
			// Concurrent creation observed the same count. Recount and retry.
			metrics.DeferredIDRetriesTotal.Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert deferred action: %w", err)
		}
		deferredID = candidate
		break
	}
	if deferredID == "" {
		return nil, fmt.Errorf("allocate deferred id after %d attempts: %w", idAllocRetries, ErrConflict)
	}

	span.SetAttributes(
		telemetry.String("deferred_id", deferredID),
		telemetry.String("approval_id", req.ApprovalID),
		telemetry.Int("delay_hours", delayHours),
	)
	m.log.Warn("deferred_action_created",
		zap.String("deferred_id", deferredID),
		zap.String("approval_id", req.ApprovalID),
		zap.String("tool_name", req.ToolName),
		zap.Time("scheduled_at", scheduledAt),
		zap.Int("delay_hours", delayHours),
	)
	metrics.DeferredActionsTotal.WithLabelValues("created").Inc()

	return &DeferredCreateResult{
		DeferredID:         deferredID,
		ApprovalID:         req.ApprovalID,
		ToolName:           req.ToolName,
		SecurityLevel:      req.SecurityLevel,
		Status:             DeferredPending,
		DelayHours:         delayHours,
		ScheduledAt:        scheduledAt,
		ApprovedBy:         req.ApprovedBy,
		ApprovedAt:         approvedAt,
		TimeUntilExecution: int64(delayHours) * 3600,
	}, nil
}

// ListPending returns pending deferred actions, soonest first.
func (m *DeferredManager) ListPending(ctx context.Context, limit int) ([]DeferredView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT deferred_id, approval_id, tool_name, parameters, security_level,
		       delay_hours, scheduled_at, status, approved_by, approved_at,
		       approval_comment, context, created_at
		FROM safeguard_deferred_actions
		WHERE status = 'pending'
		ORDER BY scheduled_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending deferred actions: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	out := make([]DeferredView, 0, limit)
	for rows.Next() {
		view, err := scanDeferredView(rows)
		if err != nil {
			return nil, err
		}
		view.TimeUntilExecution = remainingSeconds(view.ScheduledAt, now)
		out = append(out, *view)
	}
	return out, rows.Err()
}

// Due returns pending actions whose scheduled time has passed, oldest
// first. Status is not changed here; the executor flips it out of pending
// via MarkExecuted.
func (m *DeferredManager) Due(ctx context.Context) ([]DueAction, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT deferred_id, approval_id, tool_name, parameters, security_level, context
		FROM safeguard_deferred_actions
		WHERE status = 'pending' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deferred actions: %w", err)
	}
	defer rows.Close()

	var out []DueAction
	for rows.Next() {
		var (
			action    DueAction
			paramsRaw []byte
			ctxRaw    []byte
		)
		if err := rows.Scan(
			&action.DeferredID,
			&action.ApprovalID,
			&action.ToolName,
			&paramsRaw,
			&action.SecurityLevel,
			&ctxRaw,
		); err != nil {
			return nil, fmt.Errorf("scan due action: %w", err)
		}
		if action.Parameters, err = decodeJSON(paramsRaw); err != nil {
			return nil, fmt.Errorf("decode parameters for %s: %w", action.DeferredID, err)
		}
		if action.Context, err = decodeJSON(ctxRaw); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", action.DeferredID, err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

// Cancel aborts a pending deferred action. Racing cancellations (or a race
// with execution) are resolved by the guarded update.
func (m *DeferredManager) Cancel(ctx context.Context, deferredID, cancelledBy, reason string) (*CancelResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safeguard.cancel_deferred")
	defer span.End()
	span.SetAttributes(telemetry.String("deferred_id", deferredID))

	var status DeferredStatus
	err := m.db.QueryRowContext(ctx,
		`SELECT status FROM safeguard_deferred_actions WHERE deferred_id = $1`,
		deferredID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deferred action %s: %w", deferredID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load deferred action: %w", err)
	}
	if status != DeferredPending {
		return nil, fmt.Errorf("deferred action %s cannot be cancelled (status=%s): %w", deferredID, status, ErrInvalidState)
	}

	var toolName string
	err = m.db.QueryRowContext(ctx, `
		UPDATE safeguard_deferred_actions
		SET status = 'cancelled',
		    cancelled_by = $2,
		    cancelled_at = NOW(),
		    cancellation_reason = $3
		WHERE deferred_id = $1 AND status = 'pending'
		RETURNING tool_name`,
		deferredID,
		cancelledBy,
		nullString(reason),
	).Scan(&toolName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deferred action %s already processed: %w", deferredID, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel deferred action: %w", err)
	}

	m.log.Info("deferred_action_cancelled",
		zap.String("deferred_id", deferredID),
		zap.String("tool_name", toolName),
		zap.String("cancelled_by", cancelledBy),
		zap.String("reason", reason),
	)
	metrics.DeferredActionsTotal.WithLabelValues("cancelled").Inc()

	return &CancelResult{
		DeferredID: deferredID,
		ToolName:   toolName,
		Status:     DeferredCancelled,
	}, nil
}

// MarkExecuted records the execution outcome. The update is guarded on the
// pending status so a late mark after cancellation is a no-op: terminal
// states never revert.
func (m *DeferredManager) MarkExecuted(ctx context.Context, deferredID string, result map[string]any, execErr string) error {
	status := DeferredExecuted
	if execErr != "" {
		status = DeferredFailed
	}

	resultJSON, err := encodeJSONOrNull(result)
	if err != nil {
		return fmt.Errorf("encode execution result: %w", err)
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE safeguard_deferred_actions
		SET status = $2,
		    executed_at = NOW(),
		    execution_result = $3,
		    execution_error = $4
		WHERE deferred_id = $1 AND status = 'pending'`,
		deferredID,
		string(status),
		resultJSON,
		nullString(execErr),
	)
	if err != nil {
		return fmt.Errorf("mark deferred executed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark deferred executed: rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}

	m.log.Info("deferred_action_executed",
		zap.String("deferred_id", deferredID),
		zap.String("status", string(status)),
		zap.Bool("has_error", execErr != ""),
	)
	metrics.DeferredActionsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// Get returns the full state of one deferred action. TimeUntilExecution is
// populated only while the action is pending.
func (m *DeferredManager) Get(ctx context.Context, deferredID string) (*DeferredDetail, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT deferred_id, approval_id, tool_name, parameters, security_level,
		       delay_hours, scheduled_at, status, approved_by, approved_at,
		       approval_comment, context, created_at,
		       cancelled_by, cancelled_at, cancellation_reason,
		       executed_at, execution_result, execution_error
		FROM safeguard_deferred_actions
		WHERE deferred_id = $1`,
		deferredID,
	)

	var (
		detail      DeferredDetail
		paramsRaw   []byte
		ctxRaw      []byte
		comment     sql.NullString
		cancelledBy sql.NullString
		cancelledAt sql.NullTime
		reason      sql.NullString
		executedAt  sql.NullTime
		resultRaw   []byte
		execErr     sql.NullString
	)
	err := row.Scan(
		&detail.DeferredID,
		&detail.ApprovalID,
		&detail.ToolName,
		&paramsRaw,
		&detail.SecurityLevel,
		&detail.DelayHours,
		&detail.ScheduledAt,
		&detail.Status,
		&detail.ApprovedBy,
		&detail.ApprovedAt,
		&comment,
		&ctxRaw,
		&detail.CreatedAt,
		&cancelledBy,
		&cancelledAt,
		&reason,
		&executedAt,
		&resultRaw,
		&execErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deferred action %s: %w", deferredID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load deferred action: %w", err)
	}

	if detail.Parameters, err = decodeJSON(paramsRaw); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if detail.Context, err = decodeJSON(ctxRaw); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if len(resultRaw) > 0 {
		if detail.ExecutionResult, err = decodeJSON(resultRaw); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
	}
	detail.ApprovalComment = comment.String
	detail.CancelledBy = cancelledBy.String
	detail.CancelledAt = nullableTime(cancelledAt)
	detail.CancellationReason = reason.String
	detail.ExecutedAt = nullableTime(executedAt)
	detail.ExecutionError = execErr.String

	if detail.Status == DeferredPending {
		detail.TimeUntilExecution = remainingSeconds(detail.ScheduledAt, time.Now().UTC())
	}
	return &detail, nil
}

// Stats returns deferred action counts grouped by status.
func (m *DeferredManager) Stats(ctx context.Context) (*Stats, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM safeguard_deferred_actions
		GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("deferred stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status DeferredStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		switch status {
		case DeferredPending:
			stats.Pending = count
		case DeferredCancelled:
			stats.Cancelled = count
		case DeferredExecuted:
			stats.Executed = count
		case DeferredFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return &stats, rows.Err()
}

type deferredScanner interface {
	Scan(dest ...any) error
}

func scanDeferredView(s deferredScanner) (*DeferredView, error) {
	var (
		view      DeferredView
		paramsRaw []byte
		ctxRaw    []byte
		comment   sql.NullString
	)
	if err := s.Scan(
		&view.DeferredID,
		&view.ApprovalID,
		&view.ToolName,
		&paramsRaw,
		&view.SecurityLevel,
		&view.DelayHours,
		&view.ScheduledAt,
		&view.Status,
		&view.ApprovedBy,
		&view.ApprovedAt,
		&comment,
		&ctxRaw,
		&view.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan deferred row: %w", err)
	}

	var err error
	if view.Parameters, err = decodeJSON(paramsRaw); err != nil {
		return nil, fmt.Errorf("decode parameters for %s: %w", view.DeferredID, err)
	}
	if view.Context, err = decodeJSON(ctxRaw); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", view.DeferredID, err)
	}
	view.ApprovalComment = comment.String
	return &view, nil
}
