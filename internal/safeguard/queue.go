package safeguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/safeguard/internal/keystore"
	"github.com/marcus-qen/safeguard/internal/metrics"
	"github.com/marcus-qen/safeguard/internal/secrets"
	"github.com/marcus-qen/safeguard/internal/telemetry"
)

const defaultTTLMinutes = 60

// Queue manages the lifecycle of pending approval requests. Redacted
// arguments are stored durably in Postgres; extracted secrets go to the
// encrypted keystore with a TTL slightly longer than the request's.
type Queue struct {
	db         *sql.DB
	secrets    keystore.Store
	log        *zap.Logger
	ttlMinutes int
}

// NewQueue creates an approval queue over an existing pool and keystore.
// defaultTTL is the request validity in minutes applied when a create call
// does not specify one; <= 0 means the package default of 60.
func NewQueue(db *sql.DB, store keystore.Store, defaultTTL int, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultTTLMinutes
	}
	return &Queue{db: db, secrets: store, log: logger, ttlMinutes: defaultTTL}
}

// Close closes the queue's connection pool.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func secretKey(approvalID string) string {
	return "approval:" + approvalID
}

// idPrefix shortens an approval id for secret-related log events.
func idPrefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// Create parks a new approval request. Sensitive argument fields are
// extracted to the keystore before the redacted row is inserted, so a crash
// between the two writes can only leave an orphan envelope that the keystore
// TTL collects.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safeguard.create_approval")
	defer span.End()

	if req.ToolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if len(req.ToolName) > 100 {
		return nil, fmt.Errorf("tool name exceeds 100 characters")
	}
	if req.SecurityLevel == "" {
		return nil, fmt.Errorf("security level is required")
	}

	ttl := q.ttlMinutes
	if req.TTLMinutes != nil {
		if *req.TTLMinutes < 0 {
			return nil, fmt.Errorf("ttl_minutes must be >= 0")
		}
		ttl = *req.TTLMinutes
	}

	approvalID := uuid.New().String()
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(ttl) * time.Minute)

	span.SetAttributes(
		telemetry.String("approval_id", approvalID),
		telemetry.String("tool_name", req.ToolName),
		telemetry.String("security_level", req.SecurityLevel),
	)

	hasSecrets := secrets.HasSensitiveFields(req.Arguments)
	redacted, extracted := secrets.ExtractSensitiveFields(req.Arguments)

	if len(extracted) > 0 {
		envelopeTTL := time.Duration(ttl)*time.Minute + secretTTLGrace
		if err := q.secrets.StoreSecret(ctx, secretKey(approvalID), extracted, envelopeTTL); err != nil {
			return nil, fmt.Errorf("secure sensitive fields: %w", err)
		}
		q.log.Info("safeguard_secrets_secured",
			zap.String("approval_id", idPrefix(approvalID)),
			zap.Int("secrets_count", len(extracted)),
		)
	}

	argsJSON, err := encodeJSON(redacted)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	ctxJSON, err := encodeJSON(req.Context)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	var createdAt time.Time
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO safeguard_approvals
			(id, tool_name, arguments, security_level, requester_ip,
			 request_context, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		approvalID,
		req.ToolName,
		argsJSON,
		req.SecurityLevel,
		nullString(req.RequesterIP),
		ctxJSON,
		expiresAt,
	).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}

	// has_redacted_secrets reflects the pre-insert detector verdict, not a
	// read-back of the stored row.
	q.log.Warn("safeguard_approval_created",
		zap.String("approval_id", approvalID),
		zap.String("tool_name", req.ToolName),
		zap.Time("expires_at", expiresAt),
		zap.Bool("has_redacted_secrets", hasSecrets),
	)
	metrics.ApprovalsTotal.WithLabelValues("created").Inc()

	return &CreateResult{
		ApprovalID: approvalID,
		ToolName:   req.ToolName,
		Status:     StatusPending,
		CreatedAt:  createdAt.UTC(),
		ExpiresAt:  expiresAt,
		TTLMinutes: ttl,
	}, nil
}

// ListPending returns unexpired pending requests, newest first.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]RequestView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tool_name, arguments, security_level,
		       requester_ip, request_context, created_at, expires_at
		FROM safeguard_approvals
		WHERE status = 'pending' AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	out := make([]RequestView, 0, limit)
	for rows.Next() {
		var (
			view        RequestView
			argsRaw     []byte
			ctxRaw      []byte
			requesterIP sql.NullString
		)
		if err := rows.Scan(
			&view.ApprovalID,
			&view.ToolName,
			&argsRaw,
			&view.SecurityLevel,
			&requesterIP,
			&ctxRaw,
			&view.CreatedAt,
			&view.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval row: %w", err)
		}
		if view.Arguments, err = decodeJSON(argsRaw); err != nil {
			return nil, fmt.Errorf("decode arguments for %s: %w", view.ApprovalID, err)
		}
		if view.Context, err = decodeJSON(ctxRaw); err != nil {
			return nil, fmt.Errorf("decode context for %s: %w", view.ApprovalID, err)
		}
		view.RequesterIP = requesterIP.String
		view.TimeRemainingSeconds = remainingSeconds(view.ExpiresAt, now)
		out = append(out, view)
	}
	return out, rows.Err()
}

// Approve transitions a pending request to approved. Racing approvals are
// resolved by the guarded update: exactly one caller wins, the loser gets
// ErrInvalidState. An expired pending request is marked expired as a side
// effect and reported as ErrExpired.
func (q *Queue) Approve(ctx context.Context, approvalID, approver, comment string) (*ApproveResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safeguard.approve")
	defer span.End()
	span.SetAttributes(telemetry.String("approval_id", approvalID))

	var (
		toolName  string
		status    ApprovalStatus
		expiresAt time.Time
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT tool_name, status, expires_at
		FROM safeguard_approvals
		WHERE id = $1`,
		approvalID,
	).Scan(&toolName, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}

	if status != StatusPending {
		return nil, fmt.Errorf("approval request %s already processed (status=%s): %w", approvalID, status, ErrInvalidState)
	}

	if expiresAt.Before(time.Now().UTC()) {
		if _, err := q.db.ExecContext(ctx, `
			UPDATE safeguard_approvals SET status = 'expired'
			WHERE id = $1 AND status = 'pending'`,
			approvalID,
		); err != nil {
			return nil, fmt.Errorf("mark approval expired: %w", err)
		}
		metrics.ApprovalsTotal.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("approval request %s: %w", approvalID, ErrExpired)
	}

	var argsRaw []byte
	err = q.db.QueryRowContext(ctx, `
		UPDATE safeguard_approvals
		SET status = 'approved',
		    approved_at = NOW(),
		    approver = $2,
		    approval_comment = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING tool_name, arguments`,
		approvalID,
		approver,
		nullString(comment),
	).Scan(&toolName, &argsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race against a concurrent approve/reject/expire.
		return nil, fmt.Errorf("approval request %s already processed: %w", approvalID, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("approve request: %w", err)
	}

	args, err := decodeJSON(argsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	q.log.Info("safeguard_approved",
		zap.String("approval_id", approvalID),
		zap.String("tool_name", toolName),
		zap.String("approver", approver),
	)
	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()

	return &ApproveResult{
		ApprovalID: approvalID,
		ToolName:   toolName,
		Arguments:  args,
		Status:     StatusApproved,
		Approver:   approver,
	}, nil
}

// Reject transitions a pending request to rejected with a single conditional
// update; there is no read-then-write window. A missing row and an
// already-processed row are indistinguishable here by design.
func (q *Queue) Reject(ctx context.Context, approvalID, approver, comment string) (*RejectResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safeguard.reject")
	defer span.End()
	span.SetAttributes(telemetry.String("approval_id", approvalID))

	var toolName string
	err := q.db.QueryRowContext(ctx, `
		UPDATE safeguard_approvals
		SET status = 'rejected',
		    approved_at = NOW(),
		    approver = $2,
		    approval_comment = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING tool_name`,
		approvalID,
		approver,
		nullString(comment),
	).Scan(&toolName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s not found or already processed: %w", approvalID, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("reject request: %w", err)
	}

	q.log.Info("safeguard_rejected",
		zap.String("approval_id", approvalID),
		zap.String("tool_name", toolName),
		zap.String("approver", approver),
	)
	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()

	return &RejectResult{
		ApprovalID: approvalID,
		ToolName:   toolName,
		Status:     StatusRejected,
	}, nil
}

// MarkExecuted records the outcome of an executed approval. The executor
// owns the approved→executed/failed transition; this method does not guard
// on the current status.
func (q *Queue) MarkExecuted(ctx context.Context, approvalID string, result map[string]any, execErr string) error {
	status := StatusExecuted
	if execErr != "" {
		status = StatusFailed
	}

	resultJSON, err := encodeJSONOrNull(result)
	if err != nil {
		return fmt.Errorf("encode execution result: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, `
		UPDATE safeguard_approvals
		SET status = $2,
		    executed_at = NOW(),
		    execution_result = $3,
		    execution_error = $4
		WHERE id = $1`,
		approvalID,
		string(status),
		resultJSON,
		nullString(execErr),
	); err != nil {
		return fmt.Errorf("mark approval executed: %w", err)
	}
	metrics.ApprovalsTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// ExpireOld flips every pending request past its expiry to expired and
// returns the affected count. Idempotent.
func (q *Queue) ExpireOld(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE safeguard_approvals
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("expire old requests: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire old requests: rows affected: %w", err)
	}

	if count > 0 {
		q.log.Info("safeguard_expired_requests", zap.Int64("count", count))
		metrics.ExpiredRequestsTotal.Add(float64(count))
		metrics.ApprovalsTotal.WithLabelValues("expired").Add(float64(count))
	}
	return count, nil
}

// Get returns the full state of one approval request.
func (q *Queue) Get(ctx context.Context, approvalID string) (*RequestDetail, error) {
	var (
		detail     RequestDetail
		argsRaw    []byte
		resultRaw  []byte
		approvedAt sql.NullTime
		executedAt sql.NullTime
		approver   sql.NullString
		comment    sql.NullString
		execErr    sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT id, tool_name, arguments, security_level, status,
		       created_at, expires_at, approved_at, approver, approval_comment,
		       executed_at, execution_result, execution_error
		FROM safeguard_approvals
		WHERE id = $1`,
		approvalID,
	).Scan(
		&detail.ApprovalID,
		&detail.ToolName,
		&argsRaw,
		&detail.SecurityLevel,
		&detail.Status,
		&detail.CreatedAt,
		&detail.ExpiresAt,
		&approvedAt,
		&approver,
		&comment,
		&executedAt,
		&resultRaw,
		&execErr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load approval request: %w", err)
	}

	if detail.Arguments, err = decodeJSON(argsRaw); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if len(resultRaw) > 0 {
		if detail.ExecutionResult, err = decodeJSON(resultRaw); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
	}
	detail.ApprovedAt = nullableTime(approvedAt)
	detail.ExecutedAt = nullableTime(executedAt)
	detail.Approver = approver.String
	detail.ApprovalComment = comment.String
	detail.ExecutionError = execErr.String
	return &detail, nil
}

// FullArguments reconstitutes the original arguments for execution by
// merging the keystore envelope into the redacted row. With no envelope the
// redacted arguments are returned unchanged. Callers must only invoke this
// after approval.
func (q *Queue) FullArguments(ctx context.Context, approvalID string) (map[string]any, error) {
	var argsRaw []byte
	err := q.db.QueryRowContext(ctx,
		`SELECT arguments FROM safeguard_approvals WHERE id = $1`,
		approvalID,
	).Scan(&argsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval request %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load arguments: %w", err)
	}

	args, err := decodeJSON(argsRaw)
	if err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	envelope, err := q.secrets.GetSecret(ctx, secretKey(approvalID))
	if err != nil {
		return nil, fmt.Errorf("fetch secret envelope: %w", err)
	}
	if envelope == nil {
		return args, nil
	}

	secrets.MergeSecrets(args, envelope)
	q.log.Info("safeguard_secrets_retrieved",
		zap.String("approval_id", idPrefix(approvalID)),
	)
	return args, nil
}

// CleanupSecrets deletes the keystore envelope for an executed request and
// reports whether one existed. The executor calls this after MarkExecuted.
func (q *Queue) CleanupSecrets(ctx context.Context, approvalID string) (bool, error) {
	return q.secrets.DeleteSecret(ctx, secretKey(approvalID))
}

func remainingSeconds(deadline, now time.Time) int64 {
	remaining := int64(deadline.Sub(now).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}
