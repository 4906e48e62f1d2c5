package safeguard

import (
	"context"
	"database/sql"
	"fmt"

	// Postgres driver — registers with database/sql as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// DriverName is the database/sql driver the core expects.
const DriverName = "pgx"

const approvalsSchema = `
	CREATE TABLE IF NOT EXISTS safeguard_approvals (
		id UUID PRIMARY KEY,
		tool_name VARCHAR(100) NOT NULL,
		arguments JSONB NOT NULL,
		security_level VARCHAR(10) NOT NULL,
		requester_ip VARCHAR(45),
		request_context JSONB,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		approved_at TIMESTAMP WITH TIME ZONE,
		approver VARCHAR(100),
		approval_comment TEXT,
		executed_at TIMESTAMP WITH TIME ZONE,
		execution_result JSONB,
		execution_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_safeguard_status
		ON safeguard_approvals(status);
	CREATE INDEX IF NOT EXISTS idx_safeguard_expires
		ON safeguard_approvals(expires_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_safeguard_created
		ON safeguard_approvals(created_at DESC);
`

const deferredSchema = `
	CREATE TABLE IF NOT EXISTS safeguard_deferred_actions (
		id SERIAL PRIMARY KEY,
		deferred_id VARCHAR(50) UNIQUE NOT NULL,
		approval_id UUID NOT NULL,
		tool_name VARCHAR(100) NOT NULL,
		parameters JSONB NOT NULL,
		security_level VARCHAR(10) NOT NULL,
		delay_hours INTEGER NOT NULL DEFAULT 24,
		scheduled_at TIMESTAMP WITH TIME ZONE NOT NULL,
		status VARCHAR(20) DEFAULT 'pending',
		approved_by VARCHAR(100) NOT NULL,
		approved_at TIMESTAMP WITH TIME ZONE NOT NULL,
		approval_comment TEXT,
		cancelled_by VARCHAR(100),
		cancelled_at TIMESTAMP WITH TIME ZONE,
		cancellation_reason TEXT,
		executed_at TIMESTAMP WITH TIME ZONE,
		execution_result JSONB,
		execution_error TEXT,
		context JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_deferred_status
		ON safeguard_deferred_actions(status);
	CREATE INDEX IF NOT EXISTS idx_deferred_scheduled
		ON safeguard_deferred_actions(scheduled_at)
		WHERE status = 'pending';
`

// Migrate creates the approval and deferred action tables and their indexes.
// It is idempotent and hoisted to startup so concurrent cold starts do not
// race on lazy table creation.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, approvalsSchema); err != nil {
		return fmt.Errorf("create safeguard_approvals: %w", err)
	}
	if _, err := db.ExecContext(ctx, deferredSchema); err != nil {
		return fmt.Errorf("create safeguard_deferred_actions: %w", err)
	}
	return nil
}
