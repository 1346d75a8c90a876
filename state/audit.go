package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresAuditWriter mirrors recorded temporal snapshots into Postgres,
// giving a node's history a durable read-replica alongside the default
// in-memory Store (spec §4.4 design note on durable backends; mirrors the
// teacher's Postgres-backed audit/read-replica pattern in audit-service
// and the trm-service dictionary replica).
type PostgresAuditWriter struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgresAuditWriter wraps an existing pool. table must already exist
// (migrations are an operational concern, not this writer's).
func NewPostgresAuditWriter(pool *pgxpool.Pool, table string, logger *zap.Logger) *PostgresAuditWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if table == "" {
		table = "happen_temporal_snapshots"
	}
	return &PostgresAuditWriter{pool: pool, table: table, logger: logger}
}

// Write inserts one snapshot row. Bound as a Store's audit sink via
// WithAuditSink(writer.Write); failures are logged, not returned, since
// the sink runs fire-and-forget off the store's write path.
func (w *PostgresAuditWriter) Write(snap Snapshot) {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		w.logger.Error("audit writer: marshal state failed", zap.Error(err))
		return
	}
	ctxJSON, err := json.Marshal(snap.Context)
	if err != nil {
		w.logger.Error("audit writer: marshal context failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = w.pool.Exec(ctx,
		`INSERT INTO `+w.table+` (event_id, event_type, state, context, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		string(snap.EventID), snap.EventType, stateJSON, ctxJSON, time.Now(),
	)
	if err != nil {
		w.logger.Error("audit writer: insert failed", zap.String("eventId", string(snap.EventID)), zap.Error(err))
	}
}
