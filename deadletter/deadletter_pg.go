package deadletter

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/baldanca/pgcopy-ingestor/metrics"
)

// PG writes dead-letter records to a Postgres table. It is built on the
// worker's existing connection (the consumer loop is single-threaded, so the
// loader and the router share the session sequentially) to keep the
// one-connection-per-worker bound.
//
// Expected schema:
//
//	CREATE TABLE dead_letters (
//	    message_id text PRIMARY KEY,
//	    payload    bytea NOT NULL,
//	    attempts   integer NOT NULL,
//	    reason     text NOT NULL,
//	    failed_at  timestamptz NOT NULL
//	);
//
// The primary key on message_id makes routing idempotent: re-routing the same
// message after a crash is a no-op.
type PG struct {
	conn  *pgx.Conn
	table string
	sql   string

	metrics *metrics.Metrics
}

func NewPG(conn *pgx.Conn, table string, m *metrics.Metrics) *PG {
	if conn == nil {
		panic("pg connection is required")
	}
	if strings.TrimSpace(table) == "" {
		panic("dead-letter table is required")
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	return &PG{
		conn:  conn,
		table: table,
		sql: fmt.Sprintf(`INSERT INTO %s (message_id, payload, attempts, reason, failed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (message_id) DO NOTHING`, ident),
		metrics: m,
	}
}

func (r *PG) Route(ctx context.Context, rec Record) error {
	_, err := r.conn.Exec(ctx, r.sql, rec.MessageID, rec.Payload, rec.Attempts, rec.Reason, rec.FailedAt)
	if err != nil {
		r.metrics.RecordDBError(metrics.DBOperationInsert)
		return &RouteError{MessageID: rec.MessageID, Err: err}
	}
	return nil
}
