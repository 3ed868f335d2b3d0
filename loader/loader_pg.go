package loader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/baldanca/pgcopy-ingestor/metrics"
)

// Pooler modes an intermediary connection multiplexer (pgbouncer and friends)
// may run in. Streaming COPY needs session affinity for the whole write, so
// per-statement multiplexing is rejected at configuration time.
const (
	PoolerModeNone        = ""
	PoolerModeSession     = "session"
	PoolerModeTransaction = "transaction"
	PoolerModeStatement   = "statement"
)

type PGConfig struct {
	// URL is a libpq-style connection string or URL.
	URL string

	// Table is the bulk-load target. The table's write path must tolerate
	// duplicate application of a record (natural primary key); redelivery
	// makes duplicates possible.
	Table string

	// PoolerMode declares the mode of any pooling middleware sitting between
	// this process and Postgres.
	PoolerMode string

	ConnectTimeout time.Duration
}

func (c PGConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("URL is required")
	}
	if strings.TrimSpace(c.Table) == "" {
		return errors.New("Table is required")
	}
	switch c.PoolerMode {
	case PoolerModeNone, PoolerModeSession, PoolerModeTransaction:
	case PoolerModeStatement:
		return errors.New("statement pooling is incompatible with streaming bulk writes; use session pooling or a direct connection")
	default:
		return errors.Errorf("unknown pooler mode %q", c.PoolerMode)
	}
	if c.ConnectTimeout < 0 {
		return errors.New("ConnectTimeout must be non-negative")
	}
	return nil
}

// PG loads batches into Postgres over the COPY protocol. It holds exactly one
// connection for its lifetime, so the store connection count equals the number
// of workers regardless of message volume.
//
// Each Load is one transaction: rows are copied into a temporary table and
// inserted into the target with ON CONFLICT DO NOTHING, which makes redelivered
// rows a no-op instead of a constraint violation.
type PG[T any] struct {
	conn    *pgx.Conn
	table   string
	columns []string
	enc     RowEncoder[T]
	metrics *metrics.Metrics
}

// ConnectPG validates cfg, opens the worker's single connection and pings it.
func ConnectPG[T any](ctx context.Context, cfg PGConfig, enc RowEncoder[T], m *metrics.Metrics) (*PG[T], error) {
	if enc == nil {
		panic("row encoder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid loader config")
	}
	if cfg.PoolerMode == PoolerModeTransaction {
		log.Warn("transaction pooling detected: each bulk load runs in a single transaction, make sure the pooler pins it to one server connection")
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := pgx.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, errors.WithMessage(err, "connecting to postgres")
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, errors.WithMessage(err, "pinging postgres")
	}

	return NewPG[T](conn, cfg.Table, enc, m), nil
}

// NewPG wraps an already-open connection. The loader takes ownership: the
// connection must not be shared with concurrent batches.
func NewPG[T any](conn *pgx.Conn, table string, enc RowEncoder[T], m *metrics.Metrics) *PG[T] {
	if conn == nil {
		panic("pg connection is required")
	}
	if strings.TrimSpace(table) == "" {
		panic("target table is required")
	}
	if enc == nil {
		panic("row encoder is required")
	}
	return &PG[T]{
		conn:    conn,
		table:   table,
		columns: enc.Columns(),
		enc:     enc,
		metrics: m,
	}
}

func (l *PG[T]) Load(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}

	tmp := uniqueTableName(l.table)

	err := pgx.BeginFunc(ctx, l.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(
			`CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
			pgx.Identifier{tmp}.Sanitize(), tableIdent(l.table).Sanitize()))
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationCreateTempTable)
			return errors.WithMessage(err, "creating temp table")
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{tmp},
			l.columns,
			pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
				return l.enc.Row(items[i])
			}),
		)
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationCopy)
			return errors.WithMessage(err, "copying rows")
		}

		cols := sanitizedColumnList(l.columns)
		_, err = tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT DO NOTHING`,
			tableIdent(l.table).Sanitize(), cols, cols, pgx.Identifier{tmp}.Sanitize()))
		if err != nil {
			l.metrics.RecordDBError(metrics.DBOperationInsert)
			return errors.WithMessage(err, "inserting into target")
		}
		return nil
	})
	if err != nil {
		return &LoadError{Err: err}
	}
	return nil
}

// Conn exposes the worker connection so collaborators that must share the
// session (the dead-letter table writer) can reuse it. The consumer loop is
// single-threaded, so sequential sharing is safe.
func (l *PG[T]) Conn() *pgx.Conn {
	return l.conn
}

func (l *PG[T]) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

// tableIdent supports schema-qualified names ("public.events").
func tableIdent(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

func sanitizedColumnList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(parts, ", ")
}

// uniqueTableName makes Load safe to run concurrently from multiple worker
// processes against the same target.
func uniqueTableName(table string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, table)

	suffix, err := randomHex(4)
	if err != nil {
		suffix = fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("tmp_%s_%d_%s", base, time.Now().UnixNano(), suffix)
}

func randomHex(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
