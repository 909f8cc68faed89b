package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	dbTracer = otel.Tracer("finance-sync.db")
	dbMeter  = otel.Meter("finance-sync.db")

	queryDuration, _ = dbMeter.Float64Histogram("db.query.duration",
		metric.WithDescription("Query execution duration in seconds"), metric.WithUnit("s"))
	poolRebuilds, _ = dbMeter.Int64Counter("db.pool.rebuilds",
		metric.WithDescription("Connection pool rebuilds after connection-class failures"))
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnectTimeout  = 5 * time.Second
	defaultMaxRetries      = 3
)

// DB owns the connection pool. It is constructed once, passed by reference
// into every component that needs it, and closed by its owner. On
// connection-class failures the pool is discarded, rebuilt, and the statement
// retried with a linear backoff.
type DB struct {
	mu         sync.RWMutex
	db         *sql.DB
	connStr    string
	maxRetries int
}

// Option configures a DB.
type Option func(*DB)

// WithMaxRetries overrides the statement retry bound applied after
// connection-class failures.
func WithMaxRetries(n int) Option {
	return func(d *DB) { d.maxRetries = n }
}

// New opens and verifies the pool.
func New(connStr string, opts ...Option) (*DB, error) {
	d := &DB{
		connStr:    connStr,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(d)
	}

	db, err := d.open()
	if err != nil {
		return nil, err
	}
	d.db = db
	return d, nil
}

func (d *DB) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", d.connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

func (d *DB) pool() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *DB) PingContext(ctx context.Context) error {
	return d.pool().PingContext(ctx)
}

// rebuild replaces the pool after a connection-class failure. The stale
// handle guards against two concurrent failures rebuilding twice.
func (d *DB) rebuild(ctx context.Context, stale *sql.DB) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != stale {
		return // another caller already rebuilt
	}

	stale.Close()
	poolRebuilds.Add(ctx, 1)

	fresh, err := d.open()
	if err != nil {
		// Keep the closed pool in place; the next retry attempt will fail
		// its statement and land back here.
		log.Printf("Failed to rebuild database pool: %v", err)
		return
	}
	log.Println("Database pool rebuilt after connection failure")
	d.db = fresh
}

// withReconnect runs op against the current pool, rebuilding and retrying on
// connection-class failures with a linear backoff (1s * attempt number).
// Non-connection errors surface immediately.
func (d *DB) withReconnect(ctx context.Context, op func(*sql.DB) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		db := d.pool()
		err = op(db)
		if err == nil || !isConnectionError(err) {
			return err
		}
		if attempt > d.maxRetries {
			return err
		}

		log.Printf("Database connection failure (attempt %d/%d), rebuilding pool: %v", attempt, d.maxRetries, err)
		d.rebuild(ctx, db)

		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return err
		}
	}
}

// QueryContext runs a query with tracing, per-query observation, and
// reconnection retry.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := startSpan(ctx, "db.Query", query)
	defer span.End()

	start := time.Now()
	var rows *sql.Rows
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		var opErr error
		rows, opErr = db.QueryContext(ctx, query, args...)
		return opErr
	})
	observe(ctx, span, query, start, -1, err)
	return rows, err
}

// ExecContext runs a statement with tracing, per-query observation, and
// reconnection retry.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := startSpan(ctx, "db.Exec", query)
	defer span.End()

	start := time.Now()
	var result sql.Result
	err := d.withReconnect(ctx, func(db *sql.DB) error {
		var opErr error
		result, opErr = db.ExecContext(ctx, query, args...)
		return opErr
	})

	affected := int64(-1)
	if err == nil && result != nil {
		if n, raErr := result.RowsAffected(); raErr == nil {
			affected = n
		}
	}
	observe(ctx, span, query, start, affected, err)
	return result, err
}

// Row mirrors sql.Row's Scan-only surface while keeping the query itself
// inside the reconnection retry path (sql.Row defers all errors to Scan,
// which is too late to rebuild the pool).
type Row struct {
	rows *sql.Rows
	err  error
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	return r.rows.Close()
}

// QueryRowContext runs a single-row query with tracing, per-query
// observation, and reconnection retry.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *Row {
	rows, err := d.QueryContext(ctx, query, args...)
	return &Row{rows: rows, err: err}
}

func startSpan(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", extractSQLVerb(query)),
		attribute.String("db.statement", sanitizeQuery(query)),
	))
}

// observe emits the per-query structured record (duration, row count, error
// code). Monitoring only; it never affects control flow.
func observe(ctx context.Context, span trace.Span, query string, start time.Time, rows int64, err error) {
	verb := extractSQLVerb(query)
	elapsed := time.Since(start)
	queryDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("db.operation", verb),
		attribute.Bool("error", err != nil),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("db %s failed in %s: code=%s err=%v", verb, elapsed, pqErrorCode(err), err)
		return
	}
	if rows >= 0 {
		log.Printf("db %s ok in %s: rows=%d", verb, elapsed, rows)
	}
}

func pqErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// isConnectionError reports whether err indicates the connection (not the
// statement) failed: refused, reset, admin shutdown, unreachable. These are
// the failures worth a pool rebuild and retry.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03", // cannot_connect_now
			"08000", // connection_exception
			"08001", // sqlclient_unable_to_establish_sqlconnection
			"08003", // connection_does_not_exist
			"08006": // connection_failure
			return true
		}
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected EOF",
		"the database system is shutting down",
		"no route to host",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// sanitizeQuery replaces string literals and bare numeric literals with '?'
// so that sensitive values (PII, tokens, etc.) are never stored in traces.
// Parameterized queries using $1, $2, ... are left as-is since they carry no data.
func sanitizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))

	i := 0
	for i < len(q) {
		ch := q[i]

		// Replace quoted string literals: 'value' → '?'
		if ch == '\'' {
			b.WriteString("'?'")
			i++
			for i < len(q) {
				if q[i] == '\'' {
					if i+1 < len(q) && q[i+1] == '\'' {
						i += 2 // escaped quote ''
						continue
					}
					i++ // closing quote
					break
				}
				i++
			}
			continue
		}

		// Replace bare numeric literals that aren't $N parameters
		if unicode.IsDigit(rune(ch)) && (i == 0 || !isIdentChar(q[i-1])) {
			// Check it's not a $N placeholder
			if i > 0 && q[i-1] == '$' {
				b.WriteByte(ch)
				i++
				continue
			}
			b.WriteByte('?')
			for i < len(q) && (unicode.IsDigit(rune(q[i])) || q[i] == '.') {
				i++
			}
			continue
		}

		b.WriteByte(ch)
		i++
	}

	s := b.String()
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '$'
}

func extractSQLVerb(q string) string {
	q = strings.TrimSpace(q)
	if idx := strings.IndexByte(q, ' '); idx > 0 {
		return strings.ToUpper(q[:idx])
	}
	return strings.ToUpper(q)
}
