package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrUniqueViolation is returned when a write collides with a unique index
	ErrUniqueViolation = errors.New("unique constraint violated")
	// ErrStaleState is returned when a conditional update matched no row because
	// the row moved on since it was read
	ErrStaleState = errors.New("stale state")
	// ErrClaimLost is returned when completing or failing a phase the caller no longer owns
	ErrClaimLost = errors.New("phase claim lost")
)

// Dialect selects SQL flavour differences between the supported engines
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// advisoryClaimKey serializes claims across scheduler processes on PostgreSQL
const advisoryClaimKey = 724_311_905

// Options configures a store connection
type Options struct {
	Driver       string
	URL          string
	MaxOpenConns int
}

// Client wraps database/sql for warmup store operations
type Client struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.SugaredLogger
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the store and verifies the connection.
// SQLite connections are limited to one so in-memory databases stay shared
// and writers never contend for the file lock inside this process.
func Open(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	var (
		dialect    Dialect
		driverName string
		dsn        = opts.URL
	)
	switch opts.Driver {
	case "postgres", "pgx", "":
		dialect, driverName = DialectPostgres, "pgx"
	case "sqlite", "sqlite3":
		dialect, driverName = DialectSQLite, "sqlite3"
		dsn = sqliteDSN(opts.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Infow("Connected to database", "dialect", dialect)
	return &Client{db: sqlDB, dialect: dialect, logger: logger}, nil
}

func sqliteDSN(url string) string {
	params := "_loc=UTC&_txlock=immediate&_foreign_keys=1&_busy_timeout=5000"
	if strings.Contains(url, "?") {
		return url + "&" + params
	}
	return url + "?" + params
}

// Dialect returns the SQL flavour of the connected store
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// DB exposes the underlying pool for tooling and fixtures
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the database connection pool
func (c *Client) Close() error {
	return c.db.Close()
}

// rebind rewrites ? placeholders into $n for PostgreSQL
func (c *Client) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (c *Client) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *Client) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c *Client) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, c.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing on nil error.
// Everything inside fn must go through tx: SQLite has a single connection.
func (c *Client) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.logger.Warnw("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// lockClaims takes the fleet-wide claim lock for the rest of the transaction.
// SQLite transactions are already serialized by BEGIN IMMEDIATE.
func (c *Client) lockClaims(ctx context.Context, tx *sql.Tx) error {
	if c.dialect != DialectPostgres {
		return nil
	}
	if _, err := c.exec(ctx, tx, `SELECT pg_advisory_xact_lock(?)`, int64(advisoryClaimKey)); err != nil {
		return fmt.Errorf("acquire claim lock: %w", err)
	}
	return nil
}

// mapError translates driver-specific errors into package sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrUniqueViolation, pgErr.ConstraintName)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", ErrUniqueViolation, liteErr)
	}
	return err
}

// affectedOne reports whether a conditional update hit its row
func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Now is the store clock: UTC at microsecond precision, which both engines
// round-trip exactly and SQLite compares correctly as text.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// utc normalizes a caller-supplied timestamp the same way Now does
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := utc(*t)
	return &v
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
