// Package database provides the PostgreSQL persistence of metric readings.
// It batches parsed rows into multi-row inserts, keeps a ledger of ingested blobs
// and answers aggregation queries.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BatchSize is the maximum number of rows written by a single INSERT statement.
const BatchSize = 1000

const (
	metricsTable = "metric_values"
	ledgerTable  = "ingested_blobs"

	statementTimeout = 10 * time.Second
)

// ErrPersistence is returned when rows could not be written to the database.
var ErrPersistence = errors.New("failed to persist metric rows")

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// Connect creates a database manager with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// InsertMetrics writes rows into metric_values in chunks of BatchSize rows.
//
// Chunks are sent one after the other. If one fails, the remaining chunks are not
// attempted and ErrPersistence is returned. Chunks already written stay committed.
// The returned count is the number of rows committed.
func (db Manager) InsertMetrics(ctx context.Context, rows []models.MetricRow) (int, error) {
	if db.dbpool == nil {
		return 0, fmt.Errorf("%w: database not initialized", ErrPersistence)
	}

	var n int
	for start := 0; start < len(rows); start += BatchSize {
		chunk := rows[start:min(start+BatchSize, len(rows))]
		query, args := insertStatement(chunk)

		if err := db.exec(ctx, query, args...); err != nil {
			return n, fmt.Errorf("%w: rows %d to %d of %d: %w", ErrPersistence, start+1, start+len(chunk), len(rows), err)
		}
		n += len(chunk)
		slog.Debug("Inserted metric rows chunk", "rows", len(chunk), "committed", n, "total", len(rows))
	}

	return n, nil
}

// insertStatement builds a single multi-row INSERT for the chunk.
func insertStatement(chunk []models.MetricRow) (string, []any) {
	const cols = 4

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (metric_id, metric_datetime, metric_date, value) VALUES ",
		pgx.Identifier{metricsTable}.Sanitize())

	args := make([]any, 0, len(chunk)*cols)
	for i, r := range chunk {
		if i > 0 {
			b.WriteString(", ")
		}
		p := i * cols
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4)
		args = append(args, r.MetricID, r.DateTime, r.Date(), r.Value)
	}

	return b.String(), args
}

// IsIngested reports whether blobName was already fully ingested.
func (db Manager) IsIngested(ctx context.Context, blobName string) (bool, error) {
	if db.dbpool == nil {
		return false, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE blob_name = $1)", pgx.Identifier{ledgerTable}.Sanitize())

	var exists bool
	if err := db.dbpool.QueryRow(ctx, query, blobName).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up ingested blob %q: %v", blobName, err)
	}
	return exists, nil
}

// MarkIngested records that blobName was fully ingested with rowCount rows.
// Marking an already recorded blob is not an error.
func (db Manager) MarkIngested(ctx context.Context, blobName string, rowCount int) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (blob_name, row_count, ingested_at) VALUES ($1, $2, $3)
		ON CONFLICT (blob_name) DO NOTHING`,
		pgx.Identifier{ledgerTable}.Sanitize(),
	)

	if err := db.exec(ctx, query, blobName, rowCount, time.Now()); err != nil {
		return fmt.Errorf("failed to mark blob %q as ingested: %w", blobName, err)
	}
	return nil
}

// Aggregate returns the total, average and count of the readings of metricID,
// grouped by unit, for readings dated between from and to inclusive.
// Buckets are ordered by ascending period.
func (db Manager) Aggregate(ctx context.Context, metricID int64, unit models.AggregationUnit, from, to time.Time) ([]models.MetricAggregation, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if _, err := models.ParseAggregationUnit(string(unit)); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT
			DATE_TRUNC($1, metric_datetime) AS period,
			SUM(value) AS total,
			AVG(value) AS avg,
			COUNT(*) AS count
		FROM %s
		WHERE metric_id = $2
			AND metric_date BETWEEN $3 AND $4
		GROUP BY 1
		ORDER BY 1`,
		pgx.Identifier{metricsTable}.Sanitize(),
	)

	rows, err := db.dbpool.Query(ctx, query, unit.Trunc(), metricID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregations: %v", err)
	}
	defer rows.Close()

	var aggs []models.MetricAggregation
	for rows.Next() {
		var a models.MetricAggregation
		if err := rows.Scan(&a.Period, &a.Total, &a.Avg, &a.Count); err != nil {
			return nil, fmt.Errorf("failed to read aggregation row: %v", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read aggregations: %v", err)
	}

	return aggs, nil
}

// Ping checks that the database is reachable.
func (db Manager) Ping(ctx context.Context) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()
	return db.dbpool.Ping(ctx)
}

func (db Manager) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	if _, err := db.dbpool.Exec(ctx, query, args...); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("statement canceled: %w", err)
		}
		return err
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
