package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	url TEXT NOT NULL,
	host TEXT,
	address TEXT,
	outcome TEXT NOT NULL,
	kind TEXT,
	hop INTEGER NOT NULL,
	latency_us BIGINT
)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_host ON decisions(host)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp)`,
}

// Store persists decisions in SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewStore opens (or creates) a SQLite decision database.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	return Open("sqlite", dbPath, logger)
}

// Open connects to a decision database. driver is "sqlite" (dsn is a file
// path) or "postgres" (dsn is a connection URL).
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var sqlDriver string
	switch driver {
	case "sqlite":
		sqlDriver = "sqlite"
	case "postgres":
		sqlDriver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if driver == "sqlite" {
		// WAL lets readers run while the recorder writes.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, closeWith(db, fmt.Errorf("setting WAL mode: %w", err))
		}
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, closeWith(db, fmt.Errorf("creating schema: %w", err))
		}
	}

	return &Store{db: db, driver: driver, logger: logger}, nil
}

func closeWith(db *sql.DB, err error) error {
	if cerr := db.Close(); cerr != nil {
		return fmt.Errorf("%w (also: close: %v)", err, cerr)
	}
	return err
}

// Write inserts one entry.
func (s *Store) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO decisions (id, timestamp, url, host, address, outcome, kind, hop, latency_us) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Timestamp, e.URL, e.Host, e.Address, e.Outcome, e.Kind, e.Hop, e.LatencyUs,
	)
	if err != nil {
		return fmt.Errorf("inserting decision %s: %w", e.ID, err)
	}
	return nil
}

// Query returns decisions matching the given filters, newest first.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query := "SELECT id, timestamp, url, host, address, outcome, kind, hop, latency_us FROM decisions WHERE 1=1"
	var args []any

	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Host != "" {
		query += " AND host = ?"
		args = append(args, opts.Host)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, FormatTime(opts.Since))
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var host, address, kind sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.URL, &host, &address, &e.Outcome, &kind, &e.Hop, &latency); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Host = host.String
		e.Address = address.String
		e.Kind = kind.String
		e.LatencyUs = latency.Int64
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats counts decisions recorded at or after since. A zero since counts
// everything.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	query := "SELECT outcome, kind, COUNT(*) FROM decisions"
	var args []any
	if !since.IsZero() {
		query += " WHERE timestamp >= ?"
		args = append(args, FormatTime(since))
	}
	query += " GROUP BY outcome, kind"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	st := Stats{ByKind: map[string]int{}}
	for rows.Next() {
		var outcome string
		var kind sql.NullString
		var n int
		if err := rows.Scan(&outcome, &kind, &n); err != nil {
			return Stats{}, fmt.Errorf("scanning stats: %w", err)
		}
		st.Total += n
		switch outcome {
		case "allowed":
			st.Allowed += n
		case "denied":
			st.Denied += n
		case "bypass":
			st.Bypass += n
		}
		if kind.String != "" {
			st.ByKind[kind.String] += n
		}
	}
	return st, rows.Err()
}

// Purge deletes decisions older than before and returns how many went.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM decisions WHERE timestamp < ?"), FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("purging decisions: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention purges decisions older than maxAge every interval until ctx
// is done.
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx, time.Now().Add(-maxAge))
			if err != nil {
				s.logger.Error("decision retention failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("purged old decisions", "count", n, "max_age", maxAge)
			}
		}
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
