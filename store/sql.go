package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	_ "github.com/lib/pq" // PostgreSQL
	_ "modernc.org/sqlite"
)

type DBDriver string

const (
	SQLite     DBDriver = "sqlite"
	PostgreSQL DBDriver = "postgres"
	Etcd       DBDriver = "etcd"
)

type SQLStore struct {
	db     *sql.DB
	driver string
}

func OpenSQLStore(driver, path string) (*SQLStore, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	if driver == string(SQLite) {
		// One writer at a time; results arrive from many goroutines.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set sqlite busy_timeout: %w", err)
		}
	}
	if driver == string(PostgreSQL) {
		db.SetConnMaxIdleTime(15 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(100)
		db.SetConnMaxLifetime(1 * time.Hour)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobqueue_batches (
        id TEXT PRIMARY KEY,
        driver TEXT NOT NULL,
        started_at BIGINT,
        finished_at BIGINT
    )`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobqueue_results (
        batch_id TEXT NOT NULL,
        iens INTEGER NOT NULL,
        name TEXT NOT NULL,
        job_id TEXT,
        status TEXT NOT NULL,
        message TEXT,
        error TEXT,
        poll_failures INTEGER,
        submitted_at BIGINT,
        finished_at BIGINT,
        PRIMARY KEY (batch_id, iens)
    )`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobqueue_results_status ON jobqueue_results(batch_id, status)`)
	return err
}

func (s *SQLStore) IsSQLite() bool {
	return DBDriver(s.driver) == SQLite
}

func (s *SQLStore) IsPostgres() bool {
	return DBDriver(s.driver) == PostgreSQL
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.IsPostgres() {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ArchiveJob(ctx context.Context, batchID string, r model.JobResult) error {
	query := `INSERT INTO jobqueue_results
        (batch_id, iens, name, job_id, status, message, error, poll_failures, submitted_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(batch_id, iens) DO UPDATE SET
            name = EXCLUDED.name,
            job_id = EXCLUDED.job_id,
            status = EXCLUDED.status,
            message = EXCLUDED.message,
            error = EXCLUDED.error,
            poll_failures = EXCLUDED.poll_failures,
            submitted_at = EXCLUDED.submitted_at,
            finished_at = EXCLUDED.finished_at`
	if s.IsSQLite() {
		query = `INSERT OR REPLACE INTO jobqueue_results
            (batch_id, iens, name, job_id, status, message, error, poll_failures, submitted_at, finished_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		batchID, r.Index, r.Name, r.JobID, r.Status.String(), r.Message, r.Error, r.PollFailures,
		unixMilli(r.SubmittedAt), unixMilli(r.FinishedAt),
	)
	return err
}

// ArchiveBatch writes the batch header and every result it carries.
func (s *SQLStore) ArchiveBatch(ctx context.Context, b model.BatchResult) error {
	query := `INSERT INTO jobqueue_batches (id, driver, started_at, finished_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            driver = EXCLUDED.driver,
            started_at = EXCLUDED.started_at,
            finished_at = EXCLUDED.finished_at`
	if s.IsSQLite() {
		query = `INSERT OR REPLACE INTO jobqueue_batches (id, driver, started_at, finished_at)
            VALUES (?, ?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), b.ID, b.Driver, unixMilli(b.StartedAt), unixMilli(b.FinishedAt)); err != nil {
		return err
	}
	for _, iens := range b.Indices() {
		if err := s.ArchiveJob(ctx, b.ID, b.Jobs[iens]); err != nil {
			return fmt.Errorf("archive realization %d: %w", iens, err)
		}
	}
	return nil
}

func (s *SQLStore) GetBatch(ctx context.Context, id string) (model.BatchResult, error) {
	b := model.BatchResult{ID: id, Jobs: map[int]model.JobResult{}}
	var started, finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT driver, started_at, finished_at FROM jobqueue_batches WHERE id = ?`), id).
		Scan(&b.Driver, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return b, model.Errorf(model.ErrorNotFound, "batch %s not found", id)
	}
	if err != nil {
		return b, err
	}
	b.StartedAt = fromUnixMilli(started)
	b.FinishedAt = fromUnixMilli(finished)

	jobs, err := s.ListJobs(ctx, id)
	if err != nil {
		return b, err
	}
	for _, j := range jobs {
		b.Jobs[j.Index] = j
	}
	return b, nil
}

// ListJobs returns the archived results of a batch ordered by realization.
func (s *SQLStore) ListJobs(ctx context.Context, batchID string) ([]model.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT iens, name, job_id, status, message, error, poll_failures, submitted_at, finished_at
        FROM jobqueue_results WHERE batch_id = ? ORDER BY iens`), batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JobResult
	for rows.Next() {
		var (
			r                   model.JobResult
			status              string
			jobID, msg, errText sql.NullString
			submitted, finished sql.NullInt64
			polls               sql.NullInt64
		)
		if err := rows.Scan(&r.Index, &r.Name, &jobID, &status, &msg, &errText, &polls, &submitted, &finished); err != nil {
			return nil, err
		}
		if r.Status, err = model.ParseQueueStatus(status); err != nil {
			return nil, err
		}
		r.JobID, r.Message, r.Error = jobID.String, msg.String, errText.String
		r.PollFailures = int(polls.Int64)
		r.SubmittedAt = fromUnixMilli(submitted)
		r.FinishedAt = fromUnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
