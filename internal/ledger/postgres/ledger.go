// Package postgres provides the Postgres-backed job ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

const defaultTable = "scraping_job"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for ledger rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger writes job rows into Postgres.
type Ledger struct {
	pool  pool
	table string
}

// New creates a Postgres-backed Ledger using the provided config.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Ledger{pool: p, table: table}, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Ledger{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger table when it does not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	spider TEXT NOT NULL,
	input_param TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	start TIMESTAMPTZ NOT NULL,
	finish TIMESTAMPTZ,
	log TEXT NOT NULL DEFAULT '',
	jobdir TEXT NOT NULL DEFAULT ''
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w: %w", scheduler.ErrStorage, err)
	}
	return nil
}

// Record inserts a started job row.
func (l *Ledger) Record(ctx context.Context, job scheduler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("record job: %w: job id is required", scheduler.ErrValidation)
	}
	payload, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal input_param: %w", err)
	}
	status := job.Status
	if status == "" {
		status = scheduler.JobStatusStarted
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, spider, input_param, status, start, jobdir)
VALUES ($1,$2,$3,$4,$5,$6)`, l.table)
	if _, err := l.pool.Exec(ctx, query,
		job.ID,
		job.SpiderType,
		string(payload),
		string(status),
		job.Start,
		job.JobDir,
	); err != nil {
		return fmt.Errorf("insert job %s: %w: %w", job.ID, scheduler.ErrStorage, err)
	}
	return nil
}

// Finalize closes a started job. Already finished jobs are left untouched.
func (l *Ledger) Finalize(ctx context.Context, jobID, reason, log string, finishedAt time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, reason = $2, log = $3, finish = $4
WHERE id = $5 AND status <> $1`, l.table)
	tag, err := l.pool.Exec(ctx, query,
		string(scheduler.JobStatusFinished),
		reason,
		log,
		finishedAt,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w: %w", jobID, scheduler.ErrStorage, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, l.table), jobID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("finalize job %s: %w", jobID, scheduler.ErrNotFound)
	case err != nil:
		return fmt.Errorf("check job %s: %w: %w", jobID, scheduler.ErrStorage, err)
	}
	return nil
}

// Lookup returns the job directory recorded for jobID.
func (l *Ledger) Lookup(ctx context.Context, jobID string) (string, error) {
	var dir string
	err := l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT jobdir FROM %s WHERE id = $1`, l.table), jobID).Scan(&dir)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("lookup job %s: %w", jobID, scheduler.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup job %s: %w: %w", jobID, scheduler.ErrStorage, err)
	}
	return dir, nil
}

// Get fetches a full job row by id.
func (l *Ledger) Get(ctx context.Context, jobID string) (scheduler.Job, error) {
	query := fmt.Sprintf(`
SELECT id, spider, input_param, status, reason, start, finish, log, jobdir
FROM %s WHERE id = $1`, l.table)

	var (
		job     scheduler.Job
		payload string
		status  string
	)
	err := l.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.SpiderType,
		&payload,
		&status,
		&job.Reason,
		&job.Start,
		&job.Finish,
		&job.Log,
		&job.JobDir,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scheduler.Job{}, fmt.Errorf("get job %s: %w", jobID, scheduler.ErrNotFound)
	}
	if err != nil {
		return scheduler.Job{}, fmt.Errorf("get job %s: %w: %w", jobID, scheduler.ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Params); err != nil {
		return scheduler.Job{}, fmt.Errorf("decode input_param of job %s: %w", jobID, err)
	}
	job.Status = scheduler.JobStatus(status)
	return job, nil
}
