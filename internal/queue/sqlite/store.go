// Package sqlite implements the durable queue store on an embedded SQLite
// database. The store is single-writer: the pool is capped to one connection
// and every pop runs select-then-delete inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/sparepart-scheduler/internal/queue"
	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

// Config controls where the queue database lives.
type Config struct {
	Path        string
	Spiders     []string
	BusyTimeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS crawler_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	spider TEXT NOT NULL,
	input_param TEXT NOT NULL,
	date_added TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS crawler_queue_spider_id ON crawler_queue (spider, id);
`

// Store is the SQLite-backed scheduler.QueueStore.
type Store struct {
	db      *sql.DB
	spiders queue.SpiderSet
	clock   scheduler.Clock
}

// Open creates the database file and schema when absent.
func Open(ctx context.Context, cfg Config, clock scheduler.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("queue.path is required")
	}
	if len(cfg.Spiders) == 0 {
		return nil, fmt.Errorf("at least one spider type is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 60 * time.Second
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue db %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout.Milliseconds()),
	}
	for _, stmt := range append(pragmas, schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			closeErr := db.Close()
			return nil, errors.Join(fmt.Errorf("init queue db: %w", err), closeErr)
		}
	}
	return &Store{db: db, spiders: queue.NewSpiderSet(cfg.Spiders), clock: clock}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close queue db: %w", err)
	}
	return nil
}

// Push inserts a new entry at the tail of spider's queue.
func (s *Store) Push(ctx context.Context, spider string, params scheduler.Params) (scheduler.QueueEntry, error) {
	if err := s.spiders.Check(spider); err != nil {
		return scheduler.QueueEntry{}, err
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return scheduler.QueueEntry{}, fmt.Errorf("encode params: %w", err)
	}
	added := s.clock.Now().UTC().Truncate(time.Second)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO crawler_queue (spider, input_param, date_added) VALUES (?, ?, ?)`,
		spider, string(payload), added.Format(scheduler.DateAddedLayout),
	)
	if err != nil {
		return scheduler.QueueEntry{}, storageErr("insert queue entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return scheduler.QueueEntry{}, storageErr("read queue entry id", err)
	}
	return scheduler.QueueEntry{ID: id, SpiderType: spider, Params: params.Clone(), DateAdded: added}, nil
}

// Pop atomically removes and returns the lowest-id entry for spider.
func (s *Store) Pop(ctx context.Context, spider string) (entry scheduler.QueueEntry, ok bool, err error) {
	if err := s.spiders.Check(spider); err != nil {
		return scheduler.QueueEntry{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return scheduler.QueueEntry{}, false, storageErr("begin pop", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = storageErr("rollback pop", rbErr)
		}
	}()

	var (
		id        int64
		payload   string
		dateAdded string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, input_param, date_added FROM crawler_queue WHERE spider = ? ORDER BY id LIMIT 1`,
		spider,
	)
	if err := row.Scan(&id, &payload, &dateAdded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return scheduler.QueueEntry{}, false, nil
		}
		return scheduler.QueueEntry{}, false, storageErr("select queue head", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM crawler_queue WHERE id = ?`, id); err != nil {
		return scheduler.QueueEntry{}, false, storageErr("delete queue head", err)
	}
	if err := tx.Commit(); err != nil {
		return scheduler.QueueEntry{}, false, storageErr("commit pop", err)
	}

	entry, decodeErr := decodeEntry(spider, id, payload, dateAdded)
	if decodeErr != nil {
		// The row is already gone; a corrupt head must not block the queue.
		return scheduler.QueueEntry{ID: id, SpiderType: spider}, false, decodeErr
	}
	return entry, true, nil
}

// Delete removes a queued entry by id. Missing ids report false without error.
func (s *Store) Delete(ctx context.Context, spider string, id int64) (bool, error) {
	if err := s.spiders.Check(spider); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM crawler_queue WHERE spider = ? AND id = ?`, spider, id)
	if err != nil {
		return false, storageErr("delete queue entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete queue entry rows", err)
	}
	return n > 0, nil
}

// Count returns the queue length for spider.
func (s *Store) Count(ctx context.Context, spider string) (int, error) {
	if err := s.spiders.Check(spider); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crawler_queue WHERE spider = ?`, spider,
	).Scan(&n); err != nil {
		return 0, storageErr("count queue", err)
	}
	return n, nil
}

// ListAll returns every configured spider's queue in id order.
func (s *Store) ListAll(ctx context.Context) (map[string][]scheduler.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, spider, input_param, date_added FROM crawler_queue ORDER BY id`)
	if err != nil {
		return nil, storageErr("list queue", err)
	}
	defer rows.Close()

	out := s.spiders.EmptyListing()
	for rows.Next() {
		var (
			id        int64
			spider    string
			payload   string
			dateAdded string
		)
		if err := rows.Scan(&id, &spider, &payload, &dateAdded); err != nil {
			return nil, storageErr("scan queue row", err)
		}
		entry, err := decodeEntry(spider, id, payload, dateAdded)
		if err != nil {
			return nil, err
		}
		out[spider] = append(out[spider], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate queue rows", err)
	}
	return out, nil
}

func decodeEntry(spider string, id int64, payload, dateAdded string) (scheduler.QueueEntry, error) {
	var params scheduler.Params
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return scheduler.QueueEntry{}, storageErr(fmt.Sprintf("decode queue entry %d", id), err)
	}
	added, err := time.ParseInLocation(scheduler.DateAddedLayout, dateAdded, time.UTC)
	if err != nil {
		return scheduler.QueueEntry{}, storageErr(fmt.Sprintf("parse date_added of entry %d", id), err)
	}
	return scheduler.QueueEntry{ID: id, SpiderType: spider, Params: params, DateAdded: added}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, scheduler.ErrStorage, err)
}
