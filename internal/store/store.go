// Package store persists run records, scheduler configuration, and the
// event outbox in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// historyLimit caps how many run records are retained.
const historyLimit = 10

// CategoryResult is the per-category outcome of one cleanup run.
type CategoryResult struct {
	Category string `json:"category"`
	Fetched  int    `json:"fetched"`
	Deleted  int    `json:"deleted"`
	Error    string `json:"error,omitempty"`
}

// RunRecord is the persisted summary of one cleanup run.
type RunRecord struct {
	RunID        string           `json:"run_id"`
	Timestamp    time.Time        `json:"timestamp"`
	Success      bool             `json:"success"`
	TotalDeleted int              `json:"total_deleted"`
	Categories   []CategoryResult `json:"categories"`
}

// SchedulerConfig is the persisted cleanup schedule.
type SchedulerConfig struct {
	Categories   []string `json:"categories"`
	LookbackDays int      `json:"lookback_days"`
	CronSpec     string   `json:"cron_spec"`
}

// OutboxMessage is a pending event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun persists a run record, prunes history beyond the retention cap,
// and enqueues a run-completed event on the outbox, all in one transaction.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	categoriesJSON, err := json.Marshal(rec.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_records (run_id, ts, success, total_deleted, categories_json)
		VALUES (?, ?, ?, ?, ?)
	`, rec.RunID, rec.Timestamp.Unix(), rec.Success, rec.TotalDeleted, string(categoriesJSON))
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}

	// Keep only the most recent runs.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM run_records
		WHERE run_id NOT IN (
			SELECT run_id FROM run_records ORDER BY ts DESC, run_id DESC LIMIT ?
		)
	`, historyLimit)
	if err != nil {
		return fmt.Errorf("prune run history: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, "cleanup.run.completed", "run.completed", payload, rec.RunID, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	return tx.Commit()
}

// LastRun returns the most recent run record, or nil if none exist.
func (s *Store) LastRun(ctx context.Context) (*RunRecord, error) {
	recs, err := s.RunHistory(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// RunHistory returns up to limit run records, newest first.
func (s *Store) RunHistory(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, ts, success, total_deleted, categories_json
		FROM run_records
		ORDER BY ts DESC, run_id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run history: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var ts int64
		var categoriesJSON string
		if err := rows.Scan(&rec.RunID, &ts, &rec.Success, &rec.TotalDeleted, &categoriesJSON); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		if err := json.Unmarshal([]byte(categoriesJSON), &rec.Categories); err != nil {
			return nil, fmt.Errorf("unmarshal categories: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LoadSchedulerConfig returns the persisted schedule, or nil if none was
// saved yet.
func (s *Store) LoadSchedulerConfig(ctx context.Context) (*SchedulerConfig, error) {
	var categoriesJSON, cronSpec string
	var lookback int
	err := s.db.QueryRowContext(ctx, `
		SELECT categories_json, lookback_days, cron_spec FROM scheduler_config WHERE id = 1
	`).Scan(&categoriesJSON, &lookback, &cronSpec)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load scheduler config: %w", err)
	}

	cfg := &SchedulerConfig{LookbackDays: lookback, CronSpec: cronSpec}
	if err := json.Unmarshal([]byte(categoriesJSON), &cfg.Categories); err != nil {
		return nil, fmt.Errorf("unmarshal categories: %w", err)
	}
	return cfg, nil
}

// SaveSchedulerConfig upserts the schedule.
func (s *Store) SaveSchedulerConfig(ctx context.Context, cfg SchedulerConfig) error {
	categoriesJSON, err := json.Marshal(cfg.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduler_config (id, categories_json, lookback_days, cron_spec, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			categories_json = excluded.categories_json,
			lookback_days = excluded.lookback_days,
			cron_spec = excluded.cron_spec,
			updated_at = excluded.updated_at
	`, string(categoriesJSON), cfg.LookbackDays, cfg.CronSpec, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save scheduler config: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due for delivery.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as delivered.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules another delivery attempt after backoff.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}
