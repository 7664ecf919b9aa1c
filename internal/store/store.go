// Package store persists the workflow ledger in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mediabot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.WorkflowLedger. Timestamps are unix
// milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) Begin(ctx context.Context, rec domain.WorkflowRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflows
		 (id, kind, message_id, channel_id, source_key, status, choice, thread_id, artifacts, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.MessageID, rec.ChannelID, rec.SourceKey, string(rec.Status),
		rec.Choice, rec.ThreadID, rec.Artifacts, rec.Error, created.UnixMilli(), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("begin workflow %s: %w", rec.ID, err)
	}
	return nil
}

// Finish records the outcome. A workflow whose Begin was lost is inserted.
func (s *SQLiteStore) Finish(ctx context.Context, rec domain.WorkflowRecord) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, choice = ?, thread_id = ?, artifacts = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(rec.Status), rec.Choice, rec.ThreadID, rec.Artifacts, rec.Error, now, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("finish workflow %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("finishing unknown workflow, inserting", "id", rec.ID)
		return s.Begin(ctx, rec)
	}
	return nil
}

// SeenSince reports whether sourceKey was processed, or is being processed,
// since the given time. Failed and withdrawn workflows do not count.
func (s *SQLiteStore) SeenSince(ctx context.Context, sourceKey string, since time.Time) (bool, error) {
	if sourceKey == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows
		 WHERE source_key = ? AND created_at >= ? AND status NOT IN (?, ?)`,
		sourceKey, since.UnixMilli(), string(domain.StatusFailed), string(domain.StatusWithdrawn),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query source %s: %w", sourceKey, err)
	}
	return n > 0, nil
}

// Get returns one record, or nil when id is unknown.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.WorkflowRecord, error) {
	var (
		rec              domain.WorkflowRecord
		kind, status     string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, message_id, channel_id, source_key, status, choice, thread_id, artifacts, error, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&rec.ID, &kind, &rec.MessageID, &rec.ChannelID, &rec.SourceKey, &status,
		&rec.Choice, &rec.ThreadID, &rec.Artifacts, &rec.Error, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	rec.Kind = domain.ContentKind(kind)
	rec.Status = domain.WorkflowStatus(status)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}

// Counts returns the number of records per status.
func (s *SQLiteStore) Counts(ctx context.Context) (map[domain.WorkflowStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflows GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.WorkflowStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.WorkflowStatus(status)] = n
	}
	return out, rows.Err()
}

// Prune deletes finished records last updated before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE updated_at < ? AND status != ?`,
		cutoff.UnixMilli(), string(domain.StatusInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("prune workflows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
