// Package outbox is the durable send queue: unacknowledged outbound
// messages keyed by their temporary ID, persisted so a crash between
// enqueue and network acknowledgment never loses a message.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatsync/internal/domain"

	_ "modernc.org/sqlite"
)

// Store persists QueuedSend entries in SQLite. Every mutating call is
// flushed before it returns; at next startup the queue is reloaded and
// redrained.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create queue directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open queue database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		temp_id     TEXT PRIMARY KEY,
		payload     TEXT NOT NULL,
		retries     INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox(enqueued_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue persists the item keyed by its temporary ID.
func (s *Store) Enqueue(ctx context.Context, item domain.QueuedSend) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("cannot encode queued payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO outbox (temp_id, payload, retries, enqueued_at)
		 VALUES (?, ?, ?, ?)`,
		item.TempID, string(payload), item.Retries, item.EnqueuedAt.UnixNano(),
	)
	return err
}

// All returns every queued item in enqueue order (FIFO, preserving
// conversation ordering). A row whose payload no longer decodes is
// skipped with a warning rather than poisoning the whole queue; extra
// fields from newer client versions are ignored.
func (s *Store) All(ctx context.Context) ([]domain.QueuedSend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT temp_id, payload, retries, enqueued_at
		 FROM outbox ORDER BY enqueued_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueuedSend
	for rows.Next() {
		var (
			item     domain.QueuedSend
			payload  string
			enqueued int64
		)
		if err := rows.Scan(&item.TempID, &payload, &item.Retries, &enqueued); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			s.logger.Warn("dropping undecodable queue entry", "temp_id", item.TempID, "err", err)
			continue
		}
		item.EnqueuedAt = time.Unix(0, enqueued)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Remove deletes an entry on confirmed insert or permanent failure.
// Removing an unknown ID is not an error.
func (s *Store) Remove(ctx context.Context, tempID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

// Bump increments the retry counter and returns the new value.
func (s *Store) Bump(ctx context.Context, tempID string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET retries = retries + 1 WHERE temp_id = ?`, tempID)
	if err != nil {
		return 0, err
	}
	var retries int
	err = s.db.QueryRowContext(ctx,
		`SELECT retries FROM outbox WHERE temp_id = ?`, tempID).Scan(&retries)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("queue entry %s not found", tempID)
	}
	return retries, err
}

// Len returns the number of queued items.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
