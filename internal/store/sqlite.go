package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fanguyun/edge-sentinel-sdk/internal/clock"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteQueue implements Queue on SQLite.
type SQLiteQueue struct {
	path   string
	logger *slog.Logger
	clock  clock.Clock

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewSQLiteQueue returns a queue backed by the database at path. The
// database is not opened until first use. An empty path is in-memory.
func NewSQLiteQueue(path string, logger *slog.Logger, clk clock.Clock) *SQLiteQueue {
	if path == "" {
		path = MemoryPath
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLiteQueue{path: path, logger: logger.With("component", "store"), clock: clk}
}

// Path returns the database location.
func (q *SQLiteQueue) Path() string {
	return q.path
}

// Init opens the database and runs migrations. A failed attempt is
// retried on the next call.
func (q *SQLiteQueue) Init(ctx context.Context) bool {
	_, err := q.conn(ctx)
	return err == nil
}

func (q *SQLiteQueue) conn(ctx context.Context) (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, fmt.Errorf("queue closed")
	}
	if q.db != nil {
		return q.db, nil
	}

	db, err := open(ctx, q.path)
	if err != nil {
		q.logger.Error("failed to open offline cache", "path", q.path, "error", err)
		return nil, err
	}
	q.db = db
	q.logger.Debug("offline cache opened", "path", q.path)
	return db, nil
}

func open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite is single-writer, and an in-memory database only exists
	// on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if path != MemoryPath {
		if err := setSecureFilePermissions(path); err != nil {
			_ = err // best effort
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// setSecureFilePermissions restricts the cache to its owner. The cache
// holds redacted but still user-identifying payloads.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1,
	}

	for i := version; i < len(migrations); i++ {
		if _, err := db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := db.ExecContext(ctx, "UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS cached_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	data TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cached_items_timestamp ON cached_items(timestamp);
`

// Save appends v.
func (q *SQLiteQueue) Save(ctx context.Context, v any) bool {
	db, err := q.conn(ctx)
	if err != nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		q.logger.Warn("failed to encode cached item", "error", err)
		return false
	}

	_, err = db.ExecContext(ctx,
		"INSERT INTO cached_items (data, timestamp, retry_count) VALUES (?, ?, 0)",
		string(data), clock.Millis(q.clock.Now()),
	)
	if err != nil {
		q.logger.Error("failed to save cached item", "error", err)
		return false
	}
	return true
}

// GetBatch returns up to limit items ordered by timestamp, then id.
func (q *SQLiteQueue) GetBatch(ctx context.Context, limit int) []CachedItem {
	if limit <= 0 {
		return nil
	}
	db, err := q.conn(ctx)
	if err != nil {
		return nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, data, timestamp, retry_count
		FROM cached_items ORDER BY timestamp ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		q.logger.Error("failed to read cached items", "error", err)
		return nil
	}
	defer rows.Close()

	var items []CachedItem
	for rows.Next() {
		var item CachedItem
		var data string
		if err := rows.Scan(&item.ID, &data, &item.Timestamp, &item.RetryCount); err != nil {
			q.logger.Error("failed to scan cached item", "error", err)
			return nil
		}
		item.Data = json.RawMessage(data)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		q.logger.Error("failed to iterate cached items", "error", err)
		return nil
	}
	return items
}

// Remove deletes ids atomically.
func (q *SQLiteQueue) Remove(ctx context.Context, ids []int64) bool {
	if len(ids) == 0 {
		return true
	}
	db, err := q.conn(ctx)
	if err != nil {
		return false
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		q.logger.Error("failed to begin remove", "error", err)
		return false
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cached_items WHERE id IN ("+placeholders+")", args...); err != nil {
		q.logger.Error("failed to remove cached items", "count", len(ids), "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		q.logger.Error("failed to commit remove", "error", err)
		return false
	}
	return true
}

// IncrementRetry bumps the retry count of id. False if id is unknown.
func (q *SQLiteQueue) IncrementRetry(ctx context.Context, id int64) bool {
	db, err := q.conn(ctx)
	if err != nil {
		return false
	}
	res, err := db.ExecContext(ctx, "UPDATE cached_items SET retry_count = retry_count + 1 WHERE id = ?", id)
	if err != nil {
		q.logger.Error("failed to update retry count", "id", id, "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	return n == 1
}

// ClearExpired deletes items older than maxAge.
func (q *SQLiteQueue) ClearExpired(ctx context.Context, maxAge time.Duration) int64 {
	if maxAge <= 0 {
		return 0
	}
	cutoff := clock.Millis(q.clock.Now().Add(-maxAge))
	return q.deleteWhere(ctx, "expired", "DELETE FROM cached_items WHERE timestamp < ?", cutoff)
}

// TrimToSize keeps only the newest max items.
func (q *SQLiteQueue) TrimToSize(ctx context.Context, max int) int64 {
	if max <= 0 {
		return 0
	}
	return q.deleteWhere(ctx, "overflow", `
		DELETE FROM cached_items WHERE id IN (
			SELECT id FROM cached_items ORDER BY timestamp DESC, id DESC LIMIT -1 OFFSET ?
		)`, max)
}

// DropRetryExhausted deletes items retried more than maxRetries times.
func (q *SQLiteQueue) DropRetryExhausted(ctx context.Context, maxRetries int) int64 {
	if maxRetries <= 0 {
		return 0
	}
	return q.deleteWhere(ctx, "retry_exhausted", "DELETE FROM cached_items WHERE retry_count > ?", maxRetries)
}

func (q *SQLiteQueue) deleteWhere(ctx context.Context, reason, query string, args ...any) int64 {
	db, err := q.conn(ctx)
	if err != nil {
		return 0
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		q.logger.Error("failed to evict cached items", "reason", reason, "error", err)
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("evicted cached items", "reason", reason, "count", n)
	}
	return n
}

// Count returns the queue depth.
func (q *SQLiteQueue) Count(ctx context.Context) int {
	db, err := q.conn(ctx)
	if err != nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cached_items").Scan(&n); err != nil {
		q.logger.Error("failed to count cached items", "error", err)
		return 0
	}
	return n
}

// Clear deletes every item.
func (q *SQLiteQueue) Clear(ctx context.Context) bool {
	db, err := q.conn(ctx)
	if err != nil {
		return false
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM cached_items"); err != nil {
		q.logger.Error("failed to clear cached items", "error", err)
		return false
	}
	return true
}

// Close closes the database. Later calls fail gracefully.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}
