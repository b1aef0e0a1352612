package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a single SQLite database in WAL mode.
// SQLite serializes writers, which is what makes CompareAndSwap atomic.
type SQLite struct {
	db   *sql.DB
	done chan struct{}
	wg   sync.WaitGroup
}

var _ Store = (*SQLite)(nil)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
`

// NewSQLite opens (or creates) the state database at path and starts the
// background expiry sweep.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	if _, err := db.Exec(createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}

	s := &SQLite{
		db:   db,
		done: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return s, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if expires.Valid && !expires.Time.After(time.Now().UTC()) {
		return nil, false, nil
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)`,
		key, value, expiry(ttl), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap implements Store. A nil old creates the key only when it
// is absent (or expired).
func (s *SQLite) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()

	if old == nil {
		// Clear an expired row first so the insert can land.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`, key, now,
		); err != nil {
			return false, fmt.Errorf("cas purge %s: %w", key, err)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO kv (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, new, expiry(ttl), now,
		)
		if err != nil {
			return false, fmt.Errorf("cas insert %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		return n == 1, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE kv SET value = ?, expires_at = ?, updated_at = ?
		 WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		new, expiry(ttl), now, key, old, now,
	)
	if err != nil {
		return false, fmt.Errorf("cas %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix implements Store.
func (s *SQLite) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key LIKE ? AND (expires_at IS NULL OR expires_at > ?)`,
		prefix+"%", time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return res.RowsAffected()
}

// List implements Store.
func (s *SQLite) List(ctx context.Context, prefix string) ([]KV, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv
		 WHERE key LIKE ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		prefix+"%", time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Close stops the sweep goroutine and closes the database.
func (s *SQLite) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLite) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`,
				time.Now().UTC())
		}
	}
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl)
}
