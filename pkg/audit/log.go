// Package audit persists allocation decisions to a dedicated SQLite
// database so admissions stay explainable after the fact.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/config"
	"github.com/KFP-SEAN/nerdx-apec-mvp-sub002/pkg/models"
)

// ErrDisabled is returned by queries when the decision log was not
// opened. Appends against a nil log are silent no-ops instead.
var ErrDisabled = errors.New("decision log disabled")

// Log writes and queries decision records. A nil *Log is valid and
// drops appends, so callers never guard the disabled case.
type Log struct {
	db   *sql.DB
	cfg  config.DecisionConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// Open creates the decision database and starts retention cleanup.
// Returns (nil, nil) when the log is disabled by configuration.
func Open(cfg config.DecisionConfig) (*Log, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open decision db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decision db: %w", err)
	}

	l := &Log{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}
	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS decision_log (
		id          TEXT PRIMARY KEY,
		task_id     TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		tier        TEXT NOT NULL,
		allocated   INTEGER NOT NULL,
		queued      INTEGER NOT NULL,
		reason      TEXT,
		score       REAL,
		utilization REAL,
		health      TEXT,
		created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decision_project ON decision_log(project_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decision_type ON decision_log(task_type)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decision_created ON decision_log(created_at)`)
	return err
}

// Append inserts one decision record, filling the id and timestamp when
// the caller left them empty.
func (l *Log) Append(ctx context.Context, rec models.DecisionRecord) error {
	if l == nil || l.db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()[:8]
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decision_log
		(id, task_id, project_id, task_type, tier, allocated, queued,
		 reason, score, utilization, health, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.ProjectID, rec.TaskType, string(rec.Tier),
		rec.Allocated, rec.Queued, rec.Reason, rec.Score, rec.Utilization,
		string(rec.Health), rec.CreatedAt,
	)
	return err
}

// Query returns decision records matching the given filters, newest
// first.
func (l *Log) Query(ctx context.Context, opts models.DecisionQueryOpts) ([]models.DecisionRecord, error) {
	if l == nil || l.db == nil {
		return nil, ErrDisabled
	}

	q := `SELECT id, task_id, project_id, task_type, tier, allocated, queued,
		reason, score, utilization, health, created_at
		FROM decision_log WHERE 1=1`
	var args []any

	if opts.ProjectID != "" {
		q += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.TaskType != "" {
		q += " AND task_type = ?"
		args = append(args, opts.TaskType)
	}
	if opts.Allocated != nil {
		q += " AND allocated = ?"
		args = append(args, *opts.Allocated)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since)
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var recs []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		var tier, health string
		var reason sql.NullString
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.ProjectID, &r.TaskType, &tier,
			&r.Allocated, &r.Queued, &reason, &r.Score, &r.Utilization,
			&health, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		r.Tier = models.Tier(tier)
		r.Health = models.BudgetHealth(health)
		r.Reason = reason.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Stats returns decision counts grouped by day and tier, with how many
// were admitted.
func (l *Log) Stats(ctx context.Context) ([]models.DecisionStat, error) {
	if l == nil || l.db == nil {
		return nil, ErrDisabled
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT date(created_at) as day, tier, count(*) as cnt,
		 sum(CASE WHEN allocated THEN 1 ELSE 0 END) as admitted
		 FROM decision_log GROUP BY day, tier ORDER BY day DESC, tier`)
	if err != nil {
		return nil, fmt.Errorf("decision stats: %w", err)
	}
	defer rows.Close()

	var stats []models.DecisionStat
	for rows.Next() {
		var s models.DecisionStat
		var day sql.NullString
		var tier string
		if err := rows.Scan(&day, &tier, &s.Count, &s.Admitted); err != nil {
			return nil, fmt.Errorf("scan decision stat: %w", err)
		}
		s.Day = day.String
		s.Tier = models.Tier(tier)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the configured retention period.
func (l *Log) Cleanup(ctx context.Context) (int64, error) {
	if l == nil || l.db == nil {
		return 0, ErrDisabled
	}
	cutoff := time.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM decision_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("decision cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Log) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}
