package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Audit Schema ───────────────────────────────────────────────────────────

// AuditMigrations returns the scrape event log schema.
func AuditMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scrape_events (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id      TEXT NOT NULL,
			scope         TEXT NOT NULL,
			triggered_by  TEXT NOT NULL DEFAULT '',
			vendor        TEXT NOT NULL DEFAULT '',
			credential_id TEXT NOT NULL DEFAULT '',
			start_date    TEXT,
			status        TEXT NOT NULL,
			message       TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			summary       TEXT NOT NULL DEFAULT '{}',
			created_at    TEXT NOT NULL,
			finished_at   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scrape_events_vendor ON scrape_events(vendor, status, finished_at)`,
		`CREATE INDEX IF NOT EXISTS idx_scrape_events_batch ON scrape_events(batch_id)`,
	}
}

// ─── Audit Operations ───────────────────────────────────────────────────────

// StartEvent appends an entry and returns its id.
func (db *DB) StartEvent(ctx context.Context, ev domain.ScrapeEvent) (int64, error) {
	created := ev.CreatedAt
	if created.IsZero() {
		created = db.now()
	}
	status := ev.Status
	if status == "" {
		status = domain.ScrapeStarted
	}
	var start any
	if !ev.StartDate.IsZero() {
		start = ev.StartDate.Format(domain.DateLayout)
	}
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO scrape_events (batch_id, scope, triggered_by, vendor, credential_id, start_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.BatchID, string(ev.Scope), ev.TriggeredBy, ev.Vendor, ev.CredentialID, start, string(status), formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("insert scrape event: %w", err)
	}
	return res.LastInsertId()
}

// UpdateAttempts records the attempt counter of a running entry.
func (db *DB) UpdateAttempts(ctx context.Context, id int64, attempts int) error {
	_, err := db.db.ExecContext(ctx, `
		UPDATE scrape_events SET attempt_count = ? WHERE id = ? AND status = 'started'
	`, attempts, id)
	return err
}

// FinishEvent moves a started entry to its terminal status. Entries already
// finished are left untouched, so each entry changes state exactly once.
func (db *DB) FinishEvent(ctx context.Context, id int64, status domain.ScrapeStatus, message string, sum domain.ScrapeSummary, dur time.Duration) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = db.db.ExecContext(ctx, `
		UPDATE scrape_events
		SET status = ?, message = ?, summary = ?, duration_ms = ?, finished_at = ?
		WHERE id = ? AND status = 'started'
	`, string(status), message, string(raw), dur.Milliseconds(), formatTime(db.now()), id)
	return err
}

// LastSuccess returns when vendor last finished a successful account scrape.
func (db *DB) LastSuccess(ctx context.Context, vendor string) (*time.Time, error) {
	var finished sql.NullString
	err := db.db.QueryRowContext(ctx, `
		SELECT MAX(finished_at) FROM scrape_events
		WHERE vendor = ? AND scope = 'account' AND status = 'success'
	`, vendor).Scan(&finished)
	if err != nil {
		return nil, err
	}
	return nullTime(finished), nil
}

// ListEvents returns the newest entries first.
func (db *DB) ListEvents(ctx context.Context, limit int) ([]domain.ScrapeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, batch_id, scope, triggered_by, vendor, credential_id, start_date, status,
			message, attempt_count, duration_ms, summary, created_at, finished_at
		FROM scrape_events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScrapeEvent
	for rows.Next() {
		var (
			ev               domain.ScrapeEvent
			scope, status    string
			summary, created string
			start, finished  sql.NullString
			durMs            int64
		)
		if err := rows.Scan(&ev.ID, &ev.BatchID, &scope, &ev.TriggeredBy, &ev.Vendor, &ev.CredentialID,
			&start, &status, &ev.Message, &ev.AttemptCount, &durMs, &summary, &created, &finished); err != nil {
			return nil, err
		}
		ev.Scope = domain.ScrapeScope(scope)
		ev.Status = domain.ScrapeStatus(status)
		if start.Valid {
			ev.StartDate, _ = time.Parse(domain.DateLayout, start.String)
		}
		ev.Duration = time.Duration(durMs) * time.Millisecond
		_ = json.Unmarshal([]byte(summary), &ev.Summary)
		ev.CreatedAt = parseTime(created)
		ev.FinishedAt = nullTime(finished)
		out = append(out, ev)
	}
	return out, rows.Err()
}
