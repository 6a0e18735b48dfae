package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ─── Lease Schema ───────────────────────────────────────────────────────────

// LeaseMigrations returns the schema of named, expiring leases.
func LeaseMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS scrape_lease (
			name        TEXT PRIMARY KEY,
			holder      TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		)`,
	}
}

// ─── Lease Operations ───────────────────────────────────────────────────────

// AcquireLease takes the lease called name for holder. It succeeds when the
// lease is free or expired and reports false while someone else holds it.
func (db *DB) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := db.now()
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO scrape_lease (name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder      = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		WHERE scrape_lease.expires_at <= ?
	`, name, holder, formatTime(now), formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RenewLease pushes the expiry of holder's lease to ttl from now. It reports
// false when holder no longer holds the lease.
func (db *DB) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE scrape_lease SET expires_at = ?
		WHERE name = ? AND holder = ?
	`, formatTime(db.now().Add(ttl)), name, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLease frees the lease if holder still holds it.
func (db *DB) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM scrape_lease WHERE name = ? AND holder = ?`, name, holder)
	return err
}

// LeaseHolder returns the current unexpired holder, or "".
func (db *DB) LeaseHolder(ctx context.Context, name string) (string, error) {
	var holder string
	err := db.db.QueryRowContext(ctx, `
		SELECT holder FROM scrape_lease WHERE name = ? AND expires_at > ?
	`, name, formatTime(db.now())).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return holder, err
}
