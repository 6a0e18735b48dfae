// Package sqlite implements the persistence layer on an embedded SQLite file.
//
// One DB value serves every store interface of the domain: ledger,
// ownership, audit, rules, credentials and the scrape lease. Schema lives
// next to the operations of each feature as a list of idempotent statements.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Sealer encrypts credential secrets at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// DB wraps the SQLite connection.
type DB struct {
	db     *sql.DB
	sealer Sealer
	now    func() time.Time
}

// Open opens (or creates) the database at path and applies all migrations.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; upserts run in short transactions.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	d := &DB{db: conn, now: time.Now}
	if err := d.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return d, nil
}

// UseSealer sets the secret sealer for credential operations.
func (db *DB) UseSealer(s Sealer) { db.sealer = s }

// Close closes the underlying connection.
func (db *DB) Close() error { return db.db.Close() }

// Ping checks the connection.
func (db *DB) Ping() error { return db.db.Ping() }

func (db *DB) migrate() error {
	var stmts []string
	stmts = append(stmts, LedgerMigrations()...)
	stmts = append(stmts, OwnershipMigrations()...)
	stmts = append(stmts, AuditMigrations()...)
	stmts = append(stmts, RuleMigrations()...)
	stmts = append(stmts, CredentialMigrations()...)
	stmts = append(stmts, LeaseMigrations()...)
	for _, s := range stmts {
		if _, err := db.db.Exec(s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── Scan Helpers ───────────────────────────────────────────────────────────

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
