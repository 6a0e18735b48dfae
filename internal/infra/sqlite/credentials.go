package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cardledger/cardledger/internal/domain"
)

// ErrNoSealer is returned by credential operations when no Sealer is set.
var ErrNoSealer = errors.New("credential vault not configured")

// ─── Credential Schema ──────────────────────────────────────────────────────

// CredentialMigrations returns the credential schema. Secret fields are
// stored only in sealed form.
func CredentialMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id             TEXT PRIMARY KEY,
			vendor         TEXT NOT NULL,
			nickname       TEXT NOT NULL DEFAULT '',
			secret         BLOB NOT NULL,
			last_synced_at TEXT,
			created_at     TEXT NOT NULL
		)`,
	}
}

// ─── Credential Operations ──────────────────────────────────────────────────

// AddCredential validates c against the vendor catalogue, seals its fields
// and stores it under a new id.
func (db *DB) AddCredential(ctx context.Context, c domain.Credential) (*domain.Credential, error) {
	if db.sealer == nil {
		return nil, ErrNoSealer
	}
	v, ok := domain.LookupVendor(c.Vendor)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownVendor, c.Vendor)
	}
	if missing := v.MissingFields(c.Fields); len(missing) > 0 {
		return nil, fmt.Errorf("missing credential fields: %s", strings.Join(missing, ", "))
	}

	plain, err := json.Marshal(c.Fields)
	if err != nil {
		return nil, err
	}
	sealed, err := db.sealer.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	c.ID = uuid.NewString()
	c.CreatedAt = db.now().UTC()
	c.LastSyncedAt = nil
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO credentials (id, vendor, nickname, secret, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.Vendor, c.Nickname, sealed, formatTime(c.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return &c, nil
}

// ListCredentials returns every credential with its fields opened.
func (db *DB) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	return db.queryCredentials(ctx, true, `SELECT id, vendor, nickname, secret, last_synced_at, created_at
		FROM credentials ORDER BY created_at, id`)
}

// ListCredentialSummaries returns credentials without opening their secrets.
func (db *DB) ListCredentialSummaries(ctx context.Context) ([]domain.Credential, error) {
	return db.queryCredentials(ctx, false, `SELECT id, vendor, nickname, secret, last_synced_at, created_at
		FROM credentials ORDER BY created_at, id`)
}

// GetCredential returns one credential or domain.ErrCredentialNotFound.
func (db *DB) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	out, err := db.queryCredentials(ctx, true, `SELECT id, vendor, nickname, secret, last_synced_at, created_at
		FROM credentials WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	return &out[0], nil
}

// MarkSynced stamps the last successful sync of a credential.
func (db *DB) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := db.db.ExecContext(ctx, `UPDATE credentials SET last_synced_at = ? WHERE id = ?`, formatTime(at), id)
	return err
}

// DeleteCredential removes a credential and releases its card claims so
// another credential can take those cards over.
func (db *DB) DeleteCredential(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM card_ownership WHERE credential_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) queryCredentials(ctx context.Context, open bool, q string, args ...any) ([]domain.Credential, error) {
	if open && db.sealer == nil {
		return nil, ErrNoSealer
	}
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var (
			c       domain.Credential
			secret  []byte
			synced  sql.NullString
			created string
		)
		if err := rows.Scan(&c.ID, &c.Vendor, &c.Nickname, &secret, &synced, &created); err != nil {
			return nil, err
		}
		c.LastSyncedAt = nullTime(synced)
		c.CreatedAt = parseTime(created)
		if open {
			plain, err := db.sealer.Open(secret)
			if err != nil {
				return nil, fmt.Errorf("open credential %s: %w", c.ID, err)
			}
			if err := json.Unmarshal(plain, &c.Fields); err != nil {
				return nil, fmt.Errorf("decode credential %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
