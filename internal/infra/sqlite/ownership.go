package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Ownership Schema ───────────────────────────────────────────────────────

// OwnershipMigrations returns the card ownership schema. The primary key is
// the whole invariant: one owner per (vendor, account number), first wins.
func OwnershipMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS card_ownership (
			vendor         TEXT NOT NULL,
			account_number TEXT NOT NULL,
			credential_id  TEXT NOT NULL,
			claimed_at     TEXT NOT NULL,
			PRIMARY KEY (vendor, account_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_card_ownership_cred ON card_ownership(credential_id)`,
	}
}

// ─── Ownership Operations ───────────────────────────────────────────────────

// ClaimCard records credentialID as owner unless the card is already owned,
// then returns whoever owns it.
func (db *DB) ClaimCard(ctx context.Context, vendor, accountNumber, credentialID string) (string, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO card_ownership (vendor, account_number, credential_id, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(vendor, account_number) DO NOTHING
	`, vendor, accountNumber, credentialID, formatTime(db.now()))
	if err != nil {
		return "", fmt.Errorf("claim card: %w", err)
	}
	return db.CardOwner(ctx, vendor, accountNumber)
}

// CardOwner returns the owning credential id, or "" when unclaimed.
func (db *DB) CardOwner(ctx context.Context, vendor, accountNumber string) (string, error) {
	var owner string
	err := db.db.QueryRowContext(ctx, `
		SELECT credential_id FROM card_ownership WHERE vendor = ? AND account_number = ?
	`, vendor, strings.TrimSpace(accountNumber)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

// ListClaims returns the claims of one vendor, or all when vendor is empty.
func (db *DB) ListClaims(ctx context.Context, vendor string) ([]domain.CardOwnership, error) {
	q := `SELECT vendor, account_number, credential_id, claimed_at FROM card_ownership`
	var args []any
	if vendor != "" {
		q += ` WHERE vendor = ?`
		args = append(args, vendor)
	}
	rows, err := db.db.QueryContext(ctx, q+` ORDER BY vendor, account_number`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CardOwnership
	for rows.Next() {
		var c domain.CardOwnership
		var claimed string
		if err := rows.Scan(&c.Vendor, &c.AccountNumber, &c.CredentialID, &claimed); err != nil {
			return nil, err
		}
		c.ClaimedAt = parseTime(claimed)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReleaseClaims drops every claim held by credentialID.
func (db *DB) ReleaseClaims(ctx context.Context, credentialID string) (int, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM card_ownership WHERE credential_id = ?`, credentialID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
