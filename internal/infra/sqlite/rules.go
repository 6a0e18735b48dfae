package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Rule Schema ────────────────────────────────────────────────────────────

// RuleMigrations returns the categorization rule schema.
func RuleMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS categorization_rules (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern         TEXT NOT NULL UNIQUE,
			target_category TEXT NOT NULL,
			is_active       INTEGER NOT NULL DEFAULT 1,
			priority        INTEGER NOT NULL DEFAULT 100,
			created_at      TEXT NOT NULL
		)`,
	}
}

// ─── Rule Operations ────────────────────────────────────────────────────────

// SaveRule inserts a rule or updates the one with the same pattern.
func (db *DB) SaveRule(ctx context.Context, r domain.CategorizationRule) (int64, error) {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" || strings.TrimSpace(r.TargetCategory) == "" {
		return 0, fmt.Errorf("rule needs a pattern and a category")
	}
	var id int64
	err := db.db.QueryRowContext(ctx, `
		INSERT INTO categorization_rules (pattern, target_category, is_active, priority, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			target_category = excluded.target_category,
			is_active       = excluded.is_active,
			priority        = excluded.priority
		RETURNING id
	`, pattern, strings.TrimSpace(r.TargetCategory), boolInt(r.IsActive), r.Priority, formatTime(db.now())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save rule: %w", err)
	}
	return id, nil
}

// ListRules returns every rule in evaluation order.
func (db *DB) ListRules(ctx context.Context) ([]domain.CategorizationRule, error) {
	return db.queryRules(ctx, false)
}

// ActiveRules returns enabled rules in evaluation order.
func (db *DB) ActiveRules(ctx context.Context) ([]domain.CategorizationRule, error) {
	return db.queryRules(ctx, true)
}

// DeleteRule removes a rule by id.
func (db *DB) DeleteRule(ctx context.Context, id int64) (bool, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM categorization_rules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) queryRules(ctx context.Context, activeOnly bool) ([]domain.CategorizationRule, error) {
	q := `SELECT id, pattern, target_category, is_active, priority FROM categorization_rules`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	rows, err := db.db.QueryContext(ctx, q+` ORDER BY priority, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CategorizationRule
	for rows.Next() {
		var r domain.CategorizationRule
		var active int
		if err := rows.Scan(&r.ID, &r.Pattern, &r.TargetCategory, &active, &r.Priority); err != nil {
			return nil, err
		}
		r.IsActive = active == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
