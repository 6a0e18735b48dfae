package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the transaction ledger schema.
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			identifier         TEXT NOT NULL,
			vendor             TEXT NOT NULL,
			date               TEXT NOT NULL,
			processed_date     TEXT,
			name               TEXT NOT NULL,
			description_key    TEXT NOT NULL DEFAULT '',
			memo               TEXT,
			price              TEXT NOT NULL,
			original_amount    TEXT NOT NULL DEFAULT '0',
			original_currency  TEXT,
			charged_currency   TEXT,
			category           TEXT,
			category_source    TEXT NOT NULL DEFAULT 'none',
			installment_number INTEGER,
			installment_total  INTEGER,
			account_number     TEXT,
			status             TEXT NOT NULL DEFAULT 'completed',
			credential_id      TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			PRIMARY KEY (identifier, vendor)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_desc ON transactions(description_key)`,
	}
}

const txnColumns = `identifier, vendor, date, processed_date, name, description_key, memo,
	price, original_amount, original_currency, charged_currency, category, category_source,
	installment_number, installment_total, account_number, status, credential_id,
	created_at, updated_at`

// ─── Upsert ─────────────────────────────────────────────────────────────────

// UpsertTransaction inserts txn or enriches the stored row with the same
// (identifier, vendor). Enrichment only fills a missing processed date and
// replaces an unset, non-manual category. Nothing else is ever overwritten.
func (db *DB) UpsertTransaction(ctx context.Context, txn domain.Transaction) (domain.UpsertOutcome, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var (
		processed sql.NullString
		category  sql.NullString
		source    string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT processed_date, category, category_source
		FROM transactions WHERE identifier = ? AND vendor = ?
	`, txn.Identifier, txn.Vendor).Scan(&processed, &category, &source)

	outcome := domain.OutcomeInserted
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		fillsDate := (!processed.Valid || processed.String == "") && txn.ProcessedDate != nil
		fillsCategory := domain.IsUnsetCategory(category.String) &&
			domain.CategorySource(source) != domain.SourceManual &&
			!domain.IsUnsetCategory(txn.Category)
		if !fillsDate && !fillsCategory {
			return domain.OutcomeDuplicate, nil
		}
		outcome = domain.OutcomeEnriched
	}

	now := formatTime(db.now())
	var processedArg any
	if txn.ProcessedDate != nil {
		processedArg = txn.ProcessedDate.Format(domain.DateLayout)
	}
	source = string(txn.CategorySource)
	if source == "" {
		source = string(domain.SourceNone)
	}
	status := txn.Status
	if status == "" {
		status = domain.StatusCompleted
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier, vendor) DO UPDATE SET
			processed_date = COALESCE(transactions.processed_date, excluded.processed_date),
			category = CASE
				WHEN (transactions.category IS NULL OR transactions.category IN ('', 'Uncategorized'))
					AND transactions.category_source != 'manual'
					AND excluded.category IS NOT NULL AND excluded.category NOT IN ('', 'Uncategorized')
				THEN excluded.category ELSE transactions.category END,
			category_source = CASE
				WHEN (transactions.category IS NULL OR transactions.category IN ('', 'Uncategorized'))
					AND transactions.category_source != 'manual'
					AND excluded.category IS NOT NULL AND excluded.category NOT IN ('', 'Uncategorized')
				THEN excluded.category_source ELSE transactions.category_source END,
			updated_at = excluded.updated_at
	`,
		txn.Identifier, txn.Vendor, txn.Date.Format(domain.DateLayout), processedArg,
		txn.Name, txn.DescriptionKey, nullString(txn.Memo),
		txn.Amount.String(), txn.OriginalAmount.String(),
		nullString(txn.OriginalCurrency), nullString(txn.ChargedCurrency),
		nullString(txn.Category), source,
		txn.InstallmentNumber, txn.InstallmentTotal,
		nullString(txn.AccountNumber), string(status), nullString(txn.CredentialID),
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return outcome, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// ListTransactions returns rows newest first.
func (db *DB) ListTransactions(ctx context.Context, f domain.TxnFilter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, f.Vendor)
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.From.Format(domain.DateLayout))
	}
	if !f.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, f.To.Format(domain.DateLayout))
	}
	q := `SELECT ` + txnColumns + ` FROM transactions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY date DESC, identifier`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return db.queryTransactions(ctx, q, args...)
}

// GetTransaction returns one row, or nil when absent.
func (db *DB) GetTransaction(ctx context.Context, identifier, vendor string) (*domain.Transaction, error) {
	rows, err := db.queryTransactions(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE identifier = ? AND vendor = ?`, identifier, vendor)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// LearnedCategories maps each normalized description to the category most
// often assigned to it. Placeholder categories are not learned.
func (db *DB) LearnedCategories(ctx context.Context) (map[string]string, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT description_key, category, COUNT(*) AS n
		FROM transactions
		WHERE description_key != ''
			AND category IS NOT NULL AND category NOT IN ('', 'Uncategorized', 'Bank')
		GROUP BY description_key, category
		ORDER BY description_key, n DESC, MAX(updated_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query learned categories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, cat string
		var n int
		if err := rows.Scan(&key, &cat, &n); err != nil {
			return nil, err
		}
		if _, seen := out[key]; !seen {
			out[key] = cat
		}
	}
	return out, rows.Err()
}

// ─── Recategorization ───────────────────────────────────────────────────────

// RuleCandidates lists rows rules may recategorize: never manual ones or the
// fixed bank category, and only unset ones unless overwrite.
func (db *DB) RuleCandidates(ctx context.Context, overwrite bool) ([]domain.Transaction, error) {
	q := `SELECT ` + txnColumns + ` FROM transactions
		WHERE category_source != 'manual' AND COALESCE(category, '') != '` + domain.CategoryBank + `'`
	if !overwrite {
		q += ` AND (category IS NULL OR category IN ('', 'Uncategorized'))`
	}
	return db.queryTransactions(ctx, q+` ORDER BY date`)
}

// SetRuleCategory assigns a rule category unless the row was set manually.
func (db *DB) SetRuleCategory(ctx context.Context, identifier, vendor, category string) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE transactions SET category = ?, category_source = 'rule', updated_at = ?
		WHERE identifier = ? AND vendor = ? AND category_source != 'manual'
	`, category, formatTime(db.now()), identifier, vendor)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetManualCategory records a user's category choice. Manual categories are
// never overwritten by scrapes or rules.
func (db *DB) SetManualCategory(ctx context.Context, identifier, vendor, category string) (bool, error) {
	res, err := db.db.ExecContext(ctx, `
		UPDATE transactions SET category = ?, category_source = 'manual', updated_at = ?
		WHERE identifier = ? AND vendor = ?
	`, category, formatTime(db.now()), identifier, vendor)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) queryTransactions(ctx context.Context, q string, args ...any) ([]domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t                                   domain.Transaction
			date, price, orig                   string
			processed, memo, origCur, chargeCur sql.NullString
			category, acct, credID              sql.NullString
			source, status, created, updated    string
			instN, instT                        sql.NullInt64
		)
		if err := rows.Scan(&t.Identifier, &t.Vendor, &date, &processed, &t.Name, &t.DescriptionKey, &memo,
			&price, &orig, &origCur, &chargeCur, &category, &source,
			&instN, &instT, &acct, &status, &credID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Date, _ = time.Parse(domain.DateLayout, date)
		if processed.Valid && processed.String != "" {
			p, err := time.Parse(domain.DateLayout, processed.String)
			if err == nil {
				t.ProcessedDate = &p
			}
		}
		t.Memo = memo.String
		t.Amount, _ = decimal.NewFromString(price)
		t.OriginalAmount, _ = decimal.NewFromString(orig)
		t.OriginalCurrency = origCur.String
		t.ChargedCurrency = chargeCur.String
		t.Category = category.String
		t.CategorySource = domain.CategorySource(source)
		if instN.Valid {
			n := int(instN.Int64)
			t.InstallmentNumber = &n
		}
		if instT.Valid {
			n := int(instT.Int64)
			t.InstallmentTotal = &n
		}
		t.AccountNumber = acct.String
		t.Status = domain.TxnStatus(status)
		t.CredentialID = credID.String
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}
