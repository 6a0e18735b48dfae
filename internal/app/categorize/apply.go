package categorize

import (
	"context"
	"fmt"

	"github.com/cardledger/cardledger/internal/domain"
)

// RecategorizeStore is the slice of the ledger the bulk re-apply needs.
type RecategorizeStore interface {
	// RuleCandidates lists non-manual, non-bank rows, or only
	// uncategorized ones unless overwrite is set.
	RuleCandidates(ctx context.Context, overwrite bool) ([]domain.Transaction, error)
	// SetRuleCategory updates a row unless its source is manual.
	SetRuleCategory(ctx context.Context, identifier, vendor, category string) (bool, error)
}

// ApplyReport counts the rows touched by a bulk re-apply.
type ApplyReport struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
}

// ApplyRules re-runs rule matching over stored rows. Rows with a manual
// category and bank vendor rows are never touched; already categorized rows
// are only rewritten when overwrite is set.
func (r *Resolver) ApplyRules(ctx context.Context, store RecategorizeStore, overwrite bool) (ApplyReport, error) {
	rules, err := r.rules.ActiveRules(ctx)
	if err != nil {
		return ApplyReport{}, fmt.Errorf("load rules: %w", err)
	}
	m := NewMatcher(rules)

	rows, err := store.RuleCandidates(ctx, overwrite)
	if err != nil {
		return ApplyReport{}, fmt.Errorf("list candidates: %w", err)
	}

	var rep ApplyReport
	for _, row := range rows {
		if row.CategorySource == domain.SourceManual || domain.IsBankVendor(row.Vendor) {
			continue
		}
		if !overwrite && !domain.IsUnsetCategory(row.Category) {
			continue
		}
		rep.Scanned++
		cat, ok := m.Match(row.Name)
		if !ok || cat == row.Category {
			continue
		}
		changed, err := store.SetRuleCategory(ctx, row.Identifier, row.Vendor, cat)
		if err != nil {
			return rep, fmt.Errorf("update %s: %w", row.Identifier, err)
		}
		if changed {
			rep.Updated++
		}
	}
	if rep.Updated > 0 {
		r.Invalidate()
	}
	return rep, nil
}
