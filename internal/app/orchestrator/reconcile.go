package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/app/categorize"
	"github.com/cardledger/cardledger/internal/app/identity"
	"github.com/cardledger/cardledger/internal/app/ownership"
	"github.com/cardledger/cardledger/internal/domain"
)

// Reconciler writes one successful scrape result into the ledger.
type Reconciler struct {
	ledger   domain.LedgerStore
	owners   *ownership.Registry
	resolver *categorize.Resolver
	loc      *time.Location
}

// NewReconciler creates a reconciler. Dates are truncated to calendar days
// in loc before hashing and storage.
func NewReconciler(ledger domain.LedgerStore, owners *ownership.Registry, resolver *categorize.Resolver, loc *time.Location) *Reconciler {
	if loc == nil {
		loc = time.UTC
	}
	return &Reconciler{ledger: ledger, owners: owners, resolver: resolver, loc: loc}
}

// Reconcile applies ownership per card, then identity and categorization per
// transaction, and upserts. Cards owned by another credential are skipped
// whole and reported in SkippedCards.
func (r *Reconciler) Reconcile(ctx context.Context, cred domain.Credential, res *domain.ScrapeResult) (domain.ScrapeSummary, error) {
	var sum domain.ScrapeSummary
	if res == nil {
		return sum, nil
	}
	snap, err := r.resolver.Snapshot(ctx)
	if err != nil {
		return sum, err
	}

	for _, acct := range res.Accounts {
		dec, err := r.owners.Admit(ctx, cred.Vendor, acct.AccountNumber, cred.ID)
		if err != nil {
			return sum, err
		}
		if !dec.Allowed {
			sum.Skipped += len(acct.Txns)
			sum.SkippedCards = append(sum.SkippedCards, acct.AccountNumber)
			continue
		}

		for _, raw := range acct.Txns {
			sum.Fetched++
			txn := r.toLedger(cred, acct.AccountNumber, raw, snap)
			out, err := r.ledger.UpsertTransaction(ctx, txn)
			if err != nil {
				return sum, fmt.Errorf("upsert %s: %w", txn.Identifier, err)
			}
			switch out {
			case domain.OutcomeInserted:
				sum.Saved++
			case domain.OutcomeDuplicate:
				sum.Duplicate++
			case domain.OutcomeEnriched:
				sum.Updated++
			}
		}
	}
	return sum, nil
}

func (r *Reconciler) toLedger(cred domain.Credential, accountNumber string, raw domain.RawTxn, snap *categorize.Snapshot) domain.Transaction {
	raw.Date = r.day(raw.Date)
	var processed *time.Time
	if raw.ProcessedDate != nil && !raw.ProcessedDate.IsZero() {
		p := r.day(*raw.ProcessedDate)
		processed = &p
	}
	raw.ProcessedDate = processed

	key := identity.NormalizeDescription(raw.Description)
	res := snap.Resolve(categorize.Input{
		Vendor:          cred.Vendor,
		Description:     raw.Description,
		DescriptionKey:  key,
		ScraperCategory: raw.Category,
	})

	status := raw.Status
	if status == "" {
		status = domain.StatusCompleted
	}

	txn := domain.Transaction{
		Identifier:       identity.Compute(cred.Vendor, accountNumber, raw),
		Vendor:           cred.Vendor,
		Date:             raw.Date,
		ProcessedDate:    processed,
		Name:             strings.TrimSpace(raw.Description),
		DescriptionKey:   key,
		Memo:             raw.Memo,
		Amount:           raw.Amount(),
		OriginalAmount:   decimal.NewFromFloat(raw.OriginalAmount),
		OriginalCurrency: raw.OriginalCurrency,
		ChargedCurrency:  raw.ChargedCurrency,
		Category:         res.Category,
		CategorySource:   res.Source,
		AccountNumber:    strings.TrimSpace(accountNumber),
		Status:           status,
		CredentialID:     cred.ID,
	}
	if raw.Installments != nil && raw.Installments.Total > 0 {
		n, total := raw.Installments.Number, raw.Installments.Total
		txn.InstallmentNumber = &n
		txn.InstallmentTotal = &total
	}
	return txn
}

// day returns the calendar day of t in the reconciler's zone as midnight UTC.
func (r *Reconciler) day(t time.Time) time.Time {
	y, m, d := t.In(r.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
