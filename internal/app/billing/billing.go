// Package billing assigns transactions to card billing cycles.
//
// A cycle is labelled "YYYY-MM" by the month in which it is paid. Charges on or
// after the cycle start day roll into the next month's statement.
package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cardledger/cardledger/internal/domain"
)

// DefaultStartDay is the day of month a new cycle begins.
const DefaultStartDay = 10

// EffectiveCycle returns the cycle label for a transaction.
//
// When the settlement date is known and differs from the purchase date, the
// settlement date decides and only days strictly after startDay roll forward.
// Otherwise the purchase date decides and the start day itself rolls forward.
func EffectiveCycle(date time.Time, processed *time.Time, startDay int) string {
	if startDay < 1 {
		startDay = DefaultStartDay
	}
	anchor := date
	rollFrom := startDay
	if processed != nil && !processed.IsZero() {
		anchor = *processed
		if !sameDay(*processed, date) {
			rollFrom = startDay + 1
		}
	}
	y, m, d := anchor.Date()
	if d >= rollFrom {
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).Format("2006-01")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Cycle aggregates the rows of one billing cycle.
type Cycle struct {
	Label string          `json:"cycle"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// TxnCycle returns the cycle label of a ledger row.
func TxnCycle(t domain.Transaction, startDay int) string {
	return EffectiveCycle(t.Date, t.ProcessedDate, startDay)
}

// FilterCycle keeps the rows that belong to label.
func FilterCycle(txns []domain.Transaction, label string, startDay int) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range txns {
		if TxnCycle(t, startDay) == label {
			out = append(out, t)
		}
	}
	return out
}

// Summarize groups rows into cycles, newest first.
func Summarize(txns []domain.Transaction, startDay int) []Cycle {
	byLabel := make(map[string]*Cycle)
	for _, t := range txns {
		label := TxnCycle(t, startDay)
		c, ok := byLabel[label]
		if !ok {
			c = &Cycle{Label: label, Total: decimal.Zero}
			byLabel[label] = c
		}
		c.Count++
		c.Total = c.Total.Add(t.Amount)
	}
	out := make([]Cycle, 0, len(byLabel))
	for _, c := range byLabel {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label > out[j].Label })
	return out
}
