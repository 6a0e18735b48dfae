// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing
// except value libraries.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the date-only layout used for identity hashing and storage.
const DateLayout = "2006-01-02"

// ─── Categories ─────────────────────────────────────────────────────────────

// CategorySource records how a ledger row obtained its category.
type CategorySource string

const (
	SourceScraper CategorySource = "scraper"
	SourceRule    CategorySource = "rule"
	SourceManual  CategorySource = "manual"
	SourceCache   CategorySource = "cache"
	SourceNone    CategorySource = "none"
)

const (
	// CategoryBank is the fixed category of bank-originated rows.
	CategoryBank = "Bank"
	// CategoryUncategorized is the sentinel for "no category yet".
	CategoryUncategorized = "Uncategorized"
)

// IsUnsetCategory reports whether c counts as "no category" for enrichment.
func IsUnsetCategory(c string) bool {
	c = strings.TrimSpace(c)
	return c == "" || strings.EqualFold(c, CategoryUncategorized)
}

// ─── Scraper Payload ────────────────────────────────────────────────────────

// TxnStatus is the settlement state reported by the scraper.
type TxnStatus string

const (
	StatusPending   TxnStatus = "pending"
	StatusCompleted TxnStatus = "completed"
)

// Installments describes a payment split into numbered parts.
type Installments struct {
	Number int `json:"number"`
	Total  int `json:"total"`
}

// RawTxn is one transaction as returned by the external scraper session.
type RawTxn struct {
	Identifier       string        `json:"identifier,omitempty"`
	Date             time.Time     `json:"date"`
	ProcessedDate    *time.Time    `json:"processedDate,omitempty"`
	Description      string        `json:"description"`
	Memo             string        `json:"memo,omitempty"`
	ChargedAmount    float64       `json:"chargedAmount"`
	OriginalAmount   float64       `json:"originalAmount"`
	OriginalCurrency string        `json:"originalCurrency,omitempty"`
	ChargedCurrency  string        `json:"chargedCurrency,omitempty"`
	Category         string        `json:"category,omitempty"`
	Status           TxnStatus     `json:"status,omitempty"`
	Installments     *Installments `json:"installments,omitempty"`
}

// Amount returns the signed amount used for identity and storage: the charged
// amount, or the original amount when nothing was charged yet.
func (t RawTxn) Amount() decimal.Decimal {
	if t.ChargedAmount != 0 {
		return decimal.NewFromFloat(t.ChargedAmount)
	}
	return decimal.NewFromFloat(t.OriginalAmount)
}

// AccountResult is one card or bank account inside a scrape result.
type AccountResult struct {
	AccountNumber string   `json:"accountNumber"`
	Txns          []RawTxn `json:"txns"`
	Balance       *float64 `json:"balance,omitempty"`
}

// ScrapeResult is the outcome of one scraper session.
type ScrapeResult struct {
	Success      bool            `json:"success"`
	Accounts     []AccountResult `json:"accounts,omitempty"`
	ErrorType    string          `json:"errorType,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

// Transaction is a ledger row. (Identifier, Vendor) is unique.
type Transaction struct {
	Identifier        string          `json:"identifier"`
	Vendor            string          `json:"vendor"`
	Date              time.Time       `json:"date"`
	ProcessedDate     *time.Time      `json:"processed_date,omitempty"`
	Name              string          `json:"name"`
	DescriptionKey    string          `json:"-"`
	Memo              string          `json:"memo,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	OriginalAmount    decimal.Decimal `json:"original_amount"`
	OriginalCurrency  string          `json:"original_currency,omitempty"`
	ChargedCurrency   string          `json:"charged_currency,omitempty"`
	Category          string          `json:"category,omitempty"`
	CategorySource    CategorySource  `json:"category_source"`
	InstallmentNumber *int            `json:"installment_number,omitempty"`
	InstallmentTotal  *int            `json:"installment_total,omitempty"`
	AccountNumber     string          `json:"account_number,omitempty"`
	Status            TxnStatus       `json:"status"`
	CredentialID      string          `json:"credential_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// UpsertOutcome classifies what an upsert did to the ledger.
type UpsertOutcome int

const (
	OutcomeInserted  UpsertOutcome = iota // new row
	OutcomeDuplicate                      // identical row already stored, nothing changed
	OutcomeEnriched                       // existing row gained a processed date or category
)

// String returns the outcome label used in metrics and logs.
func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeInserted:
		return "saved"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeEnriched:
		return "updated"
	default:
		return "unknown"
	}
}

// CardOwnership binds a (vendor, account number) pair to one credential.
type CardOwnership struct {
	Vendor        string    `json:"vendor"`
	AccountNumber string    `json:"account_number"`
	CredentialID  string    `json:"credential_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// CategorizationRule maps a description pattern to a category.
// Rules are evaluated in ascending Priority; the first match wins.
type CategorizationRule struct {
	ID             int64  `json:"id"`
	Pattern        string `json:"pattern"`
	TargetCategory string `json:"target_category"`
	IsActive       bool   `json:"is_active"`
	Priority       int    `json:"priority"`
}

// Credential is a decrypted login for one institution.
type Credential struct {
	ID           string            `json:"id"`
	Vendor       string            `json:"vendor"`
	Nickname     string            `json:"nickname,omitempty"`
	Fields       map[string]string `json:"-"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ─── Audit ──────────────────────────────────────────────────────────────────

// ScrapeStatus is the lifecycle state of an audit entry.
type ScrapeStatus string

const (
	ScrapeStarted ScrapeStatus = "started"
	ScrapeSuccess ScrapeStatus = "success"
	ScrapeFailed  ScrapeStatus = "failed"
)

// ScrapeScope distinguishes per-account entries from batch-level entries.
type ScrapeScope string

const (
	ScopeAccount ScrapeScope = "account"
	ScopeBatch   ScrapeScope = "batch"
)

// ScrapeSummary holds reconciliation counts.
type ScrapeSummary struct {
	Fetched      int      `json:"fetched"`
	Saved        int      `json:"saved"`
	Duplicate    int      `json:"duplicate"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	SkippedCards []string `json:"skipped_cards,omitempty"`
}

// Add accumulates other into s.
func (s *ScrapeSummary) Add(other ScrapeSummary) {
	s.Fetched += other.Fetched
	s.Saved += other.Saved
	s.Duplicate += other.Duplicate
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.SkippedCards = append(s.SkippedCards, other.SkippedCards...)
}

// ScrapeEvent is one append-only audit entry.
type ScrapeEvent struct {
	ID           int64         `json:"id"`
	BatchID      string        `json:"batch_id"`
	Scope        ScrapeScope   `json:"scope"`
	TriggeredBy  string        `json:"triggered_by"`
	Vendor       string        `json:"vendor,omitempty"`
	CredentialID string        `json:"credential_id,omitempty"`
	StartDate    time.Time     `json:"start_date"`
	Status       ScrapeStatus  `json:"status"`
	Message      string        `json:"message,omitempty"`
	AttemptCount int           `json:"attempt_count"`
	Duration     time.Duration `json:"duration"`
	Summary      ScrapeSummary `json:"summary"`
	CreatedAt    time.Time     `json:"created_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// ─── Progress ───────────────────────────────────────────────────────────────

// Phase is the coarse stage a progress event belongs to.
type Phase string

const (
	PhaseInit           Phase = "init"
	PhaseConnecting     Phase = "connecting"
	PhaseAuthenticating Phase = "authenticating"
	PhaseOTP            Phase = "otp"
	PhaseFetching       Phase = "fetching"
	PhaseProcessing     Phase = "processing"
	PhaseSaving         Phase = "saving"
	PhaseRetry          Phase = "retry"
	PhaseComplete       Phase = "complete"
)

// ProgressEvent is one structured milestone emitted during a batch.
// Success is nil while the step is still in progress.
type ProgressEvent struct {
	BatchID      string         `json:"batch_id"`
	Step         string         `json:"step"`
	Message      string         `json:"message"`
	Percent      int            `json:"percent"`
	Phase        Phase          `json:"phase"`
	Success      *bool          `json:"success"`
	Vendor       string         `json:"vendor,omitempty"`
	CredentialID string         `json:"credential_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ScrapeOptions are passed through to the scraper session.
type ScrapeOptions struct {
	StartDate        time.Time `json:"startDate"`
	TriggeredBy      string    `json:"-"`
	ExcludedAccounts []string  `json:"excludedAccounts,omitempty"`
}
