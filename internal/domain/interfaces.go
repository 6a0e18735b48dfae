package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// OTPRetriever blocks until the user supplies a one-time code or ctx ends.
type OTPRetriever func(ctx context.Context) (string, error)

// ScrapeRequest is the input of one scraper session.
type ScrapeRequest struct {
	Credential Credential
	Options    ScrapeOptions
	// OTP is invoked when the institution demands a one-time code.
	OTP OTPRetriever
	// Progress receives free-form status lines from the session. May be nil.
	Progress func(phase Phase, message string)
}

// Scraper abstracts the external scraping engine (headless browser session).
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResult, error)
}

// LedgerStore persists deduplicated transactions.
type LedgerStore interface {
	UpsertTransaction(ctx context.Context, txn Transaction) (UpsertOutcome, error)
	ListTransactions(ctx context.Context, filter TxnFilter) ([]Transaction, error)
	LearnedCategories(ctx context.Context) (map[string]string, error)
}

// TxnFilter narrows ListTransactions. Zero values match everything.
type TxnFilter struct {
	Vendor string
	From   time.Time
	To     time.Time
	Limit  int
}

// OwnershipStore records which credential owns each card.
type OwnershipStore interface {
	// ClaimCard inserts the claim if absent and returns the resulting owner.
	ClaimCard(ctx context.Context, vendor, accountNumber, credentialID string) (owner string, err error)
	// CardOwner returns "" when the card is unclaimed.
	CardOwner(ctx context.Context, vendor, accountNumber string) (string, error)
	ListClaims(ctx context.Context, vendor string) ([]CardOwnership, error)
}

// AuditStore is the append-only scrape event log.
type AuditStore interface {
	StartEvent(ctx context.Context, ev ScrapeEvent) (int64, error)
	UpdateAttempts(ctx context.Context, id int64, attempts int) error
	FinishEvent(ctx context.Context, id int64, status ScrapeStatus, message string, summary ScrapeSummary, dur time.Duration) error
	LastSuccess(ctx context.Context, vendor string) (*time.Time, error)
	ListEvents(ctx context.Context, limit int) ([]ScrapeEvent, error)
}

// CredentialStore holds institution logins.
type CredentialStore interface {
	ListCredentials(ctx context.Context) ([]Credential, error)
	GetCredential(ctx context.Context, id string) (*Credential, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// RuleStore holds user-authored categorization rules.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]CategorizationRule, error)
}

// ProgressSink receives progress events for observers.
type ProgressSink interface {
	Emit(ev ProgressEvent)
}
