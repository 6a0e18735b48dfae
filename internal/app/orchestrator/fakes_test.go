package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/app/categorize"
	"github.com/cardledger/cardledger/internal/app/otp"
	"github.com/cardledger/cardledger/internal/app/ownership"
	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/infra/observability"
)

// ─── Scraper ────────────────────────────────────────────────────────────────

type scrapeFunc func(ctx context.Context, n int, req domain.ScrapeRequest) (*domain.ScrapeResult, error)

type fakeScraper struct {
	mu    sync.Mutex
	calls []domain.ScrapeRequest
	fn    scrapeFunc
}

func (f *fakeScraper) Scrape(ctx context.Context, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, n, req)
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult(accounts ...domain.AccountResult) *domain.ScrapeResult {
	return &domain.ScrapeResult{Success: true, Accounts: accounts}
}

// ─── Credentials ────────────────────────────────────────────────────────────

type memCreds struct {
	mu     sync.Mutex
	creds  []domain.Credential
	synced map[string]time.Time
}

func (m *memCreds) ListCredentials(context.Context) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Credential, len(m.creds))
	copy(out, m.creds)
	return out, nil
}

func (m *memCreds) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			cp := c
			return &cp, nil
		}
	}
	return nil, domain.ErrCredentialNotFound
}

func (m *memCreds) MarkSynced(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synced == nil {
		m.synced = make(map[string]time.Time)
	}
	m.synced[id] = at
	for i := range m.creds {
		if m.creds[i].ID == id {
			t := at
			m.creds[i].LastSyncedAt = &t
		}
	}
	return nil
}

// ─── Audit ──────────────────────────────────────────────────────────────────

type memAudit struct {
	mu     sync.Mutex
	events []domain.ScrapeEvent
}

func (m *memAudit) StartEvent(_ context.Context, ev domain.ScrapeEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *memAudit) UpdateAttempts(_ context.Context, id int64, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[id-1].AttemptCount = attempts
	return nil
}

func (m *memAudit) FinishEvent(_ context.Context, id int64, status domain.ScrapeStatus, msg string, sum domain.ScrapeSummary, dur time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &m.events[id-1]
	if ev.Status != domain.ScrapeStarted {
		return nil
	}
	ev.Status = status
	ev.Message = msg
	ev.Summary = sum
	ev.Duration = dur
	now := time.Now()
	ev.FinishedAt = &now
	return nil
}

func (m *memAudit) LastSuccess(_ context.Context, vendor string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, ev := range m.events {
		if ev.Vendor == vendor && ev.Status == domain.ScrapeSuccess && ev.FinishedAt != nil {
			if last == nil || ev.FinishedAt.After(*last) {
				last = ev.FinishedAt
			}
		}
	}
	return last, nil
}

func (m *memAudit) ListEvents(context.Context, int) ([]domain.ScrapeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ScrapeEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *memAudit) byScope(scope domain.ScrapeScope) []domain.ScrapeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ScrapeEvent
	for _, ev := range m.events {
		if ev.Scope == scope {
			out = append(out, ev)
		}
	}
	return out
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

type memLedger struct {
	mu   sync.Mutex
	rows map[string]domain.Transaction
}

func newMemLedger() *memLedger { return &memLedger{rows: make(map[string]domain.Transaction)} }

func (m *memLedger) UpsertTransaction(_ context.Context, txn domain.Transaction) (domain.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := txn.Identifier + "|" + txn.Vendor
	old, ok := m.rows[key]
	if !ok {
		m.rows[key] = txn
		return domain.OutcomeInserted, nil
	}
	changed := false
	if old.ProcessedDate == nil && txn.ProcessedDate != nil {
		old.ProcessedDate = txn.ProcessedDate
		changed = true
	}
	if domain.IsUnsetCategory(old.Category) && old.CategorySource != domain.SourceManual && !domain.IsUnsetCategory(txn.Category) {
		old.Category = txn.Category
		old.CategorySource = txn.CategorySource
		changed = true
	}
	m.rows[key] = old
	if changed {
		return domain.OutcomeEnriched, nil
	}
	return domain.OutcomeDuplicate, nil
}

func (m *memLedger) ListTransactions(context.Context, domain.TxnFilter) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Transaction, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (m *memLedger) LearnedCategories(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (m *memLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// ─── Ownership ──────────────────────────────────────────────────────────────

type memOwners struct {
	mu     sync.Mutex
	claims []domain.CardOwnership
}

func (m *memOwners) ClaimCard(_ context.Context, vendor, acct, cred string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.Vendor == vendor && c.AccountNumber == acct {
			return c.CredentialID, nil
		}
	}
	m.claims = append(m.claims, domain.CardOwnership{Vendor: vendor, AccountNumber: acct, CredentialID: cred})
	return cred, nil
}

func (m *memOwners) CardOwner(_ context.Context, vendor, acct string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.claims {
		if c.Vendor == vendor && c.AccountNumber == acct {
			return c.CredentialID, nil
		}
	}
	return "", nil
}

func (m *memOwners) ListClaims(_ context.Context, vendor string) ([]domain.CardOwnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CardOwnership
	for _, c := range m.claims {
		if c.Vendor == vendor {
			out = append(out, c)
		}
	}
	return out, nil
}

type noRules struct{}

func (noRules) ActiveRules(context.Context) ([]domain.CategorizationRule, error) { return nil, nil }

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	o       *Orchestrator
	scraper *fakeScraper
	creds   *memCreds
	audit   *memAudit
	ledger  *memLedger
	owners  *memOwners
	broker  *otp.Broker

	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, fn scrapeFunc, creds ...domain.Credential) *harness {
	t.Helper()
	h := &harness{
		scraper: &fakeScraper{fn: fn},
		creds:   &memCreds{creds: creds},
		audit:   &memAudit{},
		ledger:  newMemLedger(),
		owners:  &memOwners{},
		broker:  otp.NewBroker(time.Minute, nil),
	}
	rec := NewReconciler(h.ledger, ownership.New(h.owners), categorize.NewResolver(h.ledger, noRules{}), time.UTC)
	h.o = New(DefaultConfig(), Deps{
		Scraper:     h.scraper,
		Credentials: h.creds,
		Audit:       h.audit,
		Owners:      h.owners,
		Reconciler:  rec,
		Broker:      h.broker,
		Tracer:      observability.NewTracer(0),
		Log:         zerolog.Nop(),
	})
	h.o.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]time.Duration, len(h.sleeps))
	copy(out, h.sleeps)
	return out
}

func cred(id, vendor string) domain.Credential {
	return domain.Credential{
		ID:     id,
		Vendor: vendor,
		Fields: map[string]string{"username": "u", "password": "p", "id": "1", "card6Digits": "123456", "userCode": "u"},
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// collect records every event emitted to it.
type collect struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (c *collect) Emit(ev domain.ProgressEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collect) steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Step
	}
	return out
}
