package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Retry Policy ───────────────────────────────────────────────────────────

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.Delay(200); got != 60*time.Second {
		t.Errorf("Delay(200) = %v, want cap", got)
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := DefaultRetryPolicy().Attempts(); got != 4 {
		t.Errorf("Attempts() = %d, want 4", got)
	}
	if got := (RetryPolicy{MaxRetries: -2}).Attempts(); got != 1 {
		t.Errorf("Attempts(negative) = %d, want 1", got)
	}
}

func TestContextSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ContextSleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("ContextSleep() = %v, want context.Canceled", err)
	}
}

// ─── Gate ───────────────────────────────────────────────────────────────────

func TestMemoryGate_SingleSlot(t *testing.T) {
	g := NewMemoryGate()
	release, err := g.TryAcquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}
	if _, err := g.TryAcquire(context.Background(), "b"); !errors.Is(err, domain.ErrConcurrency) {
		t.Errorf("second TryAcquire() = %v, want ErrConcurrency", err)
	}
	release()
	release() // idempotent
	r2, err := g.TryAcquire(context.Background(), "c")
	if err != nil {
		t.Fatalf("TryAcquire() after release error: %v", err)
	}
	r2()
}

type memLease struct {
	mu     sync.Mutex
	holder string
	until  time.Time
	renews int
}

func (m *memLease) AcquireLease(_ context.Context, _, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" && time.Now().Before(m.until) {
		return false, nil
	}
	m.holder, m.until = holder, time.Now().Add(ttl)
	return true, nil
}

func (m *memLease) RenewLease(_ context.Context, _, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != holder {
		return false, nil
	}
	m.until = time.Now().Add(ttl)
	m.renews++
	return true, nil
}

func (m *memLease) ReleaseLease(_ context.Context, _, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == holder {
		m.holder = ""
	}
	return nil
}

func TestLeaseGate(t *testing.T) {
	store := &memLease{}
	g := NewLeaseGate(store, "scrape", time.Minute)
	release, err := g.TryAcquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}
	if _, err := g.TryAcquire(context.Background(), "b"); !errors.Is(err, domain.ErrConcurrency) {
		t.Errorf("busy lease = %v, want ErrConcurrency", err)
	}
	release()
	release() // idempotent
	r2, err := g.TryAcquire(context.Background(), "b")
	if err != nil {
		t.Fatalf("TryAcquire() after release error: %v", err)
	}
	r2()
}

func TestLeaseGate_RenewsWhileHeld(t *testing.T) {
	store := &memLease{}
	ttl := 60 * time.Millisecond
	g := NewLeaseGate(store, "scrape", ttl)
	release, err := g.TryAcquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("TryAcquire() error: %v", err)
	}

	// Hold the lease well past its ttl; renewals must keep it.
	time.Sleep(4 * ttl)
	if _, err := g.TryAcquire(context.Background(), "b"); !errors.Is(err, domain.ErrConcurrency) {
		t.Errorf("TryAcquire() past ttl = %v, want ErrConcurrency", err)
	}

	release()
	store.mu.Lock()
	renews := store.renews
	store.mu.Unlock()
	if renews == 0 {
		t.Error("held lease was never renewed")
	}

	time.Sleep(2 * ttl)
	store.mu.Lock()
	after := store.renews
	store.mu.Unlock()
	if after != renews {
		t.Errorf("renewals continued after release: %d → %d", renews, after)
	}
}

// ─── Retry Loop ─────────────────────────────────────────────────────────────

func TestRun_RetryScheduleThenExhaustion(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return &domain.ScrapeResult{Success: false, ErrorType: "GENERIC", ErrorMessage: "page crashed"}, nil
	}, cred("c1", "max"))

	rep, err := h.o.Run(context.Background(), BatchRequest{TriggeredBy: "test"}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := h.scraper.callCount(); got != 4 {
		t.Errorf("scraper calls = %d, want 4", got)
	}
	sleeps := h.recordedSleeps()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}

	if rep.Status != domain.ScrapeFailed || rep.Failed != 1 {
		t.Errorf("report = %+v", rep)
	}
	acct := h.audit.byScope(domain.ScopeAccount)
	if len(acct) != 1 {
		t.Fatalf("account audit rows = %d, want 1", len(acct))
	}
	if acct[0].AttemptCount != 4 || acct[0].Status != domain.ScrapeFailed {
		t.Errorf("audit = %+v", acct[0])
	}
	if !strings.Contains(acct[0].Message, "tried 4 times") {
		t.Errorf("message %q should carry the retry hint", acct[0].Message)
	}
}

func TestRun_RecoversAfterRetry(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, _ domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		if n == 1 {
			return &domain.ScrapeResult{Success: false, ErrorType: "INVALID_PASSWORD"}, nil
		}
		return okResult(), nil
	}, cred("c1", "max"))

	rep, err := h.o.Run(context.Background(), BatchRequest{}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rep.Status != domain.ScrapeSuccess || rep.Accounts[0].Attempts != 2 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok := h.creds.synced["c1"]; !ok {
		t.Error("successful account should be marked synced")
	}
}

func TestRun_CredentialErrorMakesNoAttempt(t *testing.T) {
	bad := domain.Credential{ID: "c1", Vendor: "max", Fields: map[string]string{"username": "u"}}
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(), nil
	}, bad)

	rep, _ := h.o.Run(context.Background(), BatchRequest{}, nil)
	if h.scraper.callCount() != 0 {
		t.Errorf("scraper calls = %d, want 0", h.scraper.callCount())
	}
	if rep.Accounts[0].Attempts != 0 || !strings.Contains(rep.Accounts[0].Message, "password") {
		t.Errorf("account = %+v", rep.Accounts[0])
	}
}

func TestRun_ChallengeTimeoutNotRetried(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return nil, domain.ErrChallengeTimeout
	}, cred("c1", "visaCal"))

	rep, _ := h.o.Run(context.Background(), BatchRequest{}, nil)
	if h.scraper.callCount() != 1 {
		t.Errorf("scraper calls = %d, want 1", h.scraper.callCount())
	}
	if len(h.recordedSleeps()) != 0 {
		t.Errorf("no backoff expected, got %v", h.recordedSleeps())
	}
	if rep.Accounts[0].Status != domain.ScrapeFailed {
		t.Errorf("status = %s, want failed", rep.Accounts[0].Status)
	}
}

// ─── Batch ──────────────────────────────────────────────────────────────────

func TestRun_ConcurrencyRejected(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(), nil
	}, cred("c1", "max"))

	release, err := h.o.gate.TryAcquire(context.Background(), "other")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = h.o.Run(context.Background(), BatchRequest{}, nil)
	if !errors.Is(err, domain.ErrConcurrency) {
		t.Fatalf("Run() error = %v, want ErrConcurrency", err)
	}
	if h.scraper.callCount() != 0 {
		t.Error("rejected batch must not scrape")
	}
	batches := h.audit.byScope(domain.ScopeBatch)
	if len(batches) != 1 || batches[0].Status != domain.ScrapeFailed {
		t.Errorf("batch audit = %+v, want one failed row", batches)
	}

	if _, _, err := h.o.Start(context.Background(), BatchRequest{}); !errors.Is(err, domain.ErrConcurrency) {
		t.Errorf("Start() error = %v, want ErrConcurrency", err)
	}
}

func TestRun_NoAccounts(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.Run(context.Background(), BatchRequest{}, nil); !errors.Is(err, domain.ErrNoAccounts) {
		t.Errorf("Run() error = %v, want ErrNoAccounts", err)
	}
	// gate must be free again
	release, err := h.o.gate.TryAcquire(context.Background(), "x")
	if err != nil {
		t.Errorf("gate still held: %v", err)
	} else {
		release()
	}
}

func TestRun_PartialFailureContinues(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		if req.Credential.ID == "bad" {
			return &domain.ScrapeResult{Success: false, ErrorType: "MISSING_CREDENTIALS"}, nil
		}
		return okResult(domain.AccountResult{AccountNumber: "1111", Txns: []domain.RawTxn{
			{Date: day(2026, 1, 5), Description: "SUPER SOL", ChargedAmount: -120},
		}}), nil
	}, cred("bad", "max"), cred("good", "isracard"))

	rep, err := h.o.Run(context.Background(), BatchRequest{}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rep.Succeeded != 1 || rep.Failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 1/1", rep.Succeeded, rep.Failed)
	}
	if rep.Status != domain.ScrapeSuccess {
		t.Errorf("batch status = %s, want success on partial", rep.Status)
	}
	if h.ledger.count() != 1 {
		t.Errorf("ledger rows = %d, want 1", h.ledger.count())
	}
	sleeps := h.recordedSleeps()
	if len(sleeps) != 1 || sleeps[0] != DefaultConfig().RateLimitedDelay {
		t.Errorf("inter-account sleeps = %v, want one rate-limited pause", sleeps)
	}
	if len(h.audit.byScope(domain.ScopeAccount)) != 2 {
		t.Error("want one audit row per account")
	}
}

func TestRun_OldestSyncedFirst(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	old := time.Now().Add(-72 * time.Hour)
	a, b, c := cred("recent", "max"), cred("old", "max"), cred("never", "max")
	a.LastSyncedAt, b.LastSyncedAt = &recent, &old

	var order []string
	h := newHarness(t, func(_ context.Context, _ int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		order = append(order, req.Credential.ID)
		return okResult(), nil
	}, a, b, c)

	h.o.Run(context.Background(), BatchRequest{}, nil)
	want := []string{"never", "old", "recent"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRun_SuggestedStartDate(t *testing.T) {
	last := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	c := cred("c1", "max")
	c.LastSyncedAt = &last

	var got time.Time
	h := newHarness(t, func(_ context.Context, _ int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		got = req.Options.StartDate
		return okResult(), nil
	}, c)
	h.o.Run(context.Background(), BatchRequest{}, nil)

	if want := last.Add(-7 * 24 * time.Hour); !got.Equal(want) {
		t.Errorf("StartDate = %v, want %v", got, want)
	}
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

func TestRun_DuplicateOnSecondScrape(t *testing.T) {
	txn := domain.RawTxn{Date: day(2026, 1, 5), Description: "SUPER SOL", ChargedAmount: -120.00}
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(domain.AccountResult{AccountNumber: "4580", Txns: []domain.RawTxn{txn}}), nil
	}, cred("c1", "visaCal"))

	first, _ := h.o.Run(context.Background(), BatchRequest{}, nil)
	second, _ := h.o.Run(context.Background(), BatchRequest{}, nil)

	if first.Summary.Saved != 1 {
		t.Errorf("first scrape saved = %d, want 1", first.Summary.Saved)
	}
	if second.Summary.Duplicate != 1 || second.Summary.Saved != 0 {
		t.Errorf("second scrape = %+v, want duplicate=1 saved=0", second.Summary)
	}
}

func TestRun_ProcessedDateEnrichment(t *testing.T) {
	processed := day(2026, 2, 10)
	h := newHarness(t, func(_ context.Context, n int, _ domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		txn := domain.RawTxn{Date: day(2026, 1, 20), Description: "WOLT", ChargedAmount: -55}
		if n == 2 {
			txn.ProcessedDate = &processed
		}
		return okResult(domain.AccountResult{AccountNumber: "4580", Txns: []domain.RawTxn{txn}}), nil
	}, cred("c1", "max"))

	h.o.Run(context.Background(), BatchRequest{}, nil)
	rep, _ := h.o.Run(context.Background(), BatchRequest{}, nil)

	if rep.Summary.Updated != 1 {
		t.Errorf("second scrape = %+v, want updated=1", rep.Summary)
	}
	rows, _ := h.ledger.ListTransactions(context.Background(), domain.TxnFilter{})
	if len(rows) != 1 || rows[0].ProcessedDate == nil || !rows[0].ProcessedDate.Equal(processed) {
		t.Errorf("rows = %+v, want one row with processed date", rows)
	}
}

func TestRun_OwnershipExclusivity(t *testing.T) {
	shared := domain.AccountResult{AccountNumber: "9876", Txns: []domain.RawTxn{
		{Date: day(2026, 1, 1), Description: "A", ChargedAmount: -1},
		{Date: day(2026, 1, 2), Description: "B", ChargedAmount: -2},
	}}
	first := cred("first", "visaCal")
	never := time.Now().Add(-time.Hour)
	second := cred("second", "visaCal")
	second.LastSyncedAt = &never // runs after first

	var excluded []string
	h := newHarness(t, func(_ context.Context, _ int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		if req.Credential.ID == "second" {
			excluded = req.Options.ExcludedAccounts
		}
		return okResult(shared), nil
	}, first, second)

	rep, err := h.o.Run(context.Background(), BatchRequest{}, nil)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rep.Summary.Saved != 2 {
		t.Errorf("saved = %d, want 2 (first claimant only)", rep.Summary.Saved)
	}
	if rep.Summary.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", rep.Summary.Skipped)
	}
	if len(rep.Summary.SkippedCards) != 1 || rep.Summary.SkippedCards[0] != "9876" {
		t.Errorf("SkippedCards = %v, want [9876]", rep.Summary.SkippedCards)
	}
	if len(excluded) != 1 || excluded[0] != "9876" {
		t.Errorf("ExcludedAccounts for second = %v, want [9876]", excluded)
	}
	if h.ledger.count() != 2 {
		t.Errorf("ledger rows = %d, want 2", h.ledger.count())
	}
}

func TestRun_BankVendorCategory(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(domain.AccountResult{AccountNumber: "12-345", Txns: []domain.RawTxn{
			{Date: day(2026, 1, 1), Description: "SALARY", ChargedAmount: 10000, Category: "Income"},
		}}), nil
	}, cred("c1", "hapoalim"))

	h.o.Run(context.Background(), BatchRequest{}, nil)
	rows, _ := h.ledger.ListTransactions(context.Background(), domain.TxnFilter{})
	if len(rows) != 1 || rows[0].Category != domain.CategoryBank || rows[0].CategorySource != domain.SourceScraper {
		t.Errorf("rows = %+v, want Bank/scraper", rows)
	}
}

// ─── Progress ───────────────────────────────────────────────────────────────

func TestRun_ProgressMilestones(t *testing.T) {
	h := newHarness(t, func(_ context.Context, n int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		req.Progress(domain.PhaseAuthenticating, "logging in")
		if n == 1 {
			return nil, errors.New("net::ERR_TIMED_OUT")
		}
		return okResult(), nil
	}, cred("c1", "max"))

	sink := &collect{}
	h.o.Run(context.Background(), BatchRequest{}, sink)

	steps := strings.Join(sink.steps(), ",")
	for _, want := range []string{"init", "account_start", "connecting", "authenticating", "retry_wait", "processing", "saving", "account_done", "complete"} {
		if !strings.Contains(steps, want) {
			t.Errorf("missing step %q in %s", want, steps)
		}
	}
	last := sink.events[len(sink.events)-1]
	if last.Step != "complete" || last.Success == nil || !*last.Success || last.Percent != 100 {
		t.Errorf("terminal event = %+v", last)
	}
	for _, ev := range sink.events {
		if ev.BatchID == "" {
			t.Fatalf("event %q missing batch id", ev.Step)
		}
	}
}

func TestRun_PanickingSinkIgnored(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(), nil
	}, cred("c1", "max"))

	rep, err := h.o.Run(context.Background(), BatchRequest{}, SinkFunc(func(domain.ProgressEvent) {
		panic("client went away")
	}))
	if err != nil || rep.Status != domain.ScrapeSuccess {
		t.Errorf("Run() = %+v, %v; sink panics must not fail the batch", rep, err)
	}
}

func TestAccountPercent(t *testing.T) {
	if got := accountPercent(0, 2, domain.PhaseComplete); got != 50 {
		t.Errorf("accountPercent(0,2,complete) = %d, want 50", got)
	}
	if got := accountPercent(1, 2, domain.PhaseInit); got != 50 {
		t.Errorf("accountPercent(1,2,init) = %d, want 50", got)
	}
	if got := accountPercent(0, 0, domain.PhaseInit); got != 0 {
		t.Errorf("accountPercent(n=0) = %d, want 0", got)
	}
}

// ─── Background Start ───────────────────────────────────────────────────────

func TestStart_DetachedFromCaller(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		time.Sleep(20 * time.Millisecond)
		return okResult(), nil
	}, cred("c1", "max"))

	ctx, cancel := context.WithCancel(context.Background())
	events, batchID, err := h.o.Start(ctx, BatchRequest{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if batchID == "" {
		t.Error("Start() should return the batch id")
	}
	cancel() // client disconnects

	var last domain.ProgressEvent
	for ev := range events {
		last = ev
	}
	if last.Step != "complete" || last.Success == nil || !*last.Success {
		t.Errorf("last event = %+v, want successful completion", last)
	}
	batches := h.audit.byScope(domain.ScopeBatch)
	if len(batches) != 1 || batches[0].Status != domain.ScrapeSuccess {
		t.Errorf("batch audit = %+v", batches)
	}
}

func TestChanSink_CompleteSurvivesFullBuffer(t *testing.T) {
	s := newChanSink(2)
	s.finalWait = 10 * time.Millisecond
	for i := 0; i < 5; i++ {
		s.Emit(domain.ProgressEvent{Step: "fetching"})
	}
	s.Emit(domain.ProgressEvent{Step: "complete"})
	s.close()

	var steps []string
	for ev := range s.ch {
		steps = append(steps, ev.Step)
	}
	if len(steps) != 2 || steps[len(steps)-1] != "complete" {
		t.Errorf("delivered steps = %v, want [fetching complete]", steps)
	}
}

func TestChanSink_CompleteWaitsForSlowReader(t *testing.T) {
	s := newChanSink(1)
	s.Emit(domain.ProgressEvent{Step: "saving"})

	got := make(chan []string)
	go func() {
		time.Sleep(20 * time.Millisecond)
		var steps []string
		for ev := range s.ch {
			steps = append(steps, ev.Step)
		}
		got <- steps
	}()
	s.Emit(domain.ProgressEvent{Step: "complete"})
	s.close()

	steps := <-got
	if len(steps) != 2 || steps[0] != "saving" || steps[1] != "complete" {
		t.Errorf("delivered steps = %v, want [saving complete]", steps)
	}
}

func TestStart_OTPRoundTrip(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ int, req domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		code, err := req.OTP(ctx)
		if err != nil {
			return nil, err
		}
		if code != "424242" {
			return &domain.ScrapeResult{Success: false, ErrorType: "INVALID_OTP"}, nil
		}
		return okResult(), nil
	}, cred("c1", "visaCal"))

	events, _, err := h.o.Start(context.Background(), BatchRequest{})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	var last domain.ProgressEvent
	for ev := range events {
		if ev.Step == "otp_required" {
			id, _ := ev.Details["request_id"].(string)
			if !h.o.SubmitOTP(id, "424242") {
				t.Errorf("SubmitOTP(%q) = false", id)
			}
		}
		last = ev
	}
	if last.Success == nil || !*last.Success {
		t.Errorf("batch should succeed after OTP, last = %+v", last)
	}
	if h.o.SubmitOTP("unknown", "1") {
		t.Error("SubmitOTP(unknown) should report not found")
	}
}

func TestLastSyncDate(t *testing.T) {
	h := newHarness(t, func(context.Context, int, domain.ScrapeRequest) (*domain.ScrapeResult, error) {
		return okResult(), nil
	}, cred("c1", "max"))

	if last, _ := h.o.LastSyncDate(context.Background(), "max"); last != nil {
		t.Errorf("LastSyncDate() before sync = %v, want nil", last)
	}
	h.o.Run(context.Background(), BatchRequest{}, nil)
	if last, _ := h.o.LastSyncDate(context.Background(), "max"); last == nil {
		t.Error("LastSyncDate() after sync should be set")
	}
}
