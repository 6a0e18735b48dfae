// Package orchestrator runs scrape batches.
//
// A batch:
//  1. Acquires the concurrency gate (busy → domain.ErrConcurrency, never queued)
//  2. Orders credentials oldest-synced first
//  3. Scrapes each account sequentially with bounded retry and backoff
//  4. Reconciles successful results into the ledger
//  5. Writes one audit entry per account and one per batch
//  6. Releases the gate
//
// Account failures never abort the batch. Progress consumers may disappear at
// any time; the batch keeps running to completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/app/otp"
	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/infra/observability"
	"github.com/cardledger/cardledger/internal/logger"
)

// Config controls orchestrator behavior.
type Config struct {
	Retry             RetryPolicy
	InterAccountDelay time.Duration
	RateLimitedDelay  time.Duration
	// Lookback is the scrape window for accounts that never synced.
	Lookback time.Duration
	// Overlap is subtracted from the last sync so late postings are caught.
	Overlap time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:             DefaultRetryPolicy(),
		InterAccountDelay: 3 * time.Second,
		RateLimitedDelay:  15 * time.Second,
		Lookback:          365 * 24 * time.Hour,
		Overlap:           7 * 24 * time.Hour,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Scraper     domain.Scraper
	Credentials domain.CredentialStore
	Audit       domain.AuditStore
	Owners      domain.OwnershipStore
	Reconciler  *Reconciler
	Broker      *otp.Broker
	Gate        Gate
	Tracer      *observability.Tracer
	// Observers receive every event of every batch (live feed).
	Observers []domain.ProgressSink
	Log       zerolog.Logger
}

// BatchRequest selects what to scrape. No credential ids means all of them;
// a zero StartDate lets each account pick its own window.
type BatchRequest struct {
	CredentialIDs []string  `json:"credential_ids,omitempty"`
	StartDate     time.Time `json:"start_date,omitempty"`
	TriggeredBy   string    `json:"triggered_by,omitempty"`
}

// AccountReport is the terminal state of one account in a batch.
type AccountReport struct {
	CredentialID string               `json:"credential_id"`
	Vendor       string               `json:"vendor"`
	Status       domain.ScrapeStatus  `json:"status"`
	Message      string               `json:"message"`
	Attempts     int                  `json:"attempts"`
	Summary      domain.ScrapeSummary `json:"summary"`
}

// BatchReport is the outcome of one batch.
type BatchReport struct {
	BatchID   string               `json:"batch_id"`
	Status    domain.ScrapeStatus  `json:"status"`
	Message   string               `json:"message"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	NotRun    int                  `json:"not_attempted"`
	Summary   domain.ScrapeSummary `json:"summary"`
	Accounts  []AccountReport      `json:"accounts"`
}

// Orchestrator runs batches. Safe for concurrent use; the gate serializes.
type Orchestrator struct {
	cfg        Config
	scraper    domain.Scraper
	creds      domain.CredentialStore
	audit      domain.AuditStore
	owners     domain.OwnershipStore
	reconciler *Reconciler
	broker     *otp.Broker
	gate       Gate
	tracer     *observability.Tracer
	observers  []domain.ProgressSink
	log        zerolog.Logger

	sleep Sleeper
	now   func() time.Time

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	gate := d.Gate
	if gate == nil {
		gate = NewMemoryGate()
	}
	broker := d.Broker
	if broker == nil {
		broker = otp.NewBroker(otp.DefaultTimeout, nil)
	}
	life, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		scraper:    d.Scraper,
		creds:      d.Credentials,
		audit:      d.Audit,
		owners:     d.Owners,
		reconciler: d.Reconciler,
		broker:     broker,
		gate:       gate,
		tracer:     d.Tracer,
		observers:  d.Observers,
		log:        d.Log,
		sleep:      ContextSleep,
		now:        time.Now,
		life:       life,
		stop:       stop,
	}
}

// Broker returns the OTP broker so callers can resolve challenges.
func (o *Orchestrator) Broker() *otp.Broker { return o.broker }

// Close cancels background batches at their next account boundary and waits
// for them to record their audit entries.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

type batch struct {
	id      string
	req     BatchRequest
	creds   []domain.Credential
	release func()
	started time.Time
}

// Start admits a batch and runs it in the background. The returned channel
// carries progress and is closed when the batch finishes. The batch is
// detached from ctx: a caller that stops reading does not stop the batch.
func (o *Orchestrator) Start(ctx context.Context, req BatchRequest) (<-chan domain.ProgressEvent, string, error) {
	b, err := o.acquire(ctx, req)
	if err != nil {
		return nil, "", err
	}
	sink := newChanSink(256)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(o.life, cancel)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer sink.close()
		defer cancel()
		defer stopAfter()
		o.execute(runCtx, b, sink)
	}()
	return sink.ch, b.id, nil
}

// Run admits a batch and runs it on the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, req BatchRequest, sink domain.ProgressSink) (*BatchReport, error) {
	b, err := o.acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, b, sink), nil
}

// acquire takes the gate and loads the credentials. Both failure modes end
// the batch before any attempt and leave one failed batch audit entry.
func (o *Orchestrator) acquire(ctx context.Context, req BatchRequest) (*batch, error) {
	b := &batch{id: uuid.NewString(), req: req, started: o.now()}

	release, err := o.gate.TryAcquire(ctx, b.id)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrency) {
			observability.BatchesRejected.Inc()
		}
		o.recordBatchFailure(ctx, b, err)
		return nil, err
	}

	creds, err := o.selectCredentials(ctx, req.CredentialIDs)
	if err == nil && len(creds) == 0 {
		err = domain.ErrNoAccounts
	}
	if err != nil {
		release()
		o.recordBatchFailure(ctx, b, err)
		return nil, err
	}
	b.creds = creds
	b.release = release
	return b, nil
}

func (o *Orchestrator) recordBatchFailure(ctx context.Context, b *batch, cause error) {
	auditCtx := context.WithoutCancel(ctx)
	id, err := o.audit.StartEvent(auditCtx, domain.ScrapeEvent{
		BatchID:     b.id,
		Scope:       domain.ScopeBatch,
		TriggeredBy: b.req.TriggeredBy,
		StartDate:   b.req.StartDate,
		Status:      domain.ScrapeStarted,
		CreatedAt:   b.started,
	})
	if err == nil {
		err = o.audit.FinishEvent(auditCtx, id, domain.ScrapeFailed, truncate(cause.Error()), domain.ScrapeSummary{}, o.now().Sub(b.started))
	}
	if err != nil {
		o.log.Error().Err(err).Str("batch_id", b.id).Msg("record rejected batch")
	}
	observability.BatchesTotal.WithLabelValues(string(domain.ScrapeFailed)).Inc()
	o.log.Warn().Err(cause).Str("batch_id", b.id).Msg("batch not started")
}

func (o *Orchestrator) selectCredentials(ctx context.Context, ids []string) ([]domain.Credential, error) {
	if len(ids) == 0 {
		return o.creds.ListCredentials(ctx)
	}
	out := make([]domain.Credential, 0, len(ids))
	for _, id := range ids {
		c, err := o.creds.GetCredential(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// sortOldestFirst orders never-synced accounts first, then by last sync.
func sortOldestFirst(creds []domain.Credential) {
	sort.SliceStable(creds, func(i, j int) bool {
		a, b := creds[i].LastSyncedAt, creds[j].LastSyncedAt
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}

func (o *Orchestrator) execute(ctx context.Context, b *batch, sink domain.ProgressSink) *BatchReport {
	defer b.release()
	observability.ActiveBatches.Inc()
	defer observability.ActiveBatches.Dec()

	log := o.log.With().Str("batch_id", b.id).Logger()
	ctx = logger.WithContext(ctx, log)
	ctx = observability.WithTraceID(ctx, b.id)
	ctx, span := o.tracer.StartSpan(ctx, "batch", map[string]string{
		"accounts":     strconv.Itoa(len(b.creds)),
		"triggered_by": b.req.TriggeredBy,
	})
	auditCtx := context.WithoutCancel(ctx)

	sinks := append([]domain.ProgressSink{sink}, o.observers...)
	em := &emitter{batchID: b.id, sinks: sinks, log: log, now: o.now}

	batchEventID, err := o.audit.StartEvent(auditCtx, domain.ScrapeEvent{
		BatchID:     b.id,
		Scope:       domain.ScopeBatch,
		TriggeredBy: b.req.TriggeredBy,
		StartDate:   b.req.StartDate,
		Status:      domain.ScrapeStarted,
		CreatedAt:   b.started,
	})
	if err != nil {
		log.Error().Err(err).Msg("record batch start")
	}

	sortOldestFirst(b.creds)
	n := len(b.creds)
	em.emit(domain.ProgressEvent{
		Step:    "init",
		Message: fmt.Sprintf("Starting sync of %d account(s)", n),
		Phase:   domain.PhaseInit,
		Details: map[string]any{"accounts": n},
	})
	log.Info().Int("accounts", n).Msg("batch started")

	report := &BatchReport{BatchID: b.id}
	for i, cred := range b.creds {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			if err := o.sleep(ctx, o.nextDelay(cred)); err != nil {
				break
			}
		}
		ar := o.runAccount(ctx, b, em, i, n, cred)
		report.Accounts = append(report.Accounts, ar)
		report.Summary.Add(ar.Summary)
		if ar.Status == domain.ScrapeSuccess {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.NotRun = n - len(report.Accounts)

	report.Status, report.Message = batchOutcome(report)
	if err := o.audit.FinishEvent(auditCtx, batchEventID, report.Status, report.Message, report.Summary, o.now().Sub(b.started)); err != nil {
		log.Error().Err(err).Msg("record batch finish")
	}
	if report.Summary.Saved > 0 || report.Summary.Updated > 0 {
		o.reconciler.resolver.Invalidate()
	}

	ok := report.Status == domain.ScrapeSuccess
	em.emit(domain.ProgressEvent{
		Step:    "complete",
		Message: report.Message,
		Percent: 100,
		Phase:   domain.PhaseComplete,
		Success: boolPtr(ok),
		Details: map[string]any{
			"summary":   report.Summary,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
		},
	})
	observability.BatchesTotal.WithLabelValues(string(report.Status)).Inc()

	var spanErr error
	if !ok {
		spanErr = errors.New(report.Message)
	}
	o.tracer.EndSpan(span, spanErr)
	log.Info().Str("status", string(report.Status)).Int("saved", report.Summary.Saved).
		Int("duplicate", report.Summary.Duplicate).Int("failed", report.Failed).Msg("batch finished")
	return report
}

// batchOutcome is success when at least one account synced.
func batchOutcome(r *BatchReport) (domain.ScrapeStatus, string) {
	total := r.Succeeded + r.Failed + r.NotRun
	msg := fmt.Sprintf("%d of %d account(s) synced: %d new, %d duplicate, %d updated, %d skipped",
		r.Succeeded, total, r.Summary.Saved, r.Summary.Duplicate, r.Summary.Updated, r.Summary.Skipped)
	if r.Failed > 0 {
		msg += fmt.Sprintf("; %d failed", r.Failed)
	}
	if r.NotRun > 0 {
		msg += fmt.Sprintf("; %d not attempted (cancelled)", r.NotRun)
	}
	if r.Succeeded == 0 {
		return domain.ScrapeFailed, msg
	}
	return domain.ScrapeSuccess, msg
}

func (o *Orchestrator) runAccount(ctx context.Context, b *batch, em *emitter, i, n int, cred domain.Credential) AccountReport {
	start := o.now()
	auditCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx).With().
		Str("vendor", cred.Vendor).
		Str("credential_id", cred.ID).
		Logger()
	ctx, span := o.tracer.StartSpan(ctx, "account", map[string]string{
		"vendor":        cred.Vendor,
		"credential_id": cred.ID,
	})

	emit := func(phase domain.Phase, step, msg string, success *bool, details map[string]any) {
		em.emit(domain.ProgressEvent{
			Step:         step,
			Message:      msg,
			Percent:      accountPercent(i, n, phase),
			Phase:        phase,
			Success:      success,
			Vendor:       cred.Vendor,
			CredentialID: cred.ID,
			Details:      details,
		})
	}

	opts := domain.ScrapeOptions{
		StartDate:        b.req.StartDate,
		TriggeredBy:      b.req.TriggeredBy,
		ExcludedAccounts: o.excludedAccounts(ctx, cred),
	}
	if opts.StartDate.IsZero() {
		opts.StartDate = o.SuggestStartDate(cred)
	}

	eventID, err := o.audit.StartEvent(auditCtx, domain.ScrapeEvent{
		BatchID:      b.id,
		Scope:        domain.ScopeAccount,
		TriggeredBy:  b.req.TriggeredBy,
		Vendor:       cred.Vendor,
		CredentialID: cred.ID,
		StartDate:    opts.StartDate,
		Status:       domain.ScrapeStarted,
		CreatedAt:    start,
	})
	if err != nil {
		log.Error().Err(err).Msg("record account start")
	}

	name := cred.Nickname
	if name == "" {
		name = cred.Vendor
	}
	emit(domain.PhaseInit, "account_start", fmt.Sprintf("Syncing %s (%d/%d)", name, i+1, n), nil,
		map[string]any{"start_date": opts.StartDate.Format(domain.DateLayout)})

	res, attempts, err := o.attempt(ctx, attemptRun{
		cred:    cred,
		opts:    opts,
		eventID: eventID,
		emit:    emit,
		log:     log,
	})

	var sum domain.ScrapeSummary
	if err == nil {
		emit(domain.PhaseProcessing, "processing",
			fmt.Sprintf("Reconciling %d account(s) from %s", len(res.Accounts), name), nil, nil)
		sum, err = o.reconciler.Reconcile(ctx, cred, res)
		if err != nil {
			err = fmt.Errorf("save transactions: %w", err)
		}
	}

	report := AccountReport{
		CredentialID: cred.ID,
		Vendor:       cred.Vendor,
		Attempts:     attempts,
		Summary:      sum,
	}
	if err != nil {
		report.Status = domain.ScrapeFailed
		report.Message = failureMessage(err, attempts)
		log.Error().Err(err).Int("attempt", attempts).Msg("account failed")
	} else {
		emit(domain.PhaseSaving, "saving", fmt.Sprintf("Saved %d new transaction(s)", sum.Saved), nil, nil)
		if err := o.creds.MarkSynced(auditCtx, cred.ID, o.now()); err != nil {
			log.Error().Err(err).Msg("mark synced")
		}
		report.Status = domain.ScrapeSuccess
		report.Message = fmt.Sprintf("%s: %d fetched, %d new, %d duplicate, %d updated, %d skipped",
			name, sum.Fetched, sum.Saved, sum.Duplicate, sum.Updated, sum.Skipped)
		observability.RecordSummary(sum.Saved, sum.Duplicate, sum.Updated, sum.Skipped)
		log.Info().Int("saved", sum.Saved).Int("duplicate", sum.Duplicate).Msg("account synced")
	}

	dur := o.now().Sub(start)
	if err := o.audit.FinishEvent(auditCtx, eventID, report.Status, report.Message, sum, dur); err != nil {
		log.Error().Err(err).Msg("record account finish")
	}
	observability.ScrapeDuration.WithLabelValues(cred.Vendor, string(report.Status)).Observe(dur.Seconds())
	o.tracer.EndSpan(span, err)

	details := map[string]any{"summary": sum, "attempts": attempts}
	if len(sum.SkippedCards) > 0 {
		details["skipped_cards"] = sum.SkippedCards
	}
	emit(domain.PhaseComplete, "account_done", report.Message, boolPtr(err == nil), details)
	return report
}

// excludedAccounts lists cards of cred's vendor that another credential owns,
// so the scraper may skip fetching them at all.
func (o *Orchestrator) excludedAccounts(ctx context.Context, cred domain.Credential) []string {
	if o.owners == nil {
		return nil
	}
	claims, err := o.owners.ListClaims(ctx, cred.Vendor)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("list card claims")
		return nil
	}
	var out []string
	for _, c := range claims {
		if c.CredentialID != cred.ID {
			out = append(out, c.AccountNumber)
		}
	}
	return out
}

// SuggestStartDate is one Overlap before the last sync, or Lookback ago for
// accounts that never synced.
func (o *Orchestrator) SuggestStartDate(cred domain.Credential) time.Time {
	if cred.LastSyncedAt != nil {
		return cred.LastSyncedAt.Add(-o.cfg.Overlap)
	}
	return o.now().Add(-o.cfg.Lookback)
}

// LastSyncDate returns the time of the last successful scrape of vendor, or nil.
func (o *Orchestrator) LastSyncDate(ctx context.Context, vendor string) (*time.Time, error) {
	return o.audit.LastSuccess(ctx, vendor)
}

// SubmitOTP hands a code to the waiting scrape. false means no such challenge.
func (o *Orchestrator) SubmitOTP(requestID, code string) bool {
	return o.broker.Resolve(requestID, code)
}

// RejectOTP fails the waiting scrape's challenge.
func (o *Orchestrator) RejectOTP(requestID, reason string) bool {
	return o.broker.Reject(requestID, reason)
}
