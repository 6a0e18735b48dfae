package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Batch Metrics ──────────────────────────────────────────────────────────

// BatchesTotal counts finished batches by terminal status.
var BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardledger",
	Subsystem: "batch",
	Name:      "total",
	Help:      "Total scrape batches by terminal status.",
}, []string{"status"})

// BatchesRejected counts batches turned away by the concurrency gate.
var BatchesRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cardledger",
	Subsystem: "batch",
	Name:      "rejected_total",
	Help:      "Total scrape batches rejected because another batch was running.",
})

// ActiveBatches is 1 while a batch holds the gate.
var ActiveBatches = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cardledger",
	Subsystem: "batch",
	Name:      "active",
	Help:      "Number of scrape batches currently running.",
})

// ─── Scrape Metrics ─────────────────────────────────────────────────────────

// ScrapeAttempts counts scraper invocations by vendor and outcome.
var ScrapeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardledger",
	Subsystem: "scrape",
	Name:      "attempts_total",
	Help:      "Total scraper attempts by vendor and outcome.",
}, []string{"vendor", "outcome"})

// ScrapeDuration tracks per-account wall time including retries.
var ScrapeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cardledger",
	Subsystem: "scrape",
	Name:      "account_duration_seconds",
	Help:      "Wall time of one account scrape including retries.",
	Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
}, []string{"vendor", "status"})

// ─── Reconcile Metrics ──────────────────────────────────────────────────────

// ReconcileOutcomes counts upsert outcomes (saved, duplicate, updated, skipped).
var ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardledger",
	Subsystem: "reconcile",
	Name:      "transactions_total",
	Help:      "Transactions reconciled by outcome.",
}, []string{"outcome"})

// ─── OTP Metrics ────────────────────────────────────────────────────────────

// PendingChallenges tracks open one-time-code challenges.
var PendingChallenges = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cardledger",
	Subsystem: "otp",
	Name:      "pending",
	Help:      "Number of OTP challenges awaiting a code.",
})

// ChallengeOutcomes counts closed challenges by result.
var ChallengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardledger",
	Subsystem: "otp",
	Name:      "challenges_total",
	Help:      "Closed OTP challenges by result (resolved, rejected, expired, cancelled).",
}, []string{"result"})

// OTPObserver feeds broker transitions into the OTP metrics.
type OTPObserver struct{}

func (OTPObserver) ChallengeOpened() { PendingChallenges.Inc() }

func (OTPObserver) ChallengeClosed(result string) {
	PendingChallenges.Dec()
	ChallengeOutcomes.WithLabelValues(result).Inc()
}

// RecordSummary adds one account's reconcile counts.
func RecordSummary(saved, duplicate, updated, skipped int) {
	ReconcileOutcomes.WithLabelValues("saved").Add(float64(saved))
	ReconcileOutcomes.WithLabelValues("duplicate").Add(float64(duplicate))
	ReconcileOutcomes.WithLabelValues("updated").Add(float64(updated))
	ReconcileOutcomes.WithLabelValues("skipped").Add(float64(skipped))
}
