package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cardledger/cardledger/internal/app/otp"
	"github.com/cardledger/cardledger/internal/domain"
	"github.com/cardledger/cardledger/internal/infra/observability"
)

// maxMessageLen bounds audit messages.
const maxMessageLen = 2000

// attemptRun carries what the retry loop needs for one account.
type attemptRun struct {
	cred    domain.Credential
	opts    domain.ScrapeOptions
	eventID int64
	emit    func(phase domain.Phase, step, msg string, success *bool, details map[string]any)
	log     zerolog.Logger
}

// attempt validates the credential and runs the scraper with bounded retries.
// It returns the result, the number of scraper invocations made and the last
// error. Credential errors fail before any invocation.
func (o *Orchestrator) attempt(ctx context.Context, run attemptRun) (*domain.ScrapeResult, int, error) {
	vendor := run.cred.Vendor
	v, ok := domain.LookupVendor(vendor)
	if !ok {
		return nil, 0, &domain.ScrapeError{Kind: domain.KindCredential, Vendor: vendor,
			Message: "unknown vendor", Err: domain.ErrUnknownVendor}
	}
	if missing := v.MissingFields(run.cred.Fields); len(missing) > 0 {
		return nil, 0, &domain.ScrapeError{Kind: domain.KindCredential, Vendor: vendor,
			Message: "missing credential fields: " + strings.Join(missing, ", ")}
	}

	auditCtx := context.WithoutCancel(ctx)
	maxAttempts := o.cfg.Retry.Attempts()
	made := 0
	var lastErr error

	for n := 1; n <= maxAttempts; n++ {
		made = n
		if err := o.audit.UpdateAttempts(auditCtx, run.eventID, n); err != nil {
			run.log.Error().Err(err).Msg("record attempt count")
		}

		attemptCtx, span := o.tracer.StartSpan(ctx, "attempt", map[string]string{
			"vendor":  vendor,
			"attempt": strconv.Itoa(n),
		})
		run.emit(domain.PhaseConnecting, "connecting",
			fmt.Sprintf("Connecting to %s (attempt %d/%d)", v.Name, n, maxAttempts), nil,
			map[string]any{"attempt": n, "max_attempts": maxAttempts})

		res, err := o.scraper.Scrape(attemptCtx, domain.ScrapeRequest{
			Credential: run.cred,
			Options:    run.opts,
			OTP: o.broker.Retriever(vendor, func(c *otp.Challenge) {
				run.emit(domain.PhaseOTP, "otp_required",
					fmt.Sprintf("%s sent a verification code; submit it to continue", v.Name), nil,
					map[string]any{"request_id": c.ID, "expires_at": c.Deadline})
			}),
			Progress: func(phase domain.Phase, msg string) {
				run.emit(phase, string(phase), msg, nil, nil)
			},
		})
		err = classify(vendor, res, err)
		o.tracer.EndSpan(span, err)

		if err == nil {
			observability.ScrapeAttempts.WithLabelValues(vendor, "success").Inc()
			return res, made, nil
		}

		lastErr = err
		observability.ScrapeAttempts.WithLabelValues(vendor, string(kindOf(err))).Inc()
		run.log.Warn().Err(err).Int("attempt", n).Msg("scrape attempt failed")

		if !domain.IsRetryable(err) || n == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := o.cfg.Retry.Delay(n)
		run.emit(domain.PhaseRetry, "retry_wait",
			fmt.Sprintf("Attempt %d failed: %s. Retrying in %s", n, messageOf(err), delay), nil,
			map[string]any{"attempt": n, "delay_ms": delay.Milliseconds()})
		if err := o.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, made, lastErr
}

// classify turns a scraper return into nil or a *domain.ScrapeError.
func classify(vendor string, res *domain.ScrapeResult, err error) error {
	if err != nil {
		var se *domain.ScrapeError
		switch {
		case errors.As(err, &se):
			return err
		case errors.Is(err, domain.ErrChallengeTimeout):
			return &domain.ScrapeError{Kind: domain.KindChallengeTimeout, Vendor: vendor,
				Message: "verification code not received in time", Err: err}
		case errors.Is(err, domain.ErrChallengeRejected):
			return &domain.ScrapeError{Kind: domain.KindChallengeTimeout, Vendor: vendor,
				Message: "verification was rejected", Err: err}
		default:
			return &domain.ScrapeError{Kind: domain.KindExecution, Vendor: vendor, Err: err}
		}
	}
	if res == nil {
		return &domain.ScrapeError{Kind: domain.KindExecution, Vendor: vendor, Message: "scraper returned no result"}
	}
	if !res.Success {
		msg := res.ErrorMessage
		if msg == "" {
			msg = res.ErrorType
		}
		return &domain.ScrapeError{Kind: domain.ClassifyScraperError(res.ErrorType), Vendor: vendor, Message: msg}
	}
	return nil
}

func kindOf(err error) domain.ErrorKind {
	var se *domain.ScrapeError
	if errors.As(err, &se) {
		return se.Kind
	}
	return domain.KindExecution
}

func messageOf(err error) string {
	var se *domain.ScrapeError
	if errors.As(err, &se) {
		if se.Message != "" {
			return se.Message
		}
		if se.Err != nil {
			return se.Err.Error()
		}
	}
	return err.Error()
}

// failureMessage builds the audit/progress text for a failed account,
// including a hint the user can act on.
func failureMessage(err error, attempts int) string {
	var msg string
	switch kindOf(err) {
	case domain.KindCredential:
		msg = fmt.Sprintf("%s; update the credential and retry", messageOf(err))
	case domain.KindChallengeTimeout:
		msg = fmt.Sprintf("%s; run the sync again and enter the code when asked", messageOf(err))
	default:
		if attempts > 1 {
			msg = fmt.Sprintf("%s (tried %d times; check credentials or retry later)", messageOf(err), attempts)
		} else {
			msg = fmt.Sprintf("%s (check credentials or retry later)", messageOf(err))
		}
	}
	return truncate(msg)
}

func truncate(s string) string {
	if len(s) > maxMessageLen {
		return s[:maxMessageLen]
	}
	return s
}

// nextDelay is the pause before scraping next. Rate-limited vendors wait longer.
func (o *Orchestrator) nextDelay(next domain.Credential) time.Duration {
	if v, ok := domain.LookupVendor(next.Vendor); ok && v.RateLimited {
		return o.cfg.RateLimitedDelay
	}
	return o.cfg.InterAccountDelay
}
