package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Batch errors
	ErrConcurrency = errors.New("CONCURRENCY_ERROR: another scrape batch is already running")
	ErrNoAccounts  = errors.New("no accounts configured for scraping")

	// Challenge errors
	ErrChallengeNotFound = errors.New("otp challenge not found")
	ErrChallengeTimeout  = errors.New("otp challenge timed out")
	ErrChallengeRejected = errors.New("otp challenge rejected")

	// Credential errors
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUnknownVendor      = errors.New("unknown vendor")
)

// ─── Scrape Errors ──────────────────────────────────────────────────────────

// ErrorKind classifies account-level scrape failures.
type ErrorKind string

const (
	KindCredential       ErrorKind = "credential"
	KindAuthentication   ErrorKind = "authentication"
	KindChallengeTimeout ErrorKind = "challenge_timeout"
	KindExecution        ErrorKind = "execution"
)

// ScrapeError is an account-level failure. It never aborts a batch.
type ScrapeError struct {
	Kind    ErrorKind
	Vendor  string
	Message string
	Err     error
}

func (e *ScrapeError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s error: %s", e.Vendor, e.Kind, msg)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
// Authentication failures are retried: institutions often report rate
// limiting as a bad password.
func (e *ScrapeError) Retryable() bool {
	switch e.Kind {
	case KindAuthentication, KindExecution:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable scrape failure.
// Errors that are not ScrapeErrors are treated as execution failures.
func IsRetryable(err error) bool {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return err != nil && !errors.Is(err, ErrChallengeTimeout) && !errors.Is(err, ErrChallengeRejected)
}

// ClassifyScraperError maps a scraper errorType string to an ErrorKind.
func ClassifyScraperError(errorType string) ErrorKind {
	switch errorType {
	case "INVALID_PASSWORD", "CHANGE_PASSWORD", "ACCOUNT_BLOCKED", "AUTHENTICATION":
		return KindAuthentication
	case "TIMEOUT_OTP", "OTP_TIMEOUT":
		return KindChallengeTimeout
	case "INVALID_CREDENTIALS", "MISSING_CREDENTIALS":
		return KindCredential
	default:
		return KindExecution
	}
}
