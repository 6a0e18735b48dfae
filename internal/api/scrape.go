package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cardledger/cardledger/internal/app/orchestrator"
	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Scrape API ─────────────────────────────────────────────────────────────
//
// POST /api/scrape               — start a batch, stream progress (SSE)
// POST /api/otp/{id}             — submit a one-time code
// POST /api/otp/{id}/reject      — cancel a pending code request
// GET  /api/sync/last?vendor=    — last successful sync and suggested start
// GET  /api/scrape/events        — recent audit entries

type scrapeRequest struct {
	CredentialIDs []string `json:"credential_ids"`
	StartDate     string   `json:"start_date"`
	TriggeredBy   string   `json:"triggered_by"`
}

// handleScrape starts a batch and streams its progress until it completes.
// The batch does not depend on this connection: a client that disconnects
// can follow the rest on /api/scrape/live.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	req := orchestrator.BatchRequest{
		CredentialIDs: body.CredentialIDs,
		TriggeredBy:   body.TriggeredBy,
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}
	if body.StartDate != "" {
		d, err := time.Parse(domain.DateLayout, body.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "start_date must be YYYY-MM-DD")
			return
		}
		req.StartDate = d
	}

	events, batchID, err := s.orch.Start(r.Context(), req)
	if err != nil {
		status, code := startErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	w.Header().Set("X-Batch-ID", batchID)
	flusher, ok := startSSE(w)
	if !ok {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			s.log.Info().Str("batch_id", batchID).Msg("progress client went away; batch continues")
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusConflict, "CONCURRENCY_ERROR"
	case errors.Is(err, domain.ErrNoAccounts):
		return http.StatusBadRequest, "NO_ACCOUNTS"
	case errors.Is(err, domain.ErrCredentialNotFound):
		return http.StatusNotFound, "CREDENTIAL_NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

type otpRequest struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// handleSubmitOTP delivers a code to the scrape waiting on challenge {id}.
func (s *Server) handleSubmitOTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body otpRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	code := strings.TrimSpace(body.Code)
	if code == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "code is required")
		return
	}
	if !s.orch.SubmitOTP(id, code) {
		writeError(w, http.StatusNotFound, "OTP_NOT_FOUND", domain.ErrChallengeNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": true, "request_id": id})
}

// handleRejectOTP fails challenge {id}; the waiting attempt is not retried.
func (s *Server) handleRejectOTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body otpRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "cancelled by user"
	}
	if !s.orch.RejectOTP(id, reason) {
		writeError(w, http.StatusNotFound, "OTP_NOT_FOUND", domain.ErrChallengeNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rejected": true, "request_id": id})
}

// handleLastSync reports the last successful scrape of a vendor.
func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	vendor := r.URL.Query().Get("vendor")
	if _, ok := domain.LookupVendor(vendor); !ok {
		writeError(w, http.StatusBadRequest, "UNKNOWN_VENDOR", fmt.Sprintf("unknown vendor %q", vendor))
		return
	}
	last, err := s.orch.LastSyncDate(r.Context(), vendor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	suggested := s.orch.SuggestStartDate(domain.Credential{Vendor: vendor, LastSyncedAt: last})
	resp := map[string]interface{}{
		"vendor":               vendor,
		"last_sync_date":       nil,
		"suggested_start_date": suggested.Format(domain.DateLayout),
	}
	if last != nil {
		resp["last_sync_date"] = last.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents lists recent audit entries, newest first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	events, err := s.db.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if events == nil {
		events = []domain.ScrapeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// queryInt parses a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
