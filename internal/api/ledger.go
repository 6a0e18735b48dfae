package api

import (
	"net/http"
	"regexp"

	"github.com/cardledger/cardledger/internal/app/billing"
	"github.com/cardledger/cardledger/internal/domain"
)

// ─── Ledger API ─────────────────────────────────────────────────────────────
//
// GET  /api/transactions?cycle=YYYY-MM&vendor=  — rows, optionally one cycle
// GET  /api/cycles                              — per-cycle totals
// GET  /api/rules                               — categorization rules
// POST /api/rules/apply                         — re-run rules over stored rows
// GET  /api/debug/spans?trace_id=               — recorded spans of a batch

var cyclePattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cycle := q.Get("cycle")
	if cycle != "" && !cyclePattern.MatchString(cycle) {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "cycle must be YYYY-MM")
		return
	}

	filter := domain.TxnFilter{Vendor: q.Get("vendor")}
	if cycle == "" {
		filter.Limit = queryInt(r, "limit", 500)
	}
	txns, err := s.db.ListTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	// cycles are assigned in Go so every caller uses the same classifier
	if cycle != "" {
		txns = billing.FilterCycle(txns, cycle, s.startDay)
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycle":        cycle,
		"transactions": txns,
		"count":        len(txns),
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	txns, err := s.db.ListTransactions(r.Context(), domain.TxnFilter{Vendor: r.URL.Query().Get("vendor")})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"start_day": s.startDay,
		"cycles":    billing.Summarize(txns, s.startDay),
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.db.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if rules == nil {
		rules = []domain.CategorizationRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (s *Server) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Overwrite bool `json:"overwrite"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	rep, err := s.resolver.ApplyRules(r.Context(), s.db, body.Overwrite)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.tracer.Spans(r.URL.Query().Get("trace_id"), queryInt(r, "limit", 200))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": spans,
		"count": len(spans),
	})
}
