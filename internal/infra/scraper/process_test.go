package scraper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/cardledger/cardledger/internal/domain"
)

// TestHelperProcess is the fake scraper. It only runs when re-executed by
// helper().
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CARDLEDGER_HELPER_PROCESS") != "1" {
		return
	}
	in := bufio.NewScanner(os.Stdin)
	in.Scan()
	var req request
	json.Unmarshal(in.Bytes(), &req)
	out := json.NewEncoder(os.Stdout)

	switch os.Getenv("CARDLEDGER_HELPER_MODE") {
	case "ok":
		fmt.Println("debug noise that is not json")
		out.Encode(map[string]any{"type": "progress", "phase": "authenticating", "message": "login " + req.Vendor})
		out.Encode(map[string]any{
			"type":    "result",
			"success": true,
			"accounts": []map[string]any{{
				"accountNumber": "4580",
				"txns": []map[string]any{{
					"date":          "2026-01-05T00:00:00.000Z",
					"description":   "SUPER SOL " + req.Options.StartDate,
					"chargedAmount": -120.5,
				}},
			}},
		})
	case "otp":
		out.Encode(map[string]any{"type": "otp_request"})
		in.Scan()
		var r reply
		json.Unmarshal(in.Bytes(), &r)
		out.Encode(map[string]any{"type": "result", "success": r.Type == "otp" && r.Code == "123456"})
	case "fail":
		out.Encode(map[string]any{"type": "result", "success": false, "errorType": "INVALID_PASSWORD", "errorMessage": "bad login"})
	case "crash":
		fmt.Fprintln(os.Stderr, "browser crashed")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helper(mode string) *Process {
	return New(Config{
		Command:   os.Args[0],
		Args:      []string{"-test.run=TestHelperProcess", "--"},
		Env:       append(os.Environ(), "CARDLEDGER_HELPER_PROCESS=1", "CARDLEDGER_HELPER_MODE="+mode),
		WaitDelay: time.Second,
	})
}

func request0(vendor string) domain.ScrapeRequest {
	return domain.ScrapeRequest{
		Credential: domain.Credential{ID: "c1", Vendor: vendor, Fields: map[string]string{"username": "u"}},
		Options:    domain.ScrapeOptions{StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

// ─── Protocol ───────────────────────────────────────────────────────────────

func TestScrape_Result(t *testing.T) {
	var progress []string
	req := request0("visaCal")
	req.Progress = func(phase domain.Phase, msg string) {
		progress = append(progress, string(phase)+":"+msg)
	}

	res, err := helper("ok").Scrape(context.Background(), req)
	if err != nil {
		t.Fatalf("Scrape() error: %v", err)
	}
	if !res.Success || len(res.Accounts) != 1 {
		t.Fatalf("result = %+v", res)
	}
	txn := res.Accounts[0].Txns[0]
	if txn.Description != "SUPER SOL 2026-01-01" {
		t.Errorf("Description = %q, request start date not passed through", txn.Description)
	}
	if txn.ChargedAmount != -120.5 || txn.Date.Day() != 5 {
		t.Errorf("txn = %+v", txn)
	}
	if len(progress) != 1 || progress[0] != "authenticating:login visaCal" {
		t.Errorf("progress = %v", progress)
	}
}

func TestScrape_OTPRoundTrip(t *testing.T) {
	req := request0("max")
	asked := 0
	req.OTP = func(context.Context) (string, error) {
		asked++
		return "123456", nil
	}
	res, err := helper("otp").Scrape(context.Background(), req)
	if err != nil {
		t.Fatalf("Scrape() error: %v", err)
	}
	if asked != 1 || !res.Success {
		t.Errorf("asked=%d success=%v, want 1/true", asked, res.Success)
	}
}

func TestScrape_OTPFailurePropagates(t *testing.T) {
	req := request0("max")
	req.OTP = func(context.Context) (string, error) { return "", domain.ErrChallengeTimeout }
	_, err := helper("otp").Scrape(context.Background(), req)
	if !errors.Is(err, domain.ErrChallengeTimeout) {
		t.Errorf("Scrape() error = %v, want ErrChallengeTimeout", err)
	}
}

func TestScrape_FailureResult(t *testing.T) {
	res, err := helper("fail").Scrape(context.Background(), request0("max"))
	if err != nil {
		t.Fatalf("Scrape() error: %v", err)
	}
	if res.Success || res.ErrorType != "INVALID_PASSWORD" {
		t.Errorf("result = %+v", res)
	}
}

func TestScrape_CrashWithoutResult(t *testing.T) {
	_, err := helper("crash").Scrape(context.Background(), request0("max"))
	if !errors.Is(err, ErrNoResult) {
		t.Fatalf("Scrape() error = %v, want ErrNoResult", err)
	}
	if !strings.Contains(err.Error(), "browser crashed") {
		t.Errorf("error should carry stderr tail: %v", err)
	}
}

func TestScrape_CancelKillsChild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := helper("hang").Scrape(ctx, request0("max"))
	if err == nil {
		t.Fatal("Scrape() should fail when cancelled")
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("cancelled scrape took %v", time.Since(start))
	}
}

func TestScrape_NoCommand(t *testing.T) {
	if _, err := New(Config{}).Scrape(context.Background(), request0("max")); err == nil {
		t.Error("Scrape() without command should fail")
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abcdef"))
	if b.String() != "cdef" {
		t.Errorf("tail = %q, want cdef", b.String())
	}
}
