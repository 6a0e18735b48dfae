package identity

import (
	"testing"
	"time"

	"github.com/cardledger/cardledger/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ─── NormalizeDescription Tests ─────────────────────────────────────────────

func TestNormalizeDescription(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  SUPER-PHARM  ", "super pharm"},
		{"Super_Pharm.", "super pharm"},
		{"AM:PM  Store #12", "ampm store 12"},
		{"Branch 007", "branch 7"},
		{"Wolt/Order,123", "wolt order 123"},
		{"שופרסל דיל", "שופרסל דיל"},
		{"שופרסל-דיל 0042", "שופרסל דיל 42"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDescription(tt.in); got != tt.want {
			t.Errorf("NormalizeDescription(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeDescription_Idempotent(t *testing.T) {
	inputs := []string{"SUPER-PHARM 007", "Café  Nero", "שופרסל.דיל", "a__b--c"}
	for _, in := range inputs {
		once := NormalizeDescription(in)
		if twice := NormalizeDescription(once); twice != once {
			t.Errorf("NormalizeDescription not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

// ─── Compute Tests ──────────────────────────────────────────────────────────

func baseTxn() domain.RawTxn {
	return domain.RawTxn{
		Identifier:    "A1",
		Date:          day(2024, 3, 5),
		Description:   "SUPERMARKET TLV",
		ChargedAmount: -120.5,
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := Compute("max", "1234", baseTxn())
	b := Compute("max", "1234", baseTxn())
	if a != b {
		t.Errorf("Compute() not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Compute() length = %d, want 64 hex chars", len(a))
	}
}

func TestCompute_IgnoresProcessedDate(t *testing.T) {
	pending := baseTxn()
	settled := baseTxn()
	p := day(2024, 3, 10)
	settled.ProcessedDate = &p

	if Compute("max", "1234", pending) != Compute("max", "1234", settled) {
		t.Error("settlement date must not change the identifier")
	}
}

func TestCompute_IgnoresCosmeticDescription(t *testing.T) {
	a := baseTxn()
	b := baseTxn()
	b.Description = "  supermarket-tlv. "
	if Compute("max", "1234", a) != Compute("max", "1234", b) {
		t.Error("cosmetic description variants must map to one identifier")
	}
}

func TestCompute_DistinguishesFields(t *testing.T) {
	base := Compute("max", "1234", baseTxn())

	otherAmount := baseTxn()
	otherAmount.ChargedAmount = -120.51
	otherDate := baseTxn()
	otherDate.Date = day(2024, 3, 6)
	otherID := baseTxn()
	otherID.Identifier = "A2"

	cases := map[string]string{
		"amount":  Compute("max", "1234", otherAmount),
		"date":    Compute("max", "1234", otherDate),
		"id":      Compute("max", "1234", otherID),
		"vendor":  Compute("visaCal", "1234", baseTxn()),
		"account": Compute("max", "9999", baseTxn()),
	}
	for field, got := range cases {
		if got == base {
			t.Errorf("changing %s should change the identifier", field)
		}
	}
}

func TestCompute_OriginalAmountFallback(t *testing.T) {
	a := baseTxn()
	a.ChargedAmount = 0
	a.OriginalAmount = -120.5
	if Compute("max", "1234", a) != Compute("max", "1234", baseTxn()) {
		t.Error("original amount should stand in when charged amount is zero")
	}
}
