// Package identity derives the stable identifier that deduplicates ledger rows
// across overlapping scrape windows.
//
// The identifier is a SHA-256 over the fields the institution never changes
// after a purchase: original id, vendor, account, purchase date, normalized
// description and amount. The settlement (processed) date is excluded so that
// a pending row and its later settled twin collapse into one.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/cardledger/cardledger/internal/domain"
)

var (
	leadingZeros = regexp.MustCompile(`\b0+(\d)`)
	spaces       = regexp.MustCompile(`\s+`)
	separators   = strings.NewReplacer("/", " ", "-", " ", "_", " ", ",", " ", ".", " ")
)

// NormalizeDescription maps cosmetic variants of a merchant name to one key.
// It is idempotent.
func NormalizeDescription(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = separators.Replace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 0x05D0 && r <= 0x05EA: // Hebrew letters
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, s)
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	return leadingZeros.ReplaceAllString(s, "$1")
}

// Compute returns the hex identifier of txn scraped for vendor/account.
func Compute(vendor, accountNumber string, txn domain.RawTxn) string {
	fields := []string{
		strings.TrimSpace(txn.Identifier),
		vendor,
		strings.TrimSpace(accountNumber),
		txn.Date.Format(domain.DateLayout),
		NormalizeDescription(txn.Description),
		txn.Amount().StringFixed(2),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
