// Package categorize resolves the category of incoming transactions.
//
// Resolution order for a new row:
//  1. bank vendors get the fixed "Bank" category
//  2. a usable scraper category
//  3. the learned description cache
//  4. the first matching active rule, by ascending priority
//  5. uncategorized
//
// Categories already stored on an existing row are preserved by the ledger
// upsert itself, so they never reach this package.
package categorize

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cardledger/cardledger/internal/domain"
)

// LearnedSource returns normalized description → most frequent category.
type LearnedSource interface {
	LearnedCategories(ctx context.Context) (map[string]string, error)
}

// Result is a resolved category and how it was obtained.
type Result struct {
	Category string
	Source   domain.CategorySource
}

// Input is what the resolver needs to know about one transaction.
type Input struct {
	Vendor          string
	Description     string // raw, used for rule matching
	DescriptionKey  string // normalized, used for the learned cache
	ScraperCategory string
}

// Resolver owns the process-wide learned cache.
type Resolver struct {
	learned LearnedSource
	rules   domain.RuleStore

	group  singleflight.Group
	mu     sync.RWMutex
	cache  map[string]string
	loaded bool
	gen    uint64 // bumped by Invalidate; a build started earlier is discarded
}

// NewResolver creates a resolver. The learned cache is built on first use.
func NewResolver(learned LearnedSource, rules domain.RuleStore) *Resolver {
	return &Resolver{learned: learned, rules: rules}
}

// Invalidate drops the learned cache; the next Snapshot rebuilds it.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.loaded = false
	r.gen++
	r.mu.Unlock()
	r.group.Forget("learned")
}

func (r *Resolver) learnedCache(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	if r.loaded {
		c := r.cache
		r.mu.RUnlock()
		return c, nil
	}
	gen := r.gen
	r.mu.RUnlock()

	// The build is shared by every waiter, so one caller's cancellation
	// must not fail the rest.
	buildCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do("learned", func() (interface{}, error) {
		m, err := r.learned.LearnedCategories(buildCtx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gen == gen {
			r.cache = m
			r.loaded = true
		}
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build learned cache: %w", err)
	}
	return v.(map[string]string), nil
}

// Snapshot captures the learned cache and the active rules for one account.
func (r *Resolver) Snapshot(ctx context.Context) (*Snapshot, error) {
	cache, err := r.learnedCache(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := r.rules.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return &Snapshot{cache: cache, matcher: NewMatcher(rules)}, nil
}

// Snapshot resolves categories without touching storage.
type Snapshot struct {
	cache   map[string]string
	matcher *Matcher
}

// Resolve picks a category for a new row.
func (s *Snapshot) Resolve(in Input) Result {
	if domain.IsBankVendor(in.Vendor) {
		return Result{Category: domain.CategoryBank, Source: domain.SourceScraper}
	}
	if !domain.IsUnsetCategory(in.ScraperCategory) {
		return Result{Category: strings.TrimSpace(in.ScraperCategory), Source: domain.SourceScraper}
	}
	if c, ok := s.cache[in.DescriptionKey]; ok && in.DescriptionKey != "" {
		return Result{Category: c, Source: domain.SourceCache}
	}
	if c, ok := s.matcher.Match(in.Description); ok {
		return Result{Category: c, Source: domain.SourceRule}
	}
	return Result{Source: domain.SourceNone}
}

// ─── Rule Matching ──────────────────────────────────────────────────────────

type compiledRule struct {
	category string
	substr   string         // lowercased, when the pattern has no wildcard
	re       *regexp.Regexp // when it does
}

// Matcher evaluates active rules in ascending priority order.
type Matcher struct {
	rules []compiledRule
}

// NewMatcher compiles rules. Inactive rules and empty patterns are dropped.
func NewMatcher(rules []domain.CategorizationRule) *Matcher {
	sorted := make([]domain.CategorizationRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && strings.TrimSpace(r.Pattern) != "" && strings.TrimSpace(r.TargetCategory) != "" {
			sorted = append(sorted, r)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	m := &Matcher{rules: make([]compiledRule, 0, len(sorted))}
	for _, r := range sorted {
		pat := strings.TrimSpace(r.Pattern)
		cr := compiledRule{category: strings.TrimSpace(r.TargetCategory)}
		if strings.Contains(pat, "*") {
			parts := strings.Split(pat, "*")
			for i, p := range parts {
				parts[i] = regexp.QuoteMeta(p)
			}
			cr.re = regexp.MustCompile("(?i)" + strings.Join(parts, ".*"))
		} else {
			cr.substr = strings.ToLower(pat)
		}
		m.rules = append(m.rules, cr)
	}
	return m
}

// Match returns the category of the first rule matching description.
func (m *Matcher) Match(description string) (string, bool) {
	lower := strings.ToLower(description)
	for _, r := range m.rules {
		if r.re != nil {
			if r.re.MatchString(description) {
				return r.category, true
			}
			continue
		}
		if strings.Contains(lower, r.substr) {
			return r.category, true
		}
	}
	return "", false
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int { return len(m.rules) }
