// Package exclusion implements the keyword exclusion filter: a whole-word
// match of normalized payee names against the active keyword set. Excluded
// records bypass the cost-bearing enrichment stages.
package exclusion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerworks/payeeflow/pkg/normalize"
)

// KeywordSource provides the active keyword set, already casefolded.
type KeywordSource interface {
	ActiveKeywords(ctx context.Context) ([]string, error)
}

// Filter caches the active keyword set with bounded staleness. The keyword
// admin API calls Invalidate on every mutation.
type Filter struct {
	source KeywordSource
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.RWMutex
	keywords  map[string]struct{}
	fetchedAt time.Time
}

// New creates a filter over the given source. ttl bounds cache staleness;
// zero means a 30 second default.
func New(source KeywordSource, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Filter{
		source: source,
		ttl:    ttl,
		logger: slog.Default().With("component", "exclusion"),
	}
}

// ActiveSet returns the active keyword set, casefolded. The set is cached
// until the TTL elapses or Invalidate is called.
func (f *Filter) ActiveSet(ctx context.Context) (map[string]struct{}, error) {
	f.mu.RLock()
	if f.keywords != nil && time.Since(f.fetchedAt) < f.ttl {
		set := f.keywords
		f.mu.RUnlock()
		return set, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keywords != nil && time.Since(f.fetchedAt) < f.ttl {
		return f.keywords, nil
	}

	raw, err := f.source.ActiveKeywords(ctx)
	if err != nil {
		if f.keywords != nil {
			// Serve stale on source error; exclusion is advisory.
			f.logger.WarnContext(ctx, "keyword refresh failed, serving stale set", "error", err)
			return f.keywords, nil
		}
		return nil, fmt.Errorf("load active keywords: %w", err)
	}
	set := make(map[string]struct{}, len(raw))
	for _, k := range raw {
		set[normalize.Name(k)] = struct{}{}
	}
	f.keywords = set
	f.fetchedAt = time.Now()
	return set, nil
}

// Invalidate discards the cached set. The next call refetches.
func (f *Filter) Invalidate() {
	f.mu.Lock()
	f.keywords = nil
	f.mu.Unlock()
}

// Match returns the first keyword that matches the name as a whole word,
// i.e. the keyword equals one of the whitespace tokens of the normalized
// name. The empty string means no match.
func (f *Filter) Match(ctx context.Context, name string) (string, error) {
	set, err := f.ActiveSet(ctx)
	if err != nil {
		return "", err
	}
	for _, token := range normalize.Tokens(name) {
		if _, ok := set[token]; ok {
			return token, nil
		}
	}
	return "", nil
}

// TestResult is one row of a keyword dry-run.
type TestResult struct {
	Name    string `json:"name"`
	Matches bool   `json:"matches"`
}

// Test reports, for each name, whether the given keyword would match it.
// Used by the keyword admin tooling; does not consult the active set.
func Test(keyword string, names []string) []TestResult {
	folded := normalize.Name(keyword)
	results := make([]TestResult, 0, len(names))
	for _, name := range names {
		matches := false
		for _, token := range normalize.Tokens(name) {
			if token == folded {
				matches = true
				break
			}
		}
		results = append(results, TestResult{Name: name, Matches: matches})
	}
	return results
}
