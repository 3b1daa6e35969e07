// Package supplier matches cleaned payee names against the curated
// known-supplier catalog. The catalog is a read model refreshed by an
// external replication job; the matcher only queries and scores.
package supplier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/normalize"
)

// Catalog is the queryable supplier read model.
type Catalog interface {
	SearchSuppliers(ctx context.Context, normalizedName string, limit int) ([]*contracts.KnownSupplier, error)
}

// Match is one scored candidate.
type Match struct {
	Supplier   *contracts.KnownSupplier `json:"supplier"`
	Confidence float64                  `json:"confidence"`
	Reasoning  string                   `json:"reasoning"`
}

// Matcher scores catalog candidates against a query name.
type Matcher struct {
	catalog       Catalog
	minConfidence float64
	maxResults    int
}

// NewMatcher creates a matcher. minConfidence defaults to 0.7 and maxResults
// to 10 when zero.
func NewMatcher(catalog Catalog, minConfidence float64, maxResults int) *Matcher {
	if minConfidence <= 0 {
		minConfidence = 0.7
	}
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Matcher{catalog: catalog, minConfidence: minConfidence, maxResults: maxResults}
}

// BestMatches returns up to maxResults candidates at or above minConfidence,
// ordered by confidence descending, then shorter name length, then supplier
// id for a stable order.
func (m *Matcher) BestMatches(ctx context.Context, rawName string) ([]Match, error) {
	query := normalize.Name(rawName)
	if query == "" {
		return nil, nil
	}
	candidates, err := m.catalog.SearchSuppliers(ctx, query, m.maxResults*5)
	if err != nil {
		return nil, fmt.Errorf("supplier search: %w", err)
	}

	var matches []Match
	for _, c := range candidates {
		confidence, reasoning := Score(query, c.NormalizedName)
		if confidence < m.minConfidence {
			continue
		}
		matches = append(matches, Match{Supplier: c, Confidence: confidence, Reasoning: reasoning})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Supplier.NameLength != matches[j].Supplier.NameLength {
			return matches[i].Supplier.NameLength < matches[j].Supplier.NameLength
		}
		return matches[i].Supplier.SupplierID < matches[j].Supplier.SupplierID
	})

	if len(matches) > m.maxResults {
		matches = matches[:m.maxResults]
	}
	return matches, nil
}

// Score computes the confidence for a candidate against the query. Both
// inputs are normalized names.
//
//	exact equality                      -> 1.0
//	proper substring (either direction) -> 0.9
//	otherwise max(common-word ratio, 0.5)
func Score(query, candidate string) (float64, string) {
	if query == candidate {
		return 1.0, "exact normalized match"
	}
	if query != "" && candidate != "" &&
		(strings.Contains(candidate, query) || strings.Contains(query, candidate)) {
		return 0.9, "substring match"
	}

	qWords := strings.Fields(query)
	cWords := strings.Fields(candidate)
	common := 0
	cSet := make(map[string]struct{}, len(cWords))
	for _, w := range cWords {
		cSet[w] = struct{}{}
	}
	for _, w := range qWords {
		if _, ok := cSet[w]; ok {
			common++
		}
	}
	denom := len(qWords)
	if len(cWords) > denom {
		denom = len(cWords)
	}
	ratio := 0.0
	if denom > 0 {
		ratio = float64(common) / float64(denom)
	}
	if ratio < 0.5 {
		ratio = 0.5
	}
	return ratio, fmt.Sprintf("%d common words", common)
}
