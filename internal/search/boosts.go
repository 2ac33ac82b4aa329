package search

import (
	"regexp"
	"strings"

	"github.com/aliou/osgrep/internal/store"
)

// Additive boost values applied after blending.
const (
	boostSubstring    = 0.25
	boostAnchor       = 0.12
	boostPathToken    = 0.05
	boostOverlapMax   = 0.08
	boostOverlapPerTk = 0.02
)

var tokenSplitRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// boosts computes the heuristic score additions for one row.
func boosts(query string, row *store.Row) float64 {
	var boost float64

	lowerQuery := strings.ToLower(query)
	lowerContent := strings.ToLower(row.Content)

	if len(query) >= 3 && strings.Contains(lowerContent, lowerQuery) {
		boost += boostSubstring
	}

	if row.IsAnchor {
		boost += boostAnchor
	}

	queryTokens := tokenize(lowerQuery)

	lowerPath := strings.ToLower(row.Path)
	for _, tok := range queryTokens {
		if len(tok) >= 3 && strings.Contains(lowerPath, tok) {
			boost += boostPathToken
			break
		}
	}

	contentTokens := make(map[string]struct{})
	for _, tok := range tokenize(lowerContent) {
		contentTokens[tok] = struct{}{}
	}
	overlap := 0
	for _, tok := range queryTokens {
		if _, ok := contentTokens[tok]; ok {
			overlap++
		}
	}
	overlapBoost := float64(overlap) * boostOverlapPerTk
	if overlapBoost > boostOverlapMax {
		overlapBoost = boostOverlapMax
	}
	boost += overlapBoost

	return boost
}

// tokenize splits on non-alphanumeric runs, dropping empties.
func tokenize(s string) []string {
	var out []string
	for _, tok := range tokenSplitRe.Split(s, -1) {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}
