// Package suggest ranks known names by similarity to a name the caller got
// wrong, for "did you mean" hints on not-found errors.
package suggest

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
)

// DefaultLimit is the number of hints attached to not-found errors.
const DefaultLimit = 3

// threshold filters out irrelevant candidates.
const threshold = 0.4

type match struct {
	name  string
	score float64
}

// Similar returns up to limit candidates most similar to query, best first.
// Ties keep candidate order so the result is stable.
func Similar(query string, candidates []string, limit int) []string {
	if query == "" || len(candidates) == 0 || limit <= 0 {
		return nil
	}

	queryLower := strings.ToLower(query)
	queryTokens := tokenize(query)

	var results []match
	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		if score := Score(queryLower, queryTokens, c); score > threshold {
			results = append(results, match{name: c, score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.name
	}
	return out
}

// Score returns a similarity between 0 and 1, the better of a whole-string
// levenshtein ratio and an averaged per-token ratio.
func Score(queryLower string, queryTokens map[string]bool, candidate string) float64 {
	candLower := strings.ToLower(candidate)

	if queryLower == candLower {
		return 1.0
	}
	if strings.Contains(candLower, queryLower) {
		return 0.95
	}

	global := ratio(queryLower, candLower)

	// Per-token matching handles "service table" against
	// "_SERVICE_DESCRIPTOR_TABLE" and typos inside one token.
	candTokens := tokenize(candidate)
	total := 0.0
	for q := range queryTokens {
		best := 0.0
		if candTokens[q] {
			best = 1.0
		} else {
			for c := range candTokens {
				if s := ratio(q, c); s > best {
					best = s
				}
			}
		}
		total += best
	}
	tokenScore := 0.0
	if len(queryTokens) > 0 {
		tokenScore = total / float64(len(queryTokens))
	}

	return math.Max(global, tokenScore)
}

func ratio(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	s := 1.0 - float64(levenshtein.Distance(a, b, nil))/float64(longest)
	if s < 0 {
		return 0
	}
	return s
}

// tokenize splits on non-alphanumerics and camelCase boundaries and lowers
// the result.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens[strings.ToLower(cur.String())] = true
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			flush()
			prev = r
			continue
		}
		if unicode.IsUpper(r) && unicode.IsLower(prev) {
			flush()
		}
		cur.WriteRune(r)
		prev = r
	}
	flush()
	return tokens
}

// Tokens is exported for callers that score many candidates against one
// query.
func Tokens(query string) map[string]bool { return tokenize(query) }
