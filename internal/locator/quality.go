package locator

import (
	"regexp"
	"strings"
)

// Selector-quality heuristic. Recorded selectors that lean on generated ids,
// framework class names or positional pseudo-selectors tend to break on the
// next deploy, so each matched pattern reduces a 1.0 score. A score below
// ReliabilityThreshold forces the chain generator to keep vision/coordinate
// fallbacks even when the selector resolves at capture time.

// ReliabilityThreshold is the score below which a selector is considered too
// fragile to be trusted on its own.
const ReliabilityThreshold = 0.5

var (
	// #a1b2c3d4e5f6 style hex ids, and ids with long digit runs (row-12345).
	reHexID     = regexp.MustCompile(`#[a-fA-F0-9]{8,}`)
	reNumericID = regexp.MustCompile(`#\S*\d{4,}`)

	// Framework-generated class naming: css-1q2w3e, jsx-1234, styled-components
	// hashes, Angular content attributes, Ember ids, CSS-module suffixes.
	reFrameworkClass = regexp.MustCompile(`\.(css|jss|jsx|sc|svelte)-[a-zA-Z0-9]{4,}`)
	reHashedClass    = regexp.MustCompile(`\.[a-zA-Z][a-zA-Z0-9]*(_{2}|--)[a-zA-Z0-9]{5,}\b`)
	reEmberID        = regexp.MustCompile(`#ember\d+`)
	reNgContent      = regexp.MustCompile(`\[_ngcontent[^\]]*\]`)

	// Positional selection breaks as soon as siblings are inserted.
	reNthChild = regexp.MustCompile(`:nth-(child|of-type)\(`)
)

const maxHealthyDepth = 6

// SelectorQuality scores a selector's resilience in [0,1]. 1.0 means nothing
// about the selector looks auto-generated or positional.
func SelectorQuality(selector string) float64 {
	if selector == "" {
		return 0
	}

	score := 1.0

	if reHexID.MatchString(selector) {
		score -= 0.4
	} else if reNumericID.MatchString(selector) || reEmberID.MatchString(selector) {
		score -= 0.3
	}

	if reFrameworkClass.MatchString(selector) || reNgContent.MatchString(selector) {
		score -= 0.3
	}
	if reHashedClass.MatchString(selector) {
		score -= 0.2
	}

	if n := len(reNthChild.FindAllStringIndex(selector, -1)); n > 0 {
		score -= 0.15 * float64(n)
	}

	// Deep combinator chains couple the selector to the whole ancestor markup.
	if depth := SelectorDepth(selector); depth > maxHealthyDepth {
		score -= 0.1 * float64(depth-maxHealthyDepth)
	}

	if score < 0 {
		return 0
	}
	return score
}

// SelectorDepth counts the combinator segments of a CSS selector.
func SelectorDepth(selector string) int {
	if selector == "" {
		return 0
	}
	selector = strings.ReplaceAll(selector, ">", " ")
	depth := 0
	for _, seg := range strings.Fields(selector) {
		if seg != "" {
			depth++
		}
	}
	return depth
}

// LooksGenerated reports whether a selector trips any of the dynamic-shape
// patterns at all, regardless of the combined score.
func LooksGenerated(selector string) bool {
	return reHexID.MatchString(selector) ||
		reNumericID.MatchString(selector) ||
		reEmberID.MatchString(selector) ||
		reFrameworkClass.MatchString(selector) ||
		reNgContent.MatchString(selector) ||
		reHashedClass.MatchString(selector) ||
		reNthChild.MatchString(selector)
}

// Movement patterns classified from the recorded mouse trail.
const (
	PatternDirect    = "direct"
	PatternCurved    = "curved"
	PatternHesitant  = "hesitant"
	PatternSearching = "searching"
)

// PatternQuality scales evidence confidence by how deliberate the recorded
// mouse movement was. A direct approach is the strongest vouch for the point;
// a searching movement means the user hunted around before clicking.
// Unrecognized patterns score like hesitant movement.
func PatternQuality(pattern string) float64 {
	switch pattern {
	case PatternDirect:
		return 1.0
	case PatternCurved:
		return 0.9
	case PatternHesitant:
		return 0.8
	case PatternSearching:
		return 0.7
	}
	return 0.8
}
