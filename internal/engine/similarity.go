package engine

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FragmentSimilarity compares the HTML fragment recorded for an element with
// the fragment found live and returns a [0,1] similarity: tag identity counts
// 0.3, attribute overlap 0.4, text overlap 0.3. ok is false when either
// fragment cannot be parsed into an element, in which case the caller keeps
// its static confidence.
func FragmentSimilarity(recorded, live string) (float64, bool) {
	rs, ok := fragmentRoot(recorded)
	if !ok {
		return 0, false
	}
	ls, ok := fragmentRoot(live)
	if !ok {
		return 0, false
	}

	score := 0.0
	if goquery.NodeName(rs) == goquery.NodeName(ls) {
		score += 0.3
	}
	score += 0.4 * attributeOverlap(rs, ls)
	score += 0.3 * tokenOverlap(rs.Text(), ls.Text())
	return clamp01(score), true
}

// fragmentRoot parses an HTML fragment and returns its first element.
func fragmentRoot(fragment string) (*goquery.Selection, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, false
	}
	sel := doc.Find("body").Children().First()
	if sel.Length() == 0 {
		return nil, false
	}
	return sel, true
}

// attributeOverlap is the Jaccard overlap of name=value attribute pairs.
// Volatile attributes (style) are ignored; two attribute-free elements count
// as fully overlapping.
func attributeOverlap(a, b *goquery.Selection) float64 {
	av := attributeSet(a)
	bv := attributeSet(b)
	if len(av) == 0 && len(bv) == 0 {
		return 1
	}
	shared := 0
	for pair := range av {
		if bv[pair] {
			shared++
		}
	}
	union := len(av) + len(bv) - shared
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

func attributeSet(sel *goquery.Selection) map[string]bool {
	node := sel.Get(0)
	if node == nil {
		return nil
	}
	set := make(map[string]bool, len(node.Attr))
	for _, a := range node.Attr {
		if a.Key == "style" {
			continue
		}
		set[a.Key+"="+a.Val] = true
	}
	return set
}

// tokenOverlap is the Jaccard overlap of whitespace-separated, lowercased
// text tokens. Two empty texts count as fully overlapping.
func tokenOverlap(a, b string) float64 {
	at := strings.Fields(strings.ToLower(a))
	bt := strings.Fields(strings.ToLower(b))
	if len(at) == 0 && len(bt) == 0 {
		return 1
	}
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	set := make(map[string]bool, len(at))
	for _, t := range at {
		set[t] = true
	}
	shared := 0
	seen := make(map[string]bool, len(bt))
	for _, t := range bt {
		if set[t] && !seen[t] {
			shared++
			seen[t] = true
		}
	}
	union := len(set) + uniqueCount(bt) - shared
	if union == 0 {
		return 1
	}
	return float64(shared) / float64(union)
}

func uniqueCount(tokens []string) int {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return len(set)
}
