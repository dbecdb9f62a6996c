package generator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"webreplay/backend/internal/locator"
)

// Generator merges one captured evidence bundle into a ranked fallback chain.
// A layer that failed upstream just leaves its evidence section nil, so
// generation degrades to fewer candidates; layer errors never propagate here.
type Generator struct{}

func New() *Generator { return &Generator{} }

// Generate synthesizes locator strategies from the available evidence,
// deduplicates them, assigns static confidences and returns them as a chain
// sorted by descending confidence. A coordinates strategy is always included;
// the only unrecoverable input is a bundle with no usable click point at all.
func (g *Generator) Generate(captured CapturedAction) (locator.FallbackChain, error) {
	var candidates []locator.LocatorStrategy

	if captured.DOM != nil {
		candidates = append(candidates, domCandidates(captured.DOM)...)
	}
	if includeVision(captured) {
		if c, ok := visionCandidate(captured.Vision); ok {
			candidates = append(candidates, c)
		}
	}
	if c, ok := mouseCandidate(captured); ok {
		candidates = append(candidates, c)
	}

	coords, ok := coordinatesCandidate(captured)
	if !ok {
		return locator.FallbackChain{}, fmt.Errorf("action %s: no evidence yields a click point", captured.ActionID)
	}
	candidates = append(candidates, coords)

	recordedAt := time.Now()
	if captured.Timestamp > 0 {
		recordedAt = time.UnixMilli(captured.Timestamp)
	}

	chain, err := locator.NewFallbackChain(dedupe(candidates), recordedAt)
	if err != nil {
		return locator.FallbackChain{}, fmt.Errorf("action %s: %w", captured.ActionID, err)
	}
	return chain, nil
}

// domCandidates yields up to four strategies from the DOM evidence: semantic
// identity, visible text, the preferred selector and the spelled-out CSS path.
// Static confidence starts at the type's fixed weight and is scaled down by
// capture-quality signals.
func domCandidates(dom *DOMEvidence) []locator.LocatorStrategy {
	var out []locator.LocatorStrategy

	if name := accessibleName(dom); name != "" {
		conf := locator.Weight(locator.StrategySemantic)
		if dom.Role == "" || dom.Name == "" {
			// Identity pieced together from label/placeholder/test-id rather
			// than an exposed accessible name.
			conf *= 0.9
		}
		out = append(out, locator.LocatorStrategy{
			Type:       locator.StrategySemantic,
			Target:     name,
			Confidence: clamp01(conf),
			Metadata: locator.StrategyMetadata{Semantic: &locator.SemanticMeta{
				Role:        dom.Role,
				Name:        dom.Name,
				Label:       dom.Label,
				Placeholder: dom.Placeholder,
				TestID:      dom.TestID,
				Rect:        dom.Rect,
			}},
		})
	}

	if text := strings.TrimSpace(dom.Text); text != "" {
		out = append(out, locator.LocatorStrategy{
			Type:       locator.StrategyText,
			Target:     text,
			Confidence: clamp01(locator.Weight(locator.StrategyText) * textQuality(text)),
			Metadata: locator.StrategyMetadata{Semantic: &locator.SemanticMeta{
				Name: text,
				Rect: dom.Rect,
			}},
		})
	}

	if dom.Selector != "" {
		out = append(out, selectorCandidate(locator.StrategyStructuralID, dom.Selector, dom))
	}
	if dom.CSSPath != "" && dom.CSSPath != dom.Selector {
		out = append(out, selectorCandidate(locator.StrategyCSSPath, dom.CSSPath, dom))
	}
	return out
}

func selectorCandidate(typ locator.StrategyType, selector string, dom *DOMEvidence) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       typ,
		Target:     selector,
		Confidence: clamp01(locator.Weight(typ) * locator.SelectorQuality(selector)),
		Metadata: locator.StrategyMetadata{Structural: &locator.StructuralMeta{
			XPath:      dom.XPath,
			Attributes: dom.Attributes,
			OuterHTML:  dom.OuterHTML,
			Rect:       dom.Rect,
			Depth:      locator.SelectorDepth(selector),
		}},
	}
}

// includeVision decides whether the OCR candidate earns a chain slot: always
// when no selector evidence exists, otherwise only when the best selector
// scores below the reliability threshold and vision is needed as insurance.
func includeVision(captured CapturedAction) bool {
	v := captured.Vision
	if v == nil || strings.TrimSpace(v.Text) == "" {
		return false
	}
	dom := captured.DOM
	if dom == nil || (dom.Selector == "" && dom.CSSPath == "") {
		return true
	}
	return bestSelectorQuality(dom) < locator.ReliabilityThreshold
}

func bestSelectorQuality(dom *DOMEvidence) float64 {
	var best float64
	if dom.Selector != "" {
		best = locator.SelectorQuality(dom.Selector)
	}
	if dom.CSSPath != "" {
		if q := locator.SelectorQuality(dom.CSSPath); q > best {
			best = q
		}
	}
	return best
}

func visionCandidate(v *VisionEvidence) (locator.LocatorStrategy, bool) {
	text := strings.TrimSpace(v.Text)
	if text == "" {
		return locator.LocatorStrategy{}, false
	}
	return locator.LocatorStrategy{
		Type:       locator.StrategyVisionOCR,
		Target:     text,
		Confidence: clamp01(locator.Weight(locator.StrategyVisionOCR) * clamp01(v.OCRConfidence)),
		Metadata: locator.StrategyMetadata{Vision: &locator.VisionMeta{
			OCRConfidence: v.OCRConfidence,
			Rect:          v.Rect,
		}},
	}, true
}

func mouseCandidate(captured CapturedAction) (locator.LocatorStrategy, bool) {
	m := captured.Mouse
	if m == nil || len(m.Trail) == 0 {
		return locator.LocatorStrategy{}, false
	}
	pattern := m.Pattern
	if pattern == "" {
		pattern = locator.PatternHesitant
	}
	var rect locator.Rect
	if captured.DOM != nil {
		rect = captured.DOM.Rect
	}
	return locator.LocatorStrategy{
		Type:       locator.StrategyEvidence,
		Target:     pattern,
		Confidence: clamp01(locator.Weight(locator.StrategyEvidence) * locator.PatternQuality(pattern)),
		Metadata: locator.StrategyMetadata{Evidence: &locator.EvidenceMeta{
			Trail:   m.Trail,
			Pattern: pattern,
			Rect:    rect,
		}},
	}, true
}

// coordinatesCandidate synthesizes the guaranteed last resort. The DOM rect
// center is preferred; without DOM evidence the trail endpoint or the OCR rect
// still pin a point.
func coordinatesCandidate(captured CapturedAction) (locator.LocatorStrategy, bool) {
	var pt locator.Point
	switch {
	case captured.DOM != nil && !captured.DOM.Rect.Empty():
		pt = captured.DOM.Rect.Center()
	case captured.Mouse != nil && len(captured.Mouse.Trail) > 0:
		last := captured.Mouse.Trail[len(captured.Mouse.Trail)-1]
		pt = locator.Point{X: last.X, Y: last.Y}
	case captured.Vision != nil && !captured.Vision.Rect.Empty():
		pt = captured.Vision.Rect.Center()
	default:
		return locator.LocatorStrategy{}, false
	}
	return locator.LocatorStrategy{
		Type:       locator.StrategyCoordinates,
		Target:     fmt.Sprintf("%.0f,%.0f", pt.X, pt.Y),
		Confidence: locator.Weight(locator.StrategyCoordinates),
		Metadata: locator.StrategyMetadata{Coordinates: &locator.CoordinatesMeta{
			X:        pt.X,
			Y:        pt.Y,
			Viewport: captured.Viewport,
		}},
	}, true
}

// accessibleName picks the strongest identity the capture exposed for the
// element: the accessible name first, then label, placeholder and test id.
func accessibleName(dom *DOMEvidence) string {
	for _, v := range []string{dom.Name, dom.Label, dom.Placeholder, dom.TestID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// textQuality discounts visible text that is too short or too long to be a
// dependable label.
func textQuality(text string) float64 {
	n := utf8.RuneCountInString(text)
	if n < 2 || n > 50 {
		return 0.85
	}
	return 1.0
}

// dedupe drops repeated (type, target) pairs, keeping the higher confidence.
func dedupe(candidates []locator.LocatorStrategy) []locator.LocatorStrategy {
	type key struct {
		typ    locator.StrategyType
		target string
	}
	seen := make(map[key]int, len(candidates))
	out := make([]locator.LocatorStrategy, 0, len(candidates))
	for _, c := range candidates {
		k := key{c.Type, c.Target}
		if i, dup := seen[k]; dup {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, c)
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
