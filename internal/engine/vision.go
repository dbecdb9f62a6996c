package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webreplay/backend/internal/locator"
)

// TextRecognizer is the external text-recognition capability the vision
// evaluator calls. RecognizeText returns every region scoring at or above
// minConfidence; the recognizer's own confidence rides along per region.
type TextRecognizer interface {
	Ready() bool
	RecognizeText(ctx context.Context, image []byte, minConfidence float64) ([]TextMatch, error)
}

// TextMatch is one recognized text region on a screenshot.
type TextMatch struct {
	Text       string
	Confidence float64
	Rect       locator.Rect
}

// minTextCloseness is the floor below which a recognized region is not
// considered a match for the recorded target text.
const minTextCloseness = 0.5

// VisionEvaluator resolves vision_ocr strategies: screenshot the page, run
// text recognition, fuzzy-match the recorded text and return the matched
// region's center as the click point. Dynamic confidence is the recognizer's
// confidence scaled by how close the recognized text is to the recorded one.
// The OCR round-trip is slow, so this evaluator runs under the larger vision
// budget and must never hold up the fast evaluators.
type VisionEvaluator struct {
	recognizer    TextRecognizer
	minConfidence float64
}

func NewVisionEvaluator(recognizer TextRecognizer) *VisionEvaluator {
	return &VisionEvaluator{recognizer: recognizer, minConfidence: 0.4}
}

func (e *VisionEvaluator) Type() locator.StrategyType { return locator.StrategyVisionOCR }

func (e *VisionEvaluator) Timeout() time.Duration { return VisionEvaluatorTimeout }

func (e *VisionEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()
	if e.recognizer == nil || !e.recognizer.Ready() {
		return skippedResult(s, "vision capability not initialized")
	}
	if strings.TrimSpace(s.Target) == "" {
		return notFoundResult(s, "no text recorded for vision match", start)
	}

	img, err := page.CaptureScreenshot(ctx)
	if err != nil {
		return notFoundResult(s, fmt.Sprintf("screenshot failed: %v", err), start)
	}
	matches, err := e.recognizer.RecognizeText(ctx, img, e.minConfidence)
	if err != nil {
		return notFoundResult(s, fmt.Sprintf("text recognition failed: %v", err), start)
	}

	var best *TextMatch
	var bestScore, bestCloseness float64
	for i := range matches {
		closeness := textCloseness(s.Target, matches[i].Text)
		if closeness < minTextCloseness {
			continue
		}
		score := matches[i].Confidence * closeness
		if best == nil || score > bestScore {
			best = &matches[i]
			bestScore = score
			bestCloseness = closeness
		}
	}
	if best == nil {
		return notFoundResult(s, fmt.Sprintf("no recognized text close to %q (%d regions)", s.Target, len(matches)), start)
	}
	if best.Rect.Empty() {
		return notFoundResult(s, fmt.Sprintf("recognized %q without a usable bounding box", best.Text), start)
	}

	center := best.Rect.Center()
	return foundResult(s, best.Confidence*bestCloseness, nil, &center, start)
}

// textCloseness scores how close recognized text is to the recorded target in
// [0,1]: exact match 1.0, containment 0.85, otherwise a scaled token overlap.
// Comparison is case-insensitive with collapsed whitespace.
func textCloseness(want, got string) float64 {
	w := normalizeText(want)
	g := normalizeText(got)
	if w == "" || g == "" {
		return 0
	}
	if w == g {
		return 1
	}
	if strings.Contains(g, w) || strings.Contains(w, g) {
		return 0.85
	}

	wt := strings.Fields(w)
	gt := strings.Fields(g)
	set := make(map[string]bool, len(wt))
	for _, t := range wt {
		set[t] = true
	}
	shared := 0
	for _, t := range gt {
		if set[t] {
			shared++
			delete(set, t)
		}
	}
	if shared == 0 {
		return 0
	}
	union := len(wt) + len(gt) - shared
	return 0.8 * float64(shared) / float64(union)
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
