package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webreplay/backend/internal/locator"
)

// StructuralEvaluator resolves the structural_id and css_path strategies
// through the DOM. Zero matches and ambiguous matches both fail: acting on the
// wrong one of several candidates is worse than falling back. When both the
// recorded and the live outer HTML are available, dynamic confidence scales
// with fragment similarity; otherwise the static capture-time confidence is
// kept as-is.
type StructuralEvaluator struct {
	kind locator.StrategyType
}

// NewStructuralEvaluator builds an evaluator for one of the two selector
// strategies.
func NewStructuralEvaluator(kind locator.StrategyType) *StructuralEvaluator {
	return &StructuralEvaluator{kind: kind}
}

func (e *StructuralEvaluator) Type() locator.StrategyType { return e.kind }

func (e *StructuralEvaluator) Timeout() time.Duration { return FastEvaluatorTimeout }

func (e *StructuralEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()
	if s.Target == "" {
		return notFoundResult(s, "empty selector", start)
	}

	els, err := page.QuerySelectorAll(ctx, s.Target)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return skippedResult(s, err.Error())
		}
		return notFoundResult(s, fmt.Sprintf("query failed: %v", err), start)
	}
	switch {
	case len(els) == 0:
		return notFoundResult(s, "no element matches selector", start)
	case len(els) > 1:
		return notFoundResult(s, fmt.Sprintf("ambiguous selector: %d matches", len(els)), start)
	}

	el := els[0]
	confidence := s.Confidence
	if m := s.Metadata.Structural; m != nil && m.OuterHTML != "" && el.OuterHTML != "" {
		if sim, ok := FragmentSimilarity(m.OuterHTML, el.OuterHTML); ok {
			// Identical fragments keep the full static confidence; drifted
			// markup scales it down, bottoming out at half.
			confidence = s.Confidence * (0.5 + 0.5*sim)
		}
	}

	var pt *locator.Point
	if !el.Rect.Empty() {
		center := el.Rect.Center()
		pt = &center
	} else if p, ok := s.ClickPoint(); ok {
		pt = &p
	}
	return foundResult(s, confidence, &el, pt, start)
}
