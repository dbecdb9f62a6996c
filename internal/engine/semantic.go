package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"webreplay/backend/internal/locator"
)

// SemanticEvaluator resolves protocol_semantic strategies through the
// accessibility tree. Role plus accessible name survive most markup refactors,
// which is why this family carries the highest weight.
type SemanticEvaluator struct{}

func NewSemanticEvaluator() *SemanticEvaluator { return &SemanticEvaluator{} }

func (e *SemanticEvaluator) Type() locator.StrategyType { return locator.StrategySemantic }

func (e *SemanticEvaluator) Timeout() time.Duration { return FastEvaluatorTimeout }

func (e *SemanticEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()

	role, name := "", s.Target
	if m := s.Metadata.Semantic; m != nil {
		role = m.Role
		name = firstNonEmpty(m.Name, m.Label, m.Placeholder, m.TestID, s.Target)
	}
	if role == "" && name == "" {
		return notFoundResult(s, "no role or accessible name recorded", start)
	}

	els, err := page.QueryAXTree(ctx, role, name)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return skippedResult(s, err.Error())
		}
		return notFoundResult(s, fmt.Sprintf("accessibility query failed: %v", err), start)
	}
	if len(els) == 0 {
		return notFoundResult(s, fmt.Sprintf("no accessibility node matches role=%q name=%q", role, name), start)
	}

	// Prefer the exact accessible-name match; otherwise take the first
	// candidate with a mild penalty for the looser identity.
	best := els[0]
	exact := false
	for _, el := range els {
		if strings.EqualFold(el.Name, name) {
			best = el
			exact = true
			break
		}
	}
	confidence := s.Confidence
	if !exact {
		confidence *= 0.9
	}

	var pt *locator.Point
	if !best.Rect.Empty() {
		center := best.Rect.Center()
		pt = &center
	} else if p, ok := s.ClickPoint(); ok {
		pt = &p
	}
	return foundResult(s, confidence, &best, pt, start)
}

// TextEvaluator resolves protocol_text strategies: visible text, label,
// placeholder, value or test id queried through the page. A unique match keeps
// the static confidence; multiple matches use the first in document order with
// a penalty for the ambiguity.
type TextEvaluator struct{}

func NewTextEvaluator() *TextEvaluator { return &TextEvaluator{} }

func (e *TextEvaluator) Type() locator.StrategyType { return locator.StrategyText }

func (e *TextEvaluator) Timeout() time.Duration { return FastEvaluatorTimeout }

func (e *TextEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()
	if strings.TrimSpace(s.Target) == "" {
		return notFoundResult(s, "no text recorded", start)
	}

	els, err := page.FindByText(ctx, s.Target)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return skippedResult(s, err.Error())
		}
		return notFoundResult(s, fmt.Sprintf("text query failed: %v", err), start)
	}
	if len(els) == 0 {
		return notFoundResult(s, fmt.Sprintf("no visible element matches text %q", s.Target), start)
	}

	best := els[0]
	confidence := s.Confidence
	if len(els) > 1 {
		confidence *= 0.85
	}

	var pt *locator.Point
	if !best.Rect.Empty() {
		center := best.Rect.Center()
		pt = &center
	} else if p, ok := s.ClickPoint(); ok {
		pt = &p
	}
	return foundResult(s, confidence, &best, pt, start)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
