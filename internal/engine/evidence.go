package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webreplay/backend/internal/locator"
)

// EvidenceEvaluator replays the evidence_scoring strategy: the mouse trail and
// bounding rect recorded at capture time vouch for a point, which is hit-tested
// against the live page. It fails when nothing interactable sits under the
// point anymore.
type EvidenceEvaluator struct{}

func NewEvidenceEvaluator() *EvidenceEvaluator { return &EvidenceEvaluator{} }

func (e *EvidenceEvaluator) Type() locator.StrategyType { return locator.StrategyEvidence }

func (e *EvidenceEvaluator) Timeout() time.Duration { return FastEvaluatorTimeout }

func (e *EvidenceEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()
	m := s.Metadata.Evidence
	if m == nil {
		return notFoundResult(s, "no evidence metadata recorded", start)
	}
	pt, ok := s.ClickPoint()
	if !ok {
		return notFoundResult(s, "evidence carries no usable point", start)
	}

	el, hit, err := page.ElementAtPoint(ctx, pt)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return skippedResult(s, err.Error())
		}
		return notFoundResult(s, fmt.Sprintf("hit test failed: %v", err), start)
	}
	if !hit {
		return notFoundResult(s, fmt.Sprintf("no element under evidence point (%.0f,%.0f)", pt.X, pt.Y), start)
	}

	return foundResult(s, s.Confidence*locator.PatternQuality(m.Pattern), &el, &pt, start)
}
