package engine

import (
	"context"
	"math"
	"time"

	"webreplay/backend/internal/locator"
)

// viewportDriftTolerance is the relative viewport size change beyond which
// recorded pixel positions can no longer be trusted to land on the element.
const viewportDriftTolerance = 0.10

// CoordinatesEvaluator returns the recorded point unconditionally. It is the
// guaranteed last resort: confidence stays at the fixed low static value, and
// the result is flagged when the live viewport drifted materially from the
// recorded one, since raw pixel positions shift on resize.
type CoordinatesEvaluator struct{}

func NewCoordinatesEvaluator() *CoordinatesEvaluator { return &CoordinatesEvaluator{} }

func (e *CoordinatesEvaluator) Type() locator.StrategyType { return locator.StrategyCoordinates }

func (e *CoordinatesEvaluator) Timeout() time.Duration { return FastEvaluatorTimeout }

func (e *CoordinatesEvaluator) Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation {
	start := time.Now()
	m := s.Metadata.Coordinates
	if m == nil {
		return notFoundResult(s, "no coordinates metadata recorded", start)
	}

	pt := locator.Point{X: m.X, Y: m.Y}
	res := foundResult(s, s.Confidence, nil, &pt, start)
	if vp, err := page.Viewport(ctx); err == nil && driftExceeds(m.Viewport, vp) {
		res.ViewportDrift = true
	}
	return res
}

func driftExceeds(recorded, current locator.Viewport) bool {
	if recorded.Width <= 0 || recorded.Height <= 0 {
		return false
	}
	if current.Width <= 0 || current.Height <= 0 {
		return false
	}
	dw := math.Abs(float64(current.Width-recorded.Width)) / float64(recorded.Width)
	dh := math.Abs(float64(current.Height-recorded.Height)) / float64(recorded.Height)
	return dw > viewportDriftTolerance || dh > viewportDriftTolerance
}
