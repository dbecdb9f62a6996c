package engine

import (
	"context"
	"time"

	"webreplay/backend/internal/locator"
)

// Per-evaluator timeout budgets. Fast evaluators answer in a protocol
// round-trip or two; the vision evaluator pays for a screenshot plus an OCR
// call and gets a larger budget so it can still be abandoned promptly.
const (
	FastEvaluatorTimeout   = 300 * time.Millisecond
	VisionEvaluatorTimeout = 2 * time.Second
)

// Outcome classifies one evaluator attempt for scoring and telemetry. Timeouts
// score like not-found but are reported distinctly so slowness is never
// mistaken for absence; skipped strategies are excluded from scoring entirely.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeSkipped  Outcome = "skipped"
)

// Evaluation is the result of resolving one locator strategy against the live
// page. Dynamic confidence is assigned here at replay time and is distinct
// from the chain's static capture-time confidence.
type Evaluation struct {
	Strategy      locator.StrategyType `json:"strategy"`
	Target        string               `json:"target"`
	Found         bool                 `json:"found"`
	Confidence    float64              `json:"confidence"`
	ClickPoint    *locator.Point       `json:"click_point,omitempty"`
	Element       *Element             `json:"-"`
	Outcome       Outcome              `json:"outcome"`
	Err           string               `json:"error,omitempty"`
	Duration      time.Duration        `json:"duration"`
	ViewportDrift bool                 `json:"viewport_drift,omitempty"`
}

// Evaluator resolves one strategy type against the live page.
//
// Contract: Evaluate never panics and never mutates the page. Every failure
// mode is folded into the returned Evaluation (found=false plus a reason); a
// missing capability is reported as a skipped outcome. Evaluators must be
// safely invocable concurrently against the same PageContext.
type Evaluator interface {
	Type() locator.StrategyType
	Timeout() time.Duration
	Evaluate(ctx context.Context, page PageContext, s locator.LocatorStrategy) Evaluation
}

// Registry is the dispatch table from strategy type to evaluator. Adding an
// eighth strategy means registering one more evaluator here; scoring and
// routing call sites stay untouched.
type Registry struct {
	evaluators map[locator.StrategyType]Evaluator
}

func NewRegistry(evaluators ...Evaluator) *Registry {
	r := &Registry{evaluators: make(map[locator.StrategyType]Evaluator, len(evaluators))}
	for _, e := range evaluators {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the evaluator for its strategy type.
func (r *Registry) Register(e Evaluator) {
	if e == nil {
		return
	}
	r.evaluators[e.Type()] = e
}

// Lookup returns the evaluator for a strategy type, if one is registered.
func (r *Registry) Lookup(t locator.StrategyType) (Evaluator, bool) {
	e, ok := r.evaluators[t]
	return e, ok
}

// Len reports how many strategy types have evaluators.
func (r *Registry) Len() int {
	return len(r.evaluators)
}

// DefaultRegistry wires every built-in evaluator. A nil recognizer leaves the
// vision evaluator registered but reporting its capability as unavailable, so
// chains carrying a vision strategy degrade instead of erroring.
func DefaultRegistry(recognizer TextRecognizer) *Registry {
	return NewRegistry(
		NewSemanticEvaluator(),
		NewTextEvaluator(),
		NewStructuralEvaluator(locator.StrategyStructuralID),
		NewEvidenceEvaluator(),
		NewStructuralEvaluator(locator.StrategyCSSPath),
		NewVisionEvaluator(recognizer),
		NewCoordinatesEvaluator(),
	)
}

func foundResult(s locator.LocatorStrategy, confidence float64, el *Element, pt *locator.Point, start time.Time) Evaluation {
	return Evaluation{
		Strategy:   s.Type,
		Target:     s.Target,
		Found:      true,
		Confidence: clamp01(confidence),
		ClickPoint: pt,
		Element:    el,
		Outcome:    OutcomeFound,
		Duration:   time.Since(start),
	}
}

func notFoundResult(s locator.LocatorStrategy, reason string, start time.Time) Evaluation {
	return Evaluation{
		Strategy: s.Type,
		Target:   s.Target,
		Outcome:  OutcomeNotFound,
		Err:      reason,
		Duration: time.Since(start),
	}
}

func skippedResult(s locator.LocatorStrategy, reason string) Evaluation {
	return Evaluation{
		Strategy: s.Type,
		Target:   s.Target,
		Outcome:  OutcomeSkipped,
		Err:      reason,
	}
}

func timeoutResult(s locator.LocatorStrategy, start time.Time) Evaluation {
	return Evaluation{
		Strategy: s.Type,
		Target:   s.Target,
		Outcome:  OutcomeTimeout,
		Err:      "evaluator timeout",
		Duration: time.Since(start),
	}
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
