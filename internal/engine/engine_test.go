package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webreplay/backend/internal/locator"
)

// stubEvaluator returns a canned evaluation after an optional delay. The delay
// deliberately ignores the context to simulate a stuck evaluator; the engine
// must abandon it at the timeout.
type stubEvaluator struct {
	typ     locator.StrategyType
	timeout time.Duration
	delay   time.Duration
	eval    Evaluation
}

func (s stubEvaluator) Type() locator.StrategyType { return s.typ }

func (s stubEvaluator) Timeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return 100 * time.Millisecond
}

func (s stubEvaluator) Evaluate(_ context.Context, _ PageContext, strat locator.LocatorStrategy) Evaluation {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	r := s.eval
	r.Strategy = s.typ
	r.Target = strat.Target
	return r
}

func stubFound(conf float64) Evaluation {
	return Evaluation{Found: true, Confidence: conf, Outcome: OutcomeFound}
}

func stubMiss() Evaluation {
	return Evaluation{Outcome: OutcomeNotFound, Err: "not found"}
}

func stubSkip(reason string) Evaluation {
	return Evaluation{Outcome: OutcomeSkipped, Err: reason}
}

func stubEngine(evaluators ...Evaluator) *Engine {
	return New(NewRegistry(evaluators...))
}

func semanticStrat(name string, conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategySemantic, Target: name, Confidence: conf,
		Metadata: locator.StrategyMetadata{Semantic: &locator.SemanticMeta{
			Role: "button", Name: name,
			Rect: locator.Rect{X: 450, Y: 320, Width: 50, Height: 30},
		}},
	}
}

func structuralStrat(selector string, conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategyStructuralID, Target: selector, Confidence: conf,
		Metadata: locator.StrategyMetadata{Structural: &locator.StructuralMeta{
			Rect: locator.Rect{X: 450, Y: 320, Width: 50, Height: 30},
		}},
	}
}

func cssStrat(selector string, conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategyCSSPath, Target: selector, Confidence: conf,
		Metadata: locator.StrategyMetadata{Structural: &locator.StructuralMeta{
			Rect: locator.Rect{X: 450, Y: 320, Width: 50, Height: 30},
		}},
	}
}

func visionStrat(text string, conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategyVisionOCR, Target: text, Confidence: conf,
		Metadata: locator.StrategyMetadata{Vision: &locator.VisionMeta{
			OCRConfidence: 0.9,
			Rect:          locator.Rect{X: 450, Y: 320, Width: 50, Height: 30},
		}},
	}
}

func coordStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategyCoordinates, Target: "475,335", Confidence: conf,
		Metadata: locator.StrategyMetadata{Coordinates: &locator.CoordinatesMeta{
			X: 475, Y: 335, Viewport: locator.Viewport{Width: 1280, Height: 720},
		}},
	}
}

func chainOf(t *testing.T, strategies ...locator.LocatorStrategy) locator.FallbackChain {
	t.Helper()
	chain, err := locator.NewFallbackChain(strategies, time.Now())
	require.NoError(t, err)
	return chain
}

// Submit-button chain: semantic 0.95, css .submit-btn 0.85, coordinates 0.60.
func submitChain(t *testing.T) locator.FallbackChain {
	t.Helper()
	return chainOf(t,
		semanticStrat("Submit", 0.95),
		cssStrat(".submit-btn", 0.85),
		coordStrat(0.60),
	)
}

func TestEvaluateChainSemanticGoneCSSWins(t *testing.T) {
	// The button re-rendered without its role: semantic misses, css and
	// coordinates both resolve. The css score must beat coordinates.
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubFound(0.85)},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)

	d, err := eng.EvaluateChain(context.Background(), submitChain(t), nil)
	require.NoError(t, err)
	require.NotNil(t, d.Winner)
	assert.Equal(t, locator.StrategyCSSPath, d.Winner.Strategy)
	assert.InDelta(t, 0.85*locator.Weight(locator.StrategyCSSPath), d.WinnerScore, 1e-9)
	assert.False(t, d.LowConfidence)
	assert.Equal(t, StateDecided, d.State)
	assert.Len(t, d.Results, 3)
}

func TestEvaluateChainOnlyCoordinatesLowConfidence(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)

	d, err := eng.EvaluateChain(context.Background(), submitChain(t), nil)
	require.NoError(t, err)
	require.NotNil(t, d.Winner)
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)
	assert.True(t, d.LowConfidence)
}

func TestEvaluateChainSlowVisionTimesOutWithoutBlocking(t *testing.T) {
	// The vision stub sleeps far past its budget while ignoring cancellation;
	// the engine must settle on the fast evaluators and record the slow one as
	// a distinct timeout, not drop it.
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategyVisionOCR, timeout: 80 * time.Millisecond, delay: 2 * time.Second, eval: stubFound(0.9)},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t, visionStrat("Submit", 0.70), coordStrat(0.60))

	start := time.Now()
	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 600*time.Millisecond, "scoring must not wait for the stuck evaluator")
	require.NotNil(t, d.Winner)
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)

	visionIdx := chain.IndexOf(locator.StrategyVisionOCR)
	require.GreaterOrEqual(t, visionIdx, 0)
	assert.Equal(t, OutcomeTimeout, d.Results[visionIdx].Outcome)
}

func TestEvaluateChainDeterministicWinner(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubFound(0.85)},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := submitChain(t)

	for i := 0; i < 25; i++ {
		d, err := eng.EvaluateChain(context.Background(), chain, nil)
		require.NoError(t, err)
		require.NotNil(t, d.Winner)
		assert.Equal(t, locator.StrategyCSSPath, d.Winner.Strategy, "run %d", i)
	}
}

func TestEvaluateChainWeightBreaksEqualConfidence(t *testing.T) {
	// Equal dynamic confidence: the heavier strategy family must win.
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategyStructuralID, eval: stubFound(0.9)},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubFound(0.9)},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t,
		structuralStrat("#submit", 0.9),
		cssStrat("form > button", 0.8),
		coordStrat(0.6),
	)

	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	require.NoError(t, err)
	require.NotNil(t, d.Winner)
	assert.Equal(t, locator.StrategyStructuralID, d.Winner.Strategy)
}

func TestEvaluateChainTieBreaksByRecordedOrder(t *testing.T) {
	// 0.80 weight x 0.9 confidence equals 0.90 weight x 0.8 confidence; the
	// strategy recorded closer to primary must take the tie.
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubFound(0.9)},
		stubEvaluator{typ: locator.StrategyStructuralID, eval: stubFound(0.8)},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubMiss()},
	)

	cssFirst := chainOf(t, cssStrat(".a", 0.9), structuralStrat("#a", 0.7), coordStrat(0.5))
	d, err := eng.EvaluateChain(context.Background(), cssFirst, nil)
	require.NoError(t, err)
	assert.Equal(t, locator.StrategyCSSPath, d.Winner.Strategy)

	structuralFirst := chainOf(t, structuralStrat("#a", 0.9), cssStrat(".a", 0.7), coordStrat(0.5))
	d, err = eng.EvaluateChain(context.Background(), structuralFirst, nil)
	require.NoError(t, err)
	assert.Equal(t, locator.StrategyStructuralID, d.Winner.Strategy)
}

func TestEvaluateChainGuaranteedFallback(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyText, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyStructuralID, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyVisionOCR, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t,
		semanticStrat("Submit", 0.95),
		structuralStrat("#submit", 0.9),
		cssStrat(".submit", 0.8),
		visionStrat("Submit", 0.7),
		coordStrat(0.6),
	)

	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	require.NoError(t, err)
	require.NotNil(t, d.Winner, "coordinates must keep the chain from failing")
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)
	assert.True(t, d.LowConfidence)
}

func TestEvaluateChainNoStrategyResolved(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCSSPath, eval: stubMiss()},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubMiss()},
	)

	d, err := eng.EvaluateChain(context.Background(), submitChain(t), nil)
	require.Error(t, err)
	assert.Nil(t, d.Winner)

	var nsr *NoStrategyResolvedError
	require.True(t, errors.As(err, &nsr))
	assert.Len(t, nsr.Results, 3, "failure must carry the full per-strategy breakdown")
	assert.Contains(t, err.Error(), "no strategy resolved")
	assert.Contains(t, err.Error(), string(locator.StrategySemantic))
}

func TestEvaluateChainSkippedExcludedFromScoring(t *testing.T) {
	// Vision would out-score coordinates if counted, but its capability is
	// down; the skipped result must be reported yet never win.
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategyVisionOCR, eval: stubSkip("vision capability not initialized")},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t, visionStrat("Submit", 0.95), coordStrat(0.60))

	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	require.NoError(t, err)
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)

	visionIdx := chain.IndexOf(locator.StrategyVisionOCR)
	assert.Equal(t, OutcomeSkipped, d.Results[visionIdx].Outcome)
}

func TestEvaluateChainUnregisteredEvaluatorSkipped(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t, semanticStrat("Submit", 0.95), coordStrat(0.60))

	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	require.NoError(t, err)
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)

	semIdx := chain.IndexOf(locator.StrategySemantic)
	assert.Equal(t, OutcomeSkipped, d.Results[semIdx].Outcome)
	assert.Contains(t, d.Results[semIdx].Err, "no evaluator registered")
}

func TestEvaluateChainPanickingEvaluatorContained(t *testing.T) {
	eng := stubEngine(
		panicEvaluator{},
		stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.60)},
	)
	chain := chainOf(t, semanticStrat("Submit", 0.95), coordStrat(0.60))

	d, err := eng.EvaluateChain(context.Background(), chain, nil)
	require.NoError(t, err)
	assert.Equal(t, locator.StrategyCoordinates, d.Winner.Strategy)

	semIdx := chain.IndexOf(locator.StrategySemantic)
	assert.Equal(t, OutcomeNotFound, d.Results[semIdx].Outcome)
	assert.Contains(t, d.Results[semIdx].Err, "panic")
}

func TestEvaluateChainCancelledContext(t *testing.T) {
	eng := stubEngine(
		stubEvaluator{typ: locator.StrategySemantic, delay: 50 * time.Millisecond, eval: stubFound(0.9)},
		stubEvaluator{typ: locator.StrategyCoordinates, delay: 50 * time.Millisecond, eval: stubFound(0.6)},
	)
	chain := chainOf(t, semanticStrat("Submit", 0.95), coordStrat(0.60))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.EvaluateChain(ctx, chain, nil)
	var nsr *NoStrategyResolvedError
	require.True(t, errors.As(err, &nsr))
	for _, r := range nsr.Results {
		assert.Contains(t, r.Err, "cancelled")
	}
}

func TestEvaluateChainRejectsInvalidChain(t *testing.T) {
	eng := stubEngine(stubEvaluator{typ: locator.StrategyCoordinates, eval: stubFound(0.6)})
	_, err := eng.EvaluateChain(context.Background(), locator.FallbackChain{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid fallback chain")
}

type panicEvaluator struct{}

func (panicEvaluator) Type() locator.StrategyType { return locator.StrategySemantic }
func (panicEvaluator) Timeout() time.Duration     { return 100 * time.Millisecond }
func (panicEvaluator) Evaluate(context.Context, PageContext, locator.LocatorStrategy) Evaluation {
	panic("boom")
}
