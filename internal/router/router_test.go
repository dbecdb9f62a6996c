package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/locator"
)

// scriptedEvaluator replays a fixed sequence of evaluations, repeating the
// last one. It stands in for live-page evaluators.
type scriptedEvaluator struct {
	typ     locator.StrategyType
	results []engine.Evaluation

	mu    sync.Mutex
	calls int
}

func (s *scriptedEvaluator) Type() locator.StrategyType { return s.typ }

func (s *scriptedEvaluator) Timeout() time.Duration { return 100 * time.Millisecond }

func (s *scriptedEvaluator) Evaluate(_ context.Context, _ engine.PageContext, strat locator.LocatorStrategy) engine.Evaluation {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	ev := s.results[idx]
	ev.Strategy = s.typ
	if ev.Target == "" {
		ev.Target = strat.Target
	}
	return ev
}

func (s *scriptedEvaluator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysFound(typ locator.StrategyType, conf float64, target string, pt *locator.Point) *scriptedEvaluator {
	return &scriptedEvaluator{typ: typ, results: []engine.Evaluation{{
		Found:      true,
		Confidence: conf,
		Target:     target,
		ClickPoint: pt,
		Outcome:    engine.OutcomeFound,
	}}}
}

func alwaysMiss(typ locator.StrategyType, reason string) *scriptedEvaluator {
	return &scriptedEvaluator{typ: typ, results: []engine.Evaluation{{
		Outcome: engine.OutcomeNotFound,
		Err:     reason,
	}}}
}

// dispatchCall records one fake dispatch for assertions.
type dispatchCall struct {
	mode     Mode
	action   Action
	target   string
	point    *locator.Point
	strategy locator.StrategyType
}

type fakeDispatcher struct {
	mu        sync.Mutex
	domErr    error
	visionErr error
	calls     []dispatchCall
}

func (f *fakeDispatcher) DispatchDOM(_ context.Context, step Step, ev engine.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{mode: ModeDOM, action: step.Action, target: ev.Target, strategy: ev.Strategy})
	return f.domErr
}

func (f *fakeDispatcher) DispatchVision(_ context.Context, step Step, ev engine.Evaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{mode: ModeVision, action: step.Action, point: ev.ClickPoint, strategy: ev.Strategy})
	return f.visionErr
}

func (f *fakeDispatcher) callsFor(mode Mode) []dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatchCall
	for _, c := range f.calls {
		if c.mode == mode {
			out = append(out, c)
		}
	}
	return out
}

func newTestRouter(reg *engine.Registry, disp dispatcher, visionReady bool) *Router {
	r := NewRouter(engine.New(reg), func() bool { return visionReady })
	if disp != nil {
		r.dispatch = disp
	}
	return r
}

func structuralStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       locator.StrategyStructuralID,
		Target:     "#submit-btn",
		Confidence: conf,
		Metadata: locator.StrategyMetadata{Structural: &locator.StructuralMeta{
			Rect: locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
		}},
	}
}

func semanticStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       locator.StrategySemantic,
		Target:     "Submit",
		Confidence: conf,
		Metadata: locator.StrategyMetadata{Semantic: &locator.SemanticMeta{
			Role: "button",
			Name: "Submit",
			Rect: locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
		}},
	}
}

func cssStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       locator.StrategyCSSPath,
		Target:     "form > button.submit",
		Confidence: conf,
		Metadata: locator.StrategyMetadata{Structural: &locator.StructuralMeta{
			Rect:  locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
			Depth: 2,
		}},
	}
}

func visionStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       locator.StrategyVisionOCR,
		Target:     "Submit",
		Confidence: conf,
		Metadata: locator.StrategyMetadata{Vision: &locator.VisionMeta{
			OCRConfidence: 0.9,
			Rect:          locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
		}},
	}
}

func coordStrat(conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type:       locator.StrategyCoordinates,
		Target:     "475,335",
		Confidence: conf,
		Metadata: locator.StrategyMetadata{Coordinates: &locator.CoordinatesMeta{
			X: 475, Y: 335,
			Viewport: locator.Viewport{Width: 1280, Height: 720},
		}},
	}
}

func chainOf(t *testing.T, strategies ...locator.LocatorStrategy) locator.FallbackChain {
	t.Helper()
	chain, err := locator.NewFallbackChain(strategies, time.Now())
	require.NoError(t, err)
	return chain
}

func centerPt() *locator.Point { return &locator.Point{X: 140, Y: 215} }

func TestExecuteStepFallbackActivation(t *testing.T) {
	// Primary DOM dispatch fails; the step must be retried in vision mode and
	// both attempts must appear in the result.
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{domErr: errors.New("node detached during click")}
	r := newTestRouter(reg, disp, false)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.True(t, res.Success)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.FallbackTriggered)

	assert.Equal(t, ModeDOM, res.Primary.Mode)
	assert.False(t, res.Primary.Success)
	assert.Contains(t, res.Primary.Err, "node detached")

	require.NotNil(t, res.Fallback)
	assert.Equal(t, ModeVision, res.Fallback.Mode)
	assert.True(t, res.Fallback.Success)
	assert.Equal(t, locator.StrategyStructuralID, res.Fallback.Strategy)
	assert.Equal(t, locator.StrategyStructuralID, res.StrategyUsed)

	snap := r.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.DOM.Failure)
	assert.Equal(t, int64(1), snap.Vision.Success)
	assert.Equal(t, int64(1), snap.FallbackTriggered)
}

func TestExecuteStepPrimarySuccessSkipsFallback(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, false)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.True(t, res.Success)
	assert.False(t, res.FallbackTriggered)
	assert.Nil(t, res.Fallback)
	assert.Equal(t, locator.StrategyStructuralID, res.StrategyUsed)
	assert.Empty(t, disp.callsFor(ModeVision))

	snap := r.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.DOM.Success)
	assert.Equal(t, int64(0), snap.FallbackTriggered)
}

func TestExecuteStepRecordedViaVisionLeadsWithVision(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:          "step-1",
		Action:      ActionClick,
		Chain:       chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
		RecordedVia: ModeVision,
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.True(t, res.Success)
	assert.Equal(t, ModeVision, res.Primary.Mode)
	assert.Empty(t, disp.callsFor(ModeDOM))

	visionCalls := disp.callsFor(ModeVision)
	require.Len(t, visionCalls, 1)
	require.NotNil(t, visionCalls[0].point)
	assert.InDelta(t, 140.0, visionCalls[0].point.X, 0.001)
}

func TestForcedModeOverridesHintAndDisablesFallback(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{visionErr: errors.New("click had no effect")}
	r := newTestRouter(reg, disp, true)
	require.NoError(t, r.SetForcedMode(ModeVision))

	step := Step{
		ID:          "step-1",
		Action:      ActionClick,
		Chain:       chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
		RecordedVia: ModeDOM,
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	// Forced vision fails and no DOM fallback is attempted.
	assert.False(t, res.Success)
	assert.Equal(t, ModeVision, res.Primary.Mode)
	assert.False(t, res.FallbackTriggered)
	assert.Nil(t, res.Fallback)
	assert.Empty(t, disp.callsFor(ModeDOM))

	require.NoError(t, r.SetForcedMode(""))
	assert.Equal(t, Mode(""), r.ForcedMode())
}

func TestSetForcedModeRejectsUnknown(t *testing.T) {
	r := NewRouter(engine.New(nil), nil)
	assert.Error(t, r.SetForcedMode("hybrid"))
}

func TestExecuteStepForcedPerExecutionOverride(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
	)
	disp := &fakeDispatcher{visionErr: errors.New("nothing under point")}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:          "step-1",
		Action:      ActionClick,
		Chain:       chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
		RecordedVia: ModeDOM,
	}
	res := r.ExecuteStepForced(context.Background(), step, nil, ModeVision)

	// The per-call override routes through vision with no fallback, without
	// touching the global override.
	assert.False(t, res.Success)
	assert.Equal(t, ModeVision, res.Primary.Mode)
	assert.False(t, res.FallbackTriggered)
	assert.Empty(t, disp.callsFor(ModeDOM))
	assert.Equal(t, Mode(""), r.ForcedMode())
}

func TestNavigateBypassesLocation(t *testing.T) {
	// An empty registry would fail any chain evaluation; navigation must not
	// evaluate at all.
	disp := &fakeDispatcher{}
	r := newTestRouter(engine.NewRegistry(), disp, false)

	step := Step{ID: "step-1", Action: ActionNavigate, Value: "https://example.com/login"}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.True(t, res.Success)
	assert.False(t, res.FallbackTriggered)
	calls := disp.callsFor(ModeDOM)
	require.Len(t, calls, 1)
	assert.Equal(t, ActionNavigate, calls[0].action)
}

func TestExecuteStepNoStrategyResolved(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysMiss(locator.StrategyStructuralID, "no element matches selector"),
		alwaysMiss(locator.StrategyCoordinates, "unreachable"),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Primary.Err, "no strategy resolved")
	assert.Nil(t, res.Fallback)
	assert.False(t, res.FallbackTriggered)
	assert.Empty(t, disp.callsFor(ModeDOM))
	assert.Empty(t, disp.callsFor(ModeVision))
}

func TestExecuteStepDOMWithoutSelectorFallsBackToVision(t *testing.T) {
	// Only protocol strategies resolve: the DOM family has no selector to
	// dispatch on, so the vision family executes the semantic result's point.
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategySemantic, 0.9, "Submit", centerPt()),
		alwaysMiss(locator.StrategyCSSPath, "no element matches selector"),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, semanticStrat(0.95), cssStrat(0.85), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.True(t, res.Success)
	assert.True(t, res.FallbackTriggered)
	assert.Contains(t, res.Primary.Err, "no dom-mode strategy")
	require.NotNil(t, res.Fallback)
	assert.Equal(t, locator.StrategySemantic, res.Fallback.Strategy)
	assert.Equal(t, locator.StrategySemantic, res.StrategyUsed)
}

func TestRerouteRetriesAlternateFamily(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysFound(locator.StrategyStructuralID, 0.9, "#submit-btn", centerPt()),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
	}
	res := r.Reroute(context.Background(), step, nil, ModeDOM)

	assert.True(t, res.Success)
	assert.True(t, res.FallbackTriggered)
	assert.Equal(t, ModeDOM, res.Primary.Mode)
	assert.Contains(t, res.Primary.Err, "no observable effect")
	require.NotNil(t, res.Fallback)
	assert.Equal(t, ModeVision, res.Fallback.Mode)
	assert.True(t, res.Fallback.Success)

	snap := r.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.FallbackTriggered)
	assert.Equal(t, int64(1), snap.Vision.Success)
}

func TestRerouteRejectsIntrinsicSingleMode(t *testing.T) {
	r := newTestRouter(engine.NewRegistry(), &fakeDispatcher{}, true)

	step := Step{ID: "step-1", Action: ActionNavigate, Value: "https://example.com"}
	res := r.Reroute(context.Background(), step, nil, ModeDOM)

	assert.False(t, res.Success)
	assert.Nil(t, res.Fallback)
	assert.Contains(t, res.Primary.Err, "cannot reroute")
}

func TestWaitClickRequiresVisionCapability(t *testing.T) {
	r := newTestRouter(engine.NewRegistry(), &fakeDispatcher{}, false)

	step := Step{
		ID:     "step-1",
		Action: ActionWaitClick,
		Chain:  chainOf(t, visionStrat(0.7), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.False(t, res.Success)
	assert.Equal(t, ModeVision, res.Primary.Mode)
	assert.Contains(t, res.Primary.Err, "vision capability unavailable")
}

func TestWaitClickPollsUntilTargetAppears(t *testing.T) {
	// The target text appears on the third poll. Coordinates resolve from the
	// start but must not satisfy the wait.
	vision := &scriptedEvaluator{typ: locator.StrategyVisionOCR, results: []engine.Evaluation{
		{Outcome: engine.OutcomeNotFound, Err: "no close text match"},
		{Outcome: engine.OutcomeNotFound, Err: "no close text match"},
		{Found: true, Confidence: 0.85, ClickPoint: &locator.Point{X: 300, Y: 220}, Outcome: engine.OutcomeFound},
	}}
	reg := engine.NewRegistry(
		vision,
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:      "step-1",
		Action:  ActionWaitClick,
		Chain:   chainOf(t, visionStrat(0.7), coordStrat(0.6)),
		Timeout: 5 * time.Second,
	}
	start := time.Now()
	res := r.ExecuteStep(context.Background(), step, nil)
	elapsed := time.Since(start)

	assert.True(t, res.Success)
	assert.Equal(t, locator.StrategyVisionOCR, res.StrategyUsed)
	assert.GreaterOrEqual(t, vision.callCount(), 3)
	assert.GreaterOrEqual(t, elapsed, 2*waitClickPollInterval)

	calls := disp.callsFor(ModeVision)
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].point)
	assert.InDelta(t, 300.0, calls[0].point.X, 0.001)
}

func TestWaitClickTimesOut(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysMiss(locator.StrategyVisionOCR, "no close text match"),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:      "step-1",
		Action:  ActionWaitClick,
		Chain:   chainOf(t, visionStrat(0.7), coordStrat(0.6)),
		Timeout: 300 * time.Millisecond,
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	assert.False(t, res.Success)
	assert.Contains(t, res.Primary.Err, "did not appear")
	assert.Empty(t, disp.callsFor(ModeVision))

	snap := r.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Vision.Failure)
}

func TestExecuteStepLowConfidencePropagates(t *testing.T) {
	reg := engine.NewRegistry(
		alwaysMiss(locator.StrategyStructuralID, "no element matches selector"),
		alwaysFound(locator.StrategyCoordinates, 0.6, "475,335", &locator.Point{X: 475, Y: 335}),
	)
	disp := &fakeDispatcher{}
	r := newTestRouter(reg, disp, true)

	step := Step{
		ID:     "step-1",
		Action: ActionClick,
		Chain:  chainOf(t, structuralStrat(0.9), coordStrat(0.6)),
	}
	res := r.ExecuteStep(context.Background(), step, nil)

	// Only coordinates resolved: DOM has nothing, vision clicks the recorded
	// point, and the result carries the low-confidence flag.
	assert.True(t, res.Success)
	assert.True(t, res.LowConfidence)
	assert.Equal(t, locator.StrategyCoordinates, res.StrategyUsed)
}

func TestModeStatsSnapshotAndReset(t *testing.T) {
	s := NewModeStats()
	s.record(ModeDOM, true)
	s.record(ModeDOM, false)
	s.record(ModeVision, true)
	s.record(ModeVision, true)
	s.recordFallback()

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.DOM.Success)
	assert.Equal(t, int64(1), snap.DOM.Failure)
	assert.Equal(t, int64(2), snap.Vision.Success)
	assert.Equal(t, int64(0), snap.Vision.Failure)
	assert.Equal(t, int64(1), snap.FallbackTriggered)

	s.Reset()
	assert.Equal(t, StatsSnapshot{}, s.Snapshot())
}

func TestParseScroll(t *testing.T) {
	x, y := parseScroll("120, 840.5")
	assert.InDelta(t, 120.0, x, 0.001)
	assert.InDelta(t, 840.5, y, 0.001)

	x, y = parseScroll("600")
	assert.InDelta(t, 0.0, x, 0.001)
	assert.InDelta(t, 600.0, y, 0.001)
}

func TestParseDelay(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, parseDelay("1500"))
	assert.Equal(t, 2*time.Second, parseDelay("2s"))
	assert.Equal(t, time.Second, parseDelay(""))
	assert.Equal(t, time.Second, parseDelay("soon"))
}

func TestMappedKey(t *testing.T) {
	assert.Equal(t, "\r", mappedKey("Enter"))
	assert.Equal(t, "\t", mappedKey("Tab"))
	assert.Equal(t, "hello", mappedKey("hello"))
}
