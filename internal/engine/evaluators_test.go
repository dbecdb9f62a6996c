package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webreplay/backend/internal/locator"
)

type fakePage struct {
	selections map[string][]Element
	queryErr   error
	axEls      []Element
	axErr      error
	textEls    []Element
	textErr    error
	pointEl    *Element
	pointErr   error
	image      []byte
	imageErr   error
	vp         locator.Viewport
	vpErr      error
}

func (f *fakePage) QuerySelectorAll(_ context.Context, selector string) ([]Element, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.selections[selector], nil
}

func (f *fakePage) QueryAXTree(_ context.Context, _, _ string) ([]Element, error) {
	return f.axEls, f.axErr
}

func (f *fakePage) FindByText(_ context.Context, _ string) ([]Element, error) {
	return f.textEls, f.textErr
}

func (f *fakePage) ElementAtPoint(_ context.Context, _ locator.Point) (Element, bool, error) {
	if f.pointErr != nil {
		return Element{}, false, f.pointErr
	}
	if f.pointEl == nil {
		return Element{}, false, nil
	}
	return *f.pointEl, true, nil
}

func (f *fakePage) CaptureScreenshot(_ context.Context) ([]byte, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.image, nil
}

func (f *fakePage) Viewport(_ context.Context) (locator.Viewport, error) {
	return f.vp, f.vpErr
}

type fakeRecognizer struct {
	ready   bool
	matches []TextMatch
	err     error
}

func (f *fakeRecognizer) Ready() bool { return f.ready }

func (f *fakeRecognizer) RecognizeText(_ context.Context, _ []byte, _ float64) ([]TextMatch, error) {
	return f.matches, f.err
}

func buttonElement() Element {
	return Element{
		Tag:  "button",
		Rect: locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
		Attributes: map[string]string{
			"id":    "submit",
			"class": "btn primary",
		},
	}
}

func TestStructuralEvaluatorResolvesUniqueMatch(t *testing.T) {
	page := &fakePage{selections: map[string][]Element{"#submit": {buttonElement()}}}
	ev := NewStructuralEvaluator(locator.StrategyStructuralID)
	s := structuralStrat("#submit", 0.9)

	res := ev.Evaluate(context.Background(), page, s)
	require.True(t, res.Found)
	assert.Equal(t, OutcomeFound, res.Outcome)
	assert.Equal(t, 0.9, res.Confidence, "no similarity signal keeps the static confidence")
	require.NotNil(t, res.ClickPoint)
	assert.InDelta(t, 140, res.ClickPoint.X, 0.001)
	assert.InDelta(t, 215, res.ClickPoint.Y, 0.001)
}

func TestStructuralEvaluatorFailsOnZeroOrAmbiguous(t *testing.T) {
	ev := NewStructuralEvaluator(locator.StrategyCSSPath)

	empty := &fakePage{selections: map[string][]Element{}}
	res := ev.Evaluate(context.Background(), empty, cssStrat(".gone", 0.8))
	assert.False(t, res.Found)
	assert.Contains(t, res.Err, "no element matches")

	ambiguous := &fakePage{selections: map[string][]Element{
		".btn": {buttonElement(), buttonElement()},
	}}
	res = ev.Evaluate(context.Background(), ambiguous, cssStrat(".btn", 0.8))
	assert.False(t, res.Found)
	assert.Contains(t, res.Err, "ambiguous")
}

func TestStructuralEvaluatorSimilarityScalesConfidence(t *testing.T) {
	recorded := `<button id="submit" class="btn primary">Submit</button>`
	ev := NewStructuralEvaluator(locator.StrategyStructuralID)

	s := structuralStrat("#submit", 0.9)
	s.Metadata.Structural.OuterHTML = recorded

	identical := buttonElement()
	identical.OuterHTML = recorded
	page := &fakePage{selections: map[string][]Element{"#submit": {identical}}}
	res := ev.Evaluate(context.Background(), page, s)
	require.True(t, res.Found)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9, "identical markup keeps full confidence")

	drifted := buttonElement()
	drifted.OuterHTML = `<div class="totally-different">Cancel order now</div>`
	page = &fakePage{selections: map[string][]Element{"#submit": {drifted}}}
	res = ev.Evaluate(context.Background(), page, s)
	require.True(t, res.Found)
	assert.Less(t, res.Confidence, 0.9, "drifted markup must scale confidence down")
	assert.InDelta(t, 0.45, res.Confidence, 1e-9, "fully dissimilar markup bottoms out at half")
}

func TestStructuralEvaluatorSkippedWhenProtocolUnattached(t *testing.T) {
	page := &fakePage{queryErr: fmt.Errorf("%w: protocol session not attached", ErrCapabilityUnavailable)}
	ev := NewStructuralEvaluator(locator.StrategyStructuralID)

	res := ev.Evaluate(context.Background(), page, structuralStrat("#submit", 0.9))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.False(t, res.Found)
}

func TestSemanticEvaluatorResolvesRoleAndName(t *testing.T) {
	el := buttonElement()
	el.Role, el.Name = "button", "Submit"
	page := &fakePage{axEls: []Element{el}}

	res := NewSemanticEvaluator().Evaluate(context.Background(), page, semanticStrat("Submit", 0.95))
	require.True(t, res.Found)
	assert.Equal(t, 0.95, res.Confidence, "exact accessible-name match keeps static confidence")
	require.NotNil(t, res.ClickPoint)
	assert.InDelta(t, 140, res.ClickPoint.X, 0.001)
}

func TestSemanticEvaluatorPrefersExactName(t *testing.T) {
	loose := buttonElement()
	loose.Role, loose.Name = "button", "Submit order"
	exact := buttonElement()
	exact.Role, exact.Name = "button", "Submit"
	exact.Rect = locator.Rect{X: 300, Y: 400, Width: 40, Height: 20}
	page := &fakePage{axEls: []Element{loose, exact}}

	res := NewSemanticEvaluator().Evaluate(context.Background(), page, semanticStrat("Submit", 0.95))
	require.True(t, res.Found)
	assert.Equal(t, "Submit", res.Element.Name)
	assert.Equal(t, 0.95, res.Confidence)
}

func TestSemanticEvaluatorLooseMatchPenalized(t *testing.T) {
	loose := buttonElement()
	loose.Role, loose.Name = "button", "Submit order"
	page := &fakePage{axEls: []Element{loose}}

	res := NewSemanticEvaluator().Evaluate(context.Background(), page, semanticStrat("Submit", 0.95))
	require.True(t, res.Found)
	assert.InDelta(t, 0.95*0.9, res.Confidence, 1e-9)
}

func TestSemanticEvaluatorMiss(t *testing.T) {
	page := &fakePage{}
	res := NewSemanticEvaluator().Evaluate(context.Background(), page, semanticStrat("Submit", 0.95))
	assert.False(t, res.Found)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Contains(t, res.Err, "no accessibility node")
}

func TestTextEvaluatorUniqueAndAmbiguous(t *testing.T) {
	s := locator.LocatorStrategy{
		Type: locator.StrategyText, Target: "Submit", Confidence: 0.9,
		Metadata: locator.StrategyMetadata{Semantic: &locator.SemanticMeta{Name: "Submit"}},
	}

	one := &fakePage{textEls: []Element{buttonElement()}}
	res := NewTextEvaluator().Evaluate(context.Background(), one, s)
	require.True(t, res.Found)
	assert.Equal(t, 0.9, res.Confidence)

	two := &fakePage{textEls: []Element{buttonElement(), buttonElement()}}
	res = NewTextEvaluator().Evaluate(context.Background(), two, s)
	require.True(t, res.Found)
	assert.InDelta(t, 0.9*0.85, res.Confidence, 1e-9, "ambiguous text match is penalized")
}

func TestVisionEvaluatorSkippedWithoutRecognizer(t *testing.T) {
	res := NewVisionEvaluator(nil).Evaluate(context.Background(), &fakePage{}, visionStrat("Submit", 0.7))
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	res = NewVisionEvaluator(&fakeRecognizer{ready: false}).
		Evaluate(context.Background(), &fakePage{}, visionStrat("Submit", 0.7))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestVisionEvaluatorMatchesRecognizedText(t *testing.T) {
	rec := &fakeRecognizer{ready: true, matches: []TextMatch{
		{Text: "Cancel", Confidence: 0.95, Rect: locator.Rect{X: 10, Y: 10, Width: 50, Height: 20}},
		{Text: "Submit", Confidence: 0.9, Rect: locator.Rect{X: 100, Y: 200, Width: 60, Height: 20}},
	}}
	page := &fakePage{image: []byte("png")}

	res := NewVisionEvaluator(rec).Evaluate(context.Background(), page, visionStrat("Submit", 0.7))
	require.True(t, res.Found)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9, "exact text keeps the recognizer confidence")
	require.NotNil(t, res.ClickPoint)
	assert.InDelta(t, 130, res.ClickPoint.X, 0.001)
	assert.InDelta(t, 210, res.ClickPoint.Y, 0.001)
}

func TestVisionEvaluatorNoCloseText(t *testing.T) {
	rec := &fakeRecognizer{ready: true, matches: []TextMatch{
		{Text: "Totally unrelated", Confidence: 0.99, Rect: locator.Rect{X: 1, Y: 1, Width: 10, Height: 10}},
	}}
	page := &fakePage{image: []byte("png")}

	res := NewVisionEvaluator(rec).Evaluate(context.Background(), page, visionStrat("Submit", 0.7))
	assert.False(t, res.Found)
	assert.Contains(t, res.Err, "no recognized text close")
}

func TestVisionEvaluatorRecognizerError(t *testing.T) {
	rec := &fakeRecognizer{ready: true, err: fmt.Errorf("ocr service down")}
	page := &fakePage{image: []byte("png")}

	res := NewVisionEvaluator(rec).Evaluate(context.Background(), page, visionStrat("Submit", 0.7))
	assert.False(t, res.Found)
	assert.Contains(t, res.Err, "text recognition failed")
}

func evidenceStrat(pattern string, conf float64) locator.LocatorStrategy {
	return locator.LocatorStrategy{
		Type: locator.StrategyEvidence, Target: "Submit", Confidence: conf,
		Metadata: locator.StrategyMetadata{Evidence: &locator.EvidenceMeta{
			Pattern: pattern,
			Rect:    locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
			Trail: []locator.TrailPoint{
				{X: 20, Y: 20, Timestamp: 1000},
				{X: 140, Y: 215, Timestamp: 1200},
			},
		}},
	}
}

func TestEvidenceEvaluatorScalesByPattern(t *testing.T) {
	el := buttonElement()
	page := &fakePage{pointEl: &el}
	ev := NewEvidenceEvaluator()

	res := ev.Evaluate(context.Background(), page, evidenceStrat("direct", 0.85))
	require.True(t, res.Found)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	require.NotNil(t, res.ClickPoint)
	assert.InDelta(t, 140, res.ClickPoint.X, 0.001, "rect center beats trail endpoint")

	res = ev.Evaluate(context.Background(), page, evidenceStrat("searching", 0.85))
	require.True(t, res.Found)
	assert.InDelta(t, 0.85*0.7, res.Confidence, 1e-9)
}

func TestEvidenceEvaluatorNothingUnderPoint(t *testing.T) {
	page := &fakePage{}
	res := NewEvidenceEvaluator().Evaluate(context.Background(), page, evidenceStrat("direct", 0.85))
	assert.False(t, res.Found)
	assert.Contains(t, res.Err, "no element under evidence point")
}

func TestCoordinatesEvaluatorAlwaysReturnsPoint(t *testing.T) {
	page := &fakePage{vp: locator.Viewport{Width: 1280, Height: 720}}
	res := NewCoordinatesEvaluator().Evaluate(context.Background(), page, coordStrat(0.6))

	require.True(t, res.Found)
	assert.Equal(t, 0.6, res.Confidence)
	require.NotNil(t, res.ClickPoint)
	assert.Equal(t, locator.Point{X: 475, Y: 335}, *res.ClickPoint)
	assert.False(t, res.ViewportDrift)
}

func TestCoordinatesEvaluatorFlagsViewportDrift(t *testing.T) {
	ev := NewCoordinatesEvaluator()

	big := &fakePage{vp: locator.Viewport{Width: 1920, Height: 1080}}
	res := ev.Evaluate(context.Background(), big, coordStrat(0.6))
	require.True(t, res.Found)
	assert.True(t, res.ViewportDrift)

	slight := &fakePage{vp: locator.Viewport{Width: 1344, Height: 756}}
	res = ev.Evaluate(context.Background(), slight, coordStrat(0.6))
	require.True(t, res.Found)
	assert.False(t, res.ViewportDrift, "small drift is within tolerance")

	tall := &fakePage{vp: locator.Viewport{Width: 1280, Height: 808}}
	res = ev.Evaluate(context.Background(), tall, coordStrat(0.6))
	require.True(t, res.Found)
	assert.True(t, res.ViewportDrift, "one drifted axis is enough")
}

func TestTextCloseness(t *testing.T) {
	assert.Equal(t, 1.0, textCloseness("Submit", "Submit"))
	assert.Equal(t, 1.0, textCloseness("  Submit  Order ", "submit order"))
	assert.Equal(t, 0.85, textCloseness("Submit", "Submit order now"))
	assert.Equal(t, 0.0, textCloseness("Submit", "Cancel"))
	assert.Equal(t, 0.0, textCloseness("", "anything"))
}

func TestFragmentSimilarity(t *testing.T) {
	recorded := `<button id="submit" class="btn">Submit</button>`

	sim, ok := FragmentSimilarity(recorded, recorded)
	require.True(t, ok)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, ok = FragmentSimilarity(recorded, `<button id="submit" class="btn-v2">Submit</button>`)
	require.True(t, ok)
	assert.Less(t, sim, 1.0)
	assert.Greater(t, sim, 0.5, "same tag and text with one changed attribute stays similar")

	sim, ok = FragmentSimilarity(recorded, `<div class="other">Cancel</div>`)
	require.True(t, ok)
	assert.Less(t, sim, 0.3)

	_, ok = FragmentSimilarity("", recorded)
	assert.False(t, ok)
	_, ok = FragmentSimilarity(recorded, "not markup at all")
	assert.False(t, ok)
}

func TestDefaultRegistryCoversAllStrategies(t *testing.T) {
	reg := DefaultRegistry(nil)
	assert.Equal(t, len(locator.AllStrategyTypes), reg.Len())
	for _, st := range locator.AllStrategyTypes {
		ev, ok := reg.Lookup(st)
		require.True(t, ok, "missing evaluator for %s", st)
		assert.Equal(t, st, ev.Type())
	}
}
