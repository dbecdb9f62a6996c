package generator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webreplay/backend/internal/locator"
)

func fullBundle() CapturedAction {
	return CapturedAction{
		ActionID:  "act-1",
		Type:      "click",
		Timestamp: 1724400000000,
		Viewport:  locator.Viewport{Width: 1280, Height: 720},
		DOM: &DOMEvidence{
			Selector: "#login-btn",
			CSSPath:  "body > div.app > form > button.login",
			XPath:    "/html/body/div/form/button",
			Attributes: map[string]string{
				"id":   "login-btn",
				"type": "submit",
			},
			Rect: locator.Rect{X: 560, Y: 420, Width: 160, Height: 40},
			Role: "button",
			Name: "Login",
			Text: "Login",
			OuterHTML: `<button id="login-btn" type="submit">Login</button>`,
		},
		Vision: &VisionEvidence{
			Text:          "Login",
			OCRConfidence: 0.92,
			Rect:          locator.Rect{X: 558, Y: 418, Width: 164, Height: 44},
		},
		Mouse: &MouseEvidence{
			Trail: []locator.TrailPoint{
				{X: 200, Y: 300, Timestamp: 1724399999500},
				{X: 420, Y: 390, Timestamp: 1724399999700},
				{X: 638, Y: 441, Timestamp: 1724399999900},
			},
			Pattern: locator.PatternDirect,
		},
		Network: &NetworkEvidence{InFlight: 0, MidLoad: false},
	}
}

func TestGenerateFullEvidence(t *testing.T) {
	chain, err := New().Generate(fullBundle())
	require.NoError(t, err)
	require.NoError(t, chain.Validate())

	// Stable selector evidence: vision stays out, everything else ranks by
	// weight-derived static confidence.
	wantOrder := []locator.StrategyType{
		locator.StrategySemantic,
		locator.StrategyText,
		locator.StrategyStructuralID,
		locator.StrategyEvidence,
		locator.StrategyCSSPath,
		locator.StrategyCoordinates,
	}
	require.Len(t, chain.Strategies, len(wantOrder))
	for i, want := range wantOrder {
		assert.Equal(t, want, chain.Strategies[i].Type, "position %d", i)
	}
	assert.Equal(t, locator.StrategySemantic, chain.PrimaryStrategy)
	assert.Equal(t, time.UnixMilli(1724400000000), chain.RecordedAt)

	semantic, ok := chain.Find(locator.StrategySemantic)
	require.True(t, ok)
	assert.InDelta(t, 1.0, semantic.Confidence, 0.0001)
	assert.Equal(t, "Login", semantic.Target)
	require.NotNil(t, semantic.Metadata.Semantic)
	assert.Equal(t, "button", semantic.Metadata.Semantic.Role)

	structural, ok := chain.Find(locator.StrategyStructuralID)
	require.True(t, ok)
	assert.InDelta(t, 0.90, structural.Confidence, 0.0001)
	require.NotNil(t, structural.Metadata.Structural)
	assert.Equal(t, "/html/body/div/form/button", structural.Metadata.Structural.XPath)

	coords, ok := chain.Find(locator.StrategyCoordinates)
	require.True(t, ok)
	require.NotNil(t, coords.Metadata.Coordinates)
	assert.InDelta(t, 640.0, coords.Metadata.Coordinates.X, 0.0001)
	assert.InDelta(t, 440.0, coords.Metadata.Coordinates.Y, 0.0001)
	assert.Equal(t, locator.Viewport{Width: 1280, Height: 720}, coords.Metadata.Coordinates.Viewport)
}

func TestGenerateAlwaysIncludesCoordinates(t *testing.T) {
	captured := CapturedAction{
		ActionID: "act-2",
		Type:     "click",
		Viewport: locator.Viewport{Width: 1280, Height: 720},
		DOM: &DOMEvidence{
			Selector: "#submit",
			Rect:     locator.Rect{X: 100, Y: 200, Width: 80, Height: 30},
		},
	}
	chain, err := New().Generate(captured)
	require.NoError(t, err)

	_, ok := chain.Find(locator.StrategyCoordinates)
	assert.True(t, ok)
	assert.Equal(t, locator.StrategyCoordinates, chain.Strategies[len(chain.Strategies)-1].Type)
}

func TestGenerateFragileSelectorPullsInVision(t *testing.T) {
	captured := fullBundle()
	captured.DOM.Selector = "#a1b2c3d4e5f6 > div:nth-child(3)"
	captured.DOM.CSSPath = ""
	captured.DOM.Role = ""
	captured.DOM.Name = ""
	captured.DOM.Text = ""
	captured.Mouse = nil

	chain, err := New().Generate(captured)
	require.NoError(t, err)

	vision, ok := chain.Find(locator.StrategyVisionOCR)
	require.True(t, ok, "fragile selector must force the vision fallback in")
	assert.InDelta(t, 0.70*0.92, vision.Confidence, 0.0001)

	structural, ok := chain.Find(locator.StrategyStructuralID)
	require.True(t, ok)
	// Hex id plus nth-child: 1.0 - 0.4 - 0.15, scaled by the structural weight.
	assert.InDelta(t, 0.90*0.45, structural.Confidence, 0.0001)

	// The fragile selector ranks below both vision and coordinates.
	assert.Equal(t, locator.StrategyVisionOCR, chain.PrimaryStrategy)
	assert.Greater(t, vision.Confidence, structural.Confidence)
}

func TestGenerateStableSelectorKeepsVisionOut(t *testing.T) {
	captured := fullBundle()
	require.NotNil(t, captured.Vision)

	chain, err := New().Generate(captured)
	require.NoError(t, err)

	_, ok := chain.Find(locator.StrategyVisionOCR)
	assert.False(t, ok, "healthy selector evidence needs no OCR insurance")
}

func TestGenerateSelectorQualityPenalty(t *testing.T) {
	stable := fullBundle()
	stable.DOM.Selector = `[data-testid="submit"]`
	stable.DOM.CSSPath = ""

	generated := fullBundle()
	generated.DOM.Selector = "#a1b2c3d4e5f6a7b8"
	generated.DOM.CSSPath = ""

	stableChain, err := New().Generate(stable)
	require.NoError(t, err)
	generatedChain, err := New().Generate(generated)
	require.NoError(t, err)

	s, ok := stableChain.Find(locator.StrategyStructuralID)
	require.True(t, ok)
	g, ok := generatedChain.Find(locator.StrategyStructuralID)
	require.True(t, ok)

	assert.Less(t, g.Confidence, s.Confidence)
	assert.InDelta(t, 0.90, s.Confidence, 0.0001)
	assert.InDelta(t, 0.90*0.6, g.Confidence, 0.0001)
}

func TestGeneratePartialEvidenceMouseOnly(t *testing.T) {
	captured := CapturedAction{
		ActionID: "act-3",
		Type:     "click",
		Viewport: locator.Viewport{Width: 1280, Height: 720},
		Mouse: &MouseEvidence{
			Trail: []locator.TrailPoint{
				{X: 100, Y: 100, Timestamp: 1},
				{X: 180, Y: 160, Timestamp: 2},
				{X: 220, Y: 210, Timestamp: 3},
			},
			Pattern: locator.PatternSearching,
		},
	}
	chain, err := New().Generate(captured)
	require.NoError(t, err)
	require.Len(t, chain.Strategies, 2)

	assert.Equal(t, locator.StrategyEvidence, chain.PrimaryStrategy)
	ev := chain.Strategies[0]
	assert.InDelta(t, 0.85*0.7, ev.Confidence, 0.0001)

	coords, ok := chain.Find(locator.StrategyCoordinates)
	require.True(t, ok)
	assert.InDelta(t, 220.0, coords.Metadata.Coordinates.X, 0.0001)
	assert.InDelta(t, 210.0, coords.Metadata.Coordinates.Y, 0.0001)
}

func TestGenerateNoUsableEvidence(t *testing.T) {
	_, err := New().Generate(CapturedAction{ActionID: "act-4", Type: "click"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evidence yields a click point")
}

func TestGenerateUnclassifiedTrailDefaultsHesitant(t *testing.T) {
	captured := CapturedAction{
		ActionID: "act-5",
		Type:     "click",
		DOM: &DOMEvidence{
			Selector: "#ok",
			Rect:     locator.Rect{X: 10, Y: 10, Width: 20, Height: 20},
		},
		Mouse: &MouseEvidence{
			Trail: []locator.TrailPoint{{X: 20, Y: 20, Timestamp: 1}},
		},
	}
	chain, err := New().Generate(captured)
	require.NoError(t, err)

	ev, ok := chain.Find(locator.StrategyEvidence)
	require.True(t, ok)
	assert.Equal(t, locator.PatternHesitant, ev.Metadata.Evidence.Pattern)
	assert.InDelta(t, 0.85*0.8, ev.Confidence, 0.0001)
}

func TestDedupeKeepsHigherConfidence(t *testing.T) {
	a := locator.LocatorStrategy{Type: locator.StrategyStructuralID, Target: "#x", Confidence: 0.5}
	b := locator.LocatorStrategy{Type: locator.StrategyStructuralID, Target: "#x", Confidence: 0.8}
	c := locator.LocatorStrategy{Type: locator.StrategyCSSPath, Target: "#x", Confidence: 0.4}

	out := dedupe([]locator.LocatorStrategy{a, b, c})
	require.Len(t, out, 2)
	assert.InDelta(t, 0.8, out[0].Confidence, 0.0001)
	assert.Equal(t, locator.StrategyCSSPath, out[1].Type)
}

func TestTextQuality(t *testing.T) {
	assert.InDelta(t, 1.0, textQuality("Login"), 0.0001)
	assert.InDelta(t, 0.85, textQuality("x"), 0.0001)
	long := make([]byte, 0, 60)
	for i := 0; i < 60; i++ {
		long = append(long, 'a')
	}
	assert.InDelta(t, 0.85, textQuality(string(long)), 0.0001)
}

func TestByteSizeCountsScreenshot(t *testing.T) {
	captured := fullBundle()
	base := captured.ByteSize()
	captured.Vision.Screenshot = make([]byte, 4096)
	assert.Equal(t, base+4096, captured.ByteSize())
}
