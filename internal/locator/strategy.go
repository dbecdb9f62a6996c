package locator

import (
	"fmt"
)

// StrategyType identifies one way of locating a recorded element.
type StrategyType string

const (
	StrategyStructuralID StrategyType = "structural_id"     // stable selector (#id, [data-testid], [name])
	StrategyCSSPath      StrategyType = "css_path"          // full CSS path from a root
	StrategySemantic     StrategyType = "protocol_semantic" // accessibility role + accessible name via CDP
	StrategyText         StrategyType = "protocol_text"     // visible text / label / placeholder via CDP
	StrategyEvidence     StrategyType = "evidence_scoring"  // mouse-trail + rect evidence
	StrategyVisionOCR    StrategyType = "vision_ocr"        // screenshot + text recognition
	StrategyCoordinates  StrategyType = "coordinates"       // raw recorded screen coordinates
)

// AllStrategyTypes lists every known variant in weight order (strongest first).
var AllStrategyTypes = []StrategyType{
	StrategySemantic,
	StrategyText,
	StrategyStructuralID,
	StrategyEvidence,
	StrategyCSSPath,
	StrategyVisionOCR,
	StrategyCoordinates,
}

// Valid reports whether t is one of the known strategy variants.
func (t StrategyType) Valid() bool {
	for _, known := range AllStrategyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Rect is a bounding box in CSS pixels, viewport-relative.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the click point at the middle of the rect.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports whether the rect carries no usable area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the page viewport size at capture time.
type Viewport struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// TrailPoint is one sample of the recorded mouse trail.
type TrailPoint struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"` // epoch milliseconds
}

// StructuralMeta carries capture-time DOM context for selector strategies.
type StructuralMeta struct {
	XPath      string            `json:"xpath,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OuterHTML  string            `json:"outer_html,omitempty"` // trimmed fragment for similarity checks
	Rect       Rect              `json:"rect"`
	Depth      int               `json:"depth,omitempty"` // nesting depth of the CSS path
}

// SemanticMeta carries the accessibility identity captured for the element.
type SemanticMeta struct {
	Role        string   `json:"role,omitempty"`
	Name        string   `json:"name,omitempty"`
	Label       string   `json:"label,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	TestID      string   `json:"test_id,omitempty"`
	States      []string `json:"states,omitempty"`
	Rect        Rect     `json:"rect"`
}

// VisionMeta carries the OCR capture context for the vision strategy.
type VisionMeta struct {
	OCRConfidence float64 `json:"ocr_confidence"`
	Rect          Rect    `json:"rect"` // recognized text bounding box at capture time
}

// EvidenceMeta carries the mouse-trail evidence for the evidence-scoring strategy.
type EvidenceMeta struct {
	Trail   []TrailPoint `json:"trail,omitempty"`
	Pattern string       `json:"pattern,omitempty"` // direct, curved, searching, hesitant
	Rect    Rect         `json:"rect"`
}

// CoordinatesMeta pins the recorded click point and the viewport it was valid in.
type CoordinatesMeta struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Viewport Viewport `json:"viewport"`
}

// StrategyMetadata holds the variant-specific section for a strategy. Exactly one
// section is populated, determined by the strategy type; shapes are never mixed.
type StrategyMetadata struct {
	Structural  *StructuralMeta  `json:"structural,omitempty"`
	Semantic    *SemanticMeta    `json:"semantic,omitempty"`
	Vision      *VisionMeta      `json:"vision,omitempty"`
	Evidence    *EvidenceMeta    `json:"evidence,omitempty"`
	Coordinates *CoordinatesMeta `json:"coordinates,omitempty"`
}

// LocatorStrategy is one recorded way to find an element at replay time.
type LocatorStrategy struct {
	Type       StrategyType     `json:"type"`
	Target     string           `json:"target"`     // selector, text, accessible name, or "x,y"
	Confidence float64          `json:"confidence"` // static confidence assigned at recording time, [0,1]
	Metadata   StrategyMetadata `json:"metadata"`
}

// Validate checks the type/metadata shape invariant: the strategy type fully
// determines which metadata section is populated.
func (s LocatorStrategy) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("unknown strategy type: %s", s.Type)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("strategy %s: confidence %.3f out of [0,1]", s.Type, s.Confidence)
	}

	m := s.Metadata
	populated := func(want string) error {
		sections := map[string]bool{
			"structural":  m.Structural != nil,
			"semantic":    m.Semantic != nil,
			"vision":      m.Vision != nil,
			"evidence":    m.Evidence != nil,
			"coordinates": m.Coordinates != nil,
		}
		for name, set := range sections {
			if set && name != want {
				return fmt.Errorf("strategy %s: metadata section %q must not be populated", s.Type, name)
			}
		}
		return nil
	}

	switch s.Type {
	case StrategyStructuralID, StrategyCSSPath:
		if err := populated("structural"); err != nil {
			return err
		}
	case StrategySemantic, StrategyText:
		if err := populated("semantic"); err != nil {
			return err
		}
	case StrategyVisionOCR:
		if err := populated("vision"); err != nil {
			return err
		}
	case StrategyEvidence:
		if err := populated("evidence"); err != nil {
			return err
		}
		if m.Evidence == nil {
			return fmt.Errorf("strategy %s: evidence metadata required", s.Type)
		}
	case StrategyCoordinates:
		if err := populated("coordinates"); err != nil {
			return err
		}
		if m.Coordinates == nil {
			return fmt.Errorf("strategy %s: coordinates metadata required", s.Type)
		}
	}
	return nil
}

// ClickPoint derives the best capture-time click point this strategy knows about.
// Returns false when the strategy carries no positional metadata.
func (s LocatorStrategy) ClickPoint() (Point, bool) {
	switch s.Type {
	case StrategyCoordinates:
		if s.Metadata.Coordinates != nil {
			return Point{X: s.Metadata.Coordinates.X, Y: s.Metadata.Coordinates.Y}, true
		}
	case StrategyEvidence:
		if ev := s.Metadata.Evidence; ev != nil {
			if !ev.Rect.Empty() {
				return ev.Rect.Center(), true
			}
			if n := len(ev.Trail); n > 0 {
				return Point{X: ev.Trail[n-1].X, Y: ev.Trail[n-1].Y}, true
			}
		}
	case StrategyVisionOCR:
		if s.Metadata.Vision != nil && !s.Metadata.Vision.Rect.Empty() {
			return s.Metadata.Vision.Rect.Center(), true
		}
	case StrategyStructuralID, StrategyCSSPath:
		if s.Metadata.Structural != nil && !s.Metadata.Structural.Rect.Empty() {
			return s.Metadata.Structural.Rect.Center(), true
		}
	case StrategySemantic, StrategyText:
		if s.Metadata.Semantic != nil && !s.Metadata.Semantic.Rect.Empty() {
			return s.Metadata.Semantic.Rect.Center(), true
		}
	}
	return Point{}, false
}
