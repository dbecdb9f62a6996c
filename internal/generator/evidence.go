package generator

import (
	"encoding/json"
	"time"

	"webreplay/backend/internal/locator"
)

// DOMEvidence is what the injected recording script harvested for the element
// under the cursor at action time. Selector and CSSPath can differ: the
// selector prefers stable ids and test attributes, the path spells out the
// ancestor chain.
type DOMEvidence struct {
	Selector    string            `json:"selector"`
	CSSPath     string            `json:"css_path,omitempty"`
	XPath       string            `json:"xpath,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Rect        locator.Rect      `json:"rect"`
	Role        string            `json:"role,omitempty"`
	Name        string            `json:"name,omitempty"`
	Label       string            `json:"label,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	TestID      string            `json:"test_id,omitempty"`
	Text        string            `json:"text,omitempty"`
	OuterHTML   string            `json:"outer_html,omitempty"`
}

// VisionEvidence is the OCR capture near the interaction point, produced by
// the throttled vision layer. The raw screenshot stays out of the persisted
// JSON but counts against the evidence buffer ceiling.
type VisionEvidence struct {
	Text          string       `json:"text"`
	OCRConfidence float64      `json:"ocr_confidence"`
	Rect          locator.Rect `json:"rect"`
	Screenshot    []byte       `json:"-"`
	CapturedAt    time.Time    `json:"captured_at"`
}

// MouseEvidence is the classified cursor trail leading into the action.
type MouseEvidence struct {
	Trail   []locator.TrailPoint `json:"trail"`
	Pattern string               `json:"pattern"`
}

// NetworkEvidence annotates whether the page was mid-load at action time.
// Corroborating metadata only; it never becomes a locating strategy.
type NetworkEvidence struct {
	InFlight       int      `json:"in_flight"`
	RecentRequests []string `json:"recent_requests,omitempty"`
	MidLoad        bool     `json:"mid_load"`
}

// CapturedAction is one evidence bundle gathered during recording, merged from
// the four capture layers. Every layer except DOM is optional; a layer that
// failed simply leaves its section nil.
type CapturedAction struct {
	ActionID  string           `json:"action_id"`
	Type      string           `json:"type"`
	Value     string           `json:"value,omitempty"`
	Timestamp int64            `json:"timestamp"` // epoch milliseconds
	Viewport  locator.Viewport `json:"viewport"`
	DOM       *DOMEvidence     `json:"dom,omitempty"`
	Vision    *VisionEvidence  `json:"vision,omitempty"`
	Mouse     *MouseEvidence   `json:"mouse,omitempty"`
	Network   *NetworkEvidence `json:"network,omitempty"`
}

// ByteSize approximates the bundle's in-memory footprint for the evidence
// buffer ceiling: the serialized evidence plus the raw screenshot it carries.
func (a CapturedAction) ByteSize() int {
	data, err := json.Marshal(a)
	size := len(data)
	if err != nil {
		size = 256
	}
	if a.Vision != nil {
		size += len(a.Vision.Screenshot)
	}
	return size
}
