package recorder

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/generator"
	"webreplay/backend/internal/locator"
)

// Vision layer: screenshots on a throttled interval, OCR only on demand when
// an action needs text evidence near its point. The layer may be disabled
// (recognizer missing or not ready) without affecting the recording.
const (
	defaultScreenshotInterval = 2 * time.Second
	screenshotMaxAge          = 5 * time.Second
	ocrSearchRadius           = 150.0
	ocrMinConfidence          = 0.4
)

type VisionLayer struct {
	recognizer engine.TextRecognizer
	interval   time.Duration

	mu       sync.RWMutex
	latest   []byte
	latestAt time.Time
	stop     chan struct{}
	running  bool
}

func NewVisionLayer(recognizer engine.TextRecognizer, interval time.Duration) *VisionLayer {
	if interval <= 0 {
		interval = defaultScreenshotInterval
	}
	return &VisionLayer{recognizer: recognizer, interval: interval}
}

// Ready reports whether OCR evidence can be produced.
func (v *VisionLayer) Ready() bool {
	return v.recognizer != nil && v.recognizer.Ready()
}

// Start begins the throttled screenshot loop against the recording tab. A
// missing recognizer disables the layer; recording continues without it.
func (v *VisionLayer) Start(tab context.Context) {
	if !v.Ready() {
		log.Printf("⚠️ Vision layer disabled: text recognition not initialized")
		return
	}
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	v.running = true
	v.stop = make(chan struct{})
	stop := v.stop
	v.mu.Unlock()

	go func() {
		ticker := time.NewTicker(v.interval)
		defer ticker.Stop()
		for {
			select {
			case <-tab.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				var buf []byte
				if err := chromedp.Run(tab, chromedp.CaptureScreenshot(&buf)); err != nil {
					log.Printf("⚠️ Vision layer screenshot failed: %v", err)
					continue
				}
				v.mu.Lock()
				v.latest = buf
				v.latestAt = time.Now()
				v.mu.Unlock()
			}
		}
	}()
}

// Stop ends the screenshot loop.
func (v *VisionLayer) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		close(v.stop)
		v.running = false
	}
}

// EvidenceNear runs OCR over the freshest screenshot and returns the
// recognized region closest to the interaction point, or nil when the layer
// has nothing usable. The screenshot rides along for the evidence buffer.
func (v *VisionLayer) EvidenceNear(ctx context.Context, pt locator.Point) *generator.VisionEvidence {
	if !v.Ready() {
		return nil
	}

	v.mu.RLock()
	image := v.latest
	capturedAt := v.latestAt
	v.mu.RUnlock()
	if len(image) == 0 || time.Since(capturedAt) > screenshotMaxAge {
		return nil
	}

	matches, err := v.recognizer.RecognizeText(ctx, image, ocrMinConfidence)
	if err != nil {
		log.Printf("⚠️ Vision layer OCR failed: %v", err)
		return nil
	}

	best, ok := closestMatch(matches, pt)
	if !ok {
		return nil
	}
	return &generator.VisionEvidence{
		Text:          best.Text,
		OCRConfidence: best.Confidence,
		Rect:          best.Rect,
		Screenshot:    image,
		CapturedAt:    capturedAt,
	}
}

// closestMatch prefers a region containing the point, else the nearest region
// center within the search radius.
func closestMatch(matches []engine.TextMatch, pt locator.Point) (engine.TextMatch, bool) {
	bestIdx := -1
	bestDist := math.MaxFloat64
	for i, m := range matches {
		if m.Text == "" || m.Rect.Empty() {
			continue
		}
		if containsPoint(m.Rect, pt) {
			return matches[i], true
		}
		c := m.Rect.Center()
		if d := math.Hypot(c.X-pt.X, c.Y-pt.Y); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}
	if bestIdx == -1 || bestDist > ocrSearchRadius {
		return engine.TextMatch{}, false
	}
	return matches[bestIdx], true
}

func containsPoint(r locator.Rect, pt locator.Point) bool {
	return pt.X >= r.X && pt.X <= r.X+r.Width && pt.Y >= r.Y && pt.Y <= r.Y+r.Height
}
