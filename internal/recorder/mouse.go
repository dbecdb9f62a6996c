package recorder

import (
	"math"
	"sync"

	"webreplay/backend/internal/generator"
	"webreplay/backend/internal/locator"
)

// Mouse layer: a rolling, time-decayed trail of cursor samples drained from
// the injected script. At action time the trail window leading into the click
// is snapshotted and classified into a movement pattern.
const (
	trailMaxPoints   = 120
	trailMaxAgeMs    = int64(3000)
	evidenceWindowMs = int64(1500)

	pauseGapMs   = int64(250)
	pauseMaxDist = 6.0
	turnAngleDeg = 25.0
)

type MouseTrail struct {
	mu     sync.Mutex
	points []locator.TrailPoint
}

func NewMouseTrail() *MouseTrail {
	return &MouseTrail{}
}

// Extend appends drained samples, keeping temporal order. Samples that would
// move time backwards are dropped; old samples decay out.
func (t *MouseTrail) Extend(points []locator.TrailPoint) {
	if len(points) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range points {
		if n := len(t.points); n > 0 && p.Timestamp < t.points[n-1].Timestamp {
			continue
		}
		t.points = append(t.points, p)
	}
	t.pruneLocked(points[len(points)-1].Timestamp)
}

func (t *MouseTrail) pruneLocked(now int64) {
	cutoff := now - trailMaxAgeMs
	firstFresh := 0
	for firstFresh < len(t.points) && t.points[firstFresh].Timestamp < cutoff {
		firstFresh++
	}
	if firstFresh > 0 {
		t.points = append(t.points[:0], t.points[firstFresh:]...)
	}
	if len(t.points) > trailMaxPoints {
		t.points = append(t.points[:0], t.points[len(t.points)-trailMaxPoints:]...)
	}
}

// Evidence snapshots the trail window leading into an action and classifies
// it. Returns nil when the trail is too thin to say anything.
func (t *MouseTrail) Evidence(actionTS int64) *generator.MouseEvidence {
	t.mu.Lock()
	defer t.mu.Unlock()

	var window []locator.TrailPoint
	for _, p := range t.points {
		if p.Timestamp >= actionTS-evidenceWindowMs && p.Timestamp <= actionTS+50 {
			window = append(window, p)
		}
	}
	if len(window) < 2 {
		return nil
	}
	return &generator.MouseEvidence{
		Trail:   window,
		Pattern: ClassifyTrail(window),
	}
}

// Len reports the current trail size.
func (t *MouseTrail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.points)
}

// ClassifyTrail labels the movement leading into an action. Straightness is
// net displacement over path length; pauses are long dwells with barely any
// movement; turns count direction changes sharper than turnAngleDeg.
func ClassifyTrail(points []locator.TrailPoint) string {
	if len(points) < 3 {
		return locator.PatternHesitant
	}

	var pathLen float64
	pauses := 0
	for i := 1; i < len(points); i++ {
		d := dist(points[i-1], points[i])
		pathLen += d
		if points[i].Timestamp-points[i-1].Timestamp >= pauseGapMs && d < pauseMaxDist {
			pauses++
		}
	}
	if pathLen < 1 {
		return locator.PatternHesitant
	}
	if pauses >= 2 {
		return locator.PatternHesitant
	}

	displacement := dist(points[0], points[len(points)-1])
	straightness := displacement / pathLen
	turns := countTurns(points)

	switch {
	case straightness >= 0.9 && turns <= 1:
		return locator.PatternDirect
	case straightness >= 0.5:
		return locator.PatternCurved
	default:
		return locator.PatternSearching
	}
}

func countTurns(points []locator.TrailPoint) int {
	turns := 0
	var prevDX, prevDY float64
	havePrev := false
	for i := 1; i < len(points); i++ {
		dx := points[i].X - points[i-1].X
		dy := points[i].Y - points[i-1].Y
		if math.Hypot(dx, dy) < 2 {
			continue
		}
		if havePrev {
			if angleBetween(prevDX, prevDY, dx, dy) > turnAngleDeg {
				turns++
			}
		}
		prevDX, prevDY = dx, dy
		havePrev = true
	}
	return turns
}

func angleBetween(ax, ay, bx, by float64) float64 {
	na := math.Hypot(ax, ay)
	nb := math.Hypot(bx, by)
	if na == 0 || nb == 0 {
		return 0
	}
	cos := (ax*bx + ay*by) / (na * nb)
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return math.Acos(cos) * 180 / math.Pi
}

func dist(a, b locator.TrailPoint) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
