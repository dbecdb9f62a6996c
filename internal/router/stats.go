package router

import "sync"

// ModeStats keeps running per-mode execution counters for the health surface.
type ModeStats struct {
	mu                sync.Mutex
	domSuccess        int64
	domFailure        int64
	visionSuccess     int64
	visionFailure     int64
	fallbackTriggered int64
}

func NewModeStats() *ModeStats {
	return &ModeStats{}
}

// ModeCounters holds the success and failure tallies for one execution family.
type ModeCounters struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// StatsSnapshot is a point-in-time copy of all routing counters.
type StatsSnapshot struct {
	DOM               ModeCounters `json:"dom"`
	Vision            ModeCounters `json:"vision"`
	FallbackTriggered int64        `json:"fallback_triggered"`
}

func (s *ModeStats) record(mode Mode, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case mode == ModeVision && success:
		s.visionSuccess++
	case mode == ModeVision:
		s.visionFailure++
	case success:
		s.domSuccess++
	default:
		s.domFailure++
	}
}

func (s *ModeStats) recordFallback() {
	s.mu.Lock()
	s.fallbackTriggered++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (s *ModeStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		DOM:               ModeCounters{Success: s.domSuccess, Failure: s.domFailure},
		Vision:            ModeCounters{Success: s.visionSuccess, Failure: s.visionFailure},
		FallbackTriggered: s.fallbackTriggered,
	}
}

// Reset zeroes all counters.
func (s *ModeStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domSuccess = 0
	s.domFailure = 0
	s.visionSuccess = 0
	s.visionFailure = 0
	s.fallbackTriggered = 0
}
