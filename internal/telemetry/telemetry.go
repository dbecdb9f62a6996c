package telemetry

import (
	"sync"
	"time"

	"webreplay/backend/internal/locator"
)

// Step outcomes recorded per replayed step.
const (
	OutcomePassed          = "passed"
	OutcomeFailed          = "failed"
	OutcomeNoStrategy      = "no_strategy_resolved"
	OutcomeExecutionFailed = "execution_failed"
	OutcomeTimeout         = "timeout"
	OutcomeCancelled       = "cancelled"
)

// Record is one append-only telemetry entry for a replayed step: which
// strategy ultimately acted, whether the step passed, and whether the router
// had to fall back. Records are buffered here and drained to persistence by
// the flusher service.
type Record struct {
	ExecutionID       uint                 `json:"execution_id,omitempty"`
	StepID            string               `json:"step_id"`
	StrategyUsed      locator.StrategyType `json:"strategy_used,omitempty"`
	Success           bool                 `json:"success"`
	DurationMs        int64                `json:"duration_ms"`
	FallbackTriggered bool                 `json:"fallback_triggered"`
	Outcome           string               `json:"outcome"`
	RecordedAt        time.Time            `json:"recorded_at"`
}

// StrategyCounters tallies how often a strategy won a step and how that went.
type StrategyCounters struct {
	Wins     int64 `json:"wins"`
	Failures int64 `json:"failures"`
}

// HealthSnapshot is a point-in-time copy of the running counters.
type HealthSnapshot struct {
	Steps              int64                                   `json:"steps"`
	Passed             int64                                   `json:"passed"`
	Failed             int64                                   `json:"failed"`
	FallbacksTriggered int64                                   `json:"fallbacks_triggered"`
	ByStrategy         map[locator.StrategyType]StrategyCounters `json:"by_strategy"`
	ByOutcome          map[string]int64                        `json:"by_outcome"`
}

// Logger buffers append-only step records and keeps running health counters
// for the health endpoint. Appending never blocks on persistence.
type Logger struct {
	mu        sync.Mutex
	pending   []Record
	steps     int64
	passed    int64
	failed    int64
	fallbacks int64
	byStrat   map[locator.StrategyType]StrategyCounters
	byOutcome map[string]int64
}

func New() *Logger {
	return &Logger{
		byStrat:   make(map[locator.StrategyType]StrategyCounters),
		byOutcome: make(map[string]int64),
	}
}

// Append records one step outcome.
func (l *Logger) Append(rec Record) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.Outcome == "" {
		if rec.Success {
			rec.Outcome = OutcomePassed
		} else {
			rec.Outcome = OutcomeFailed
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, rec)
	l.steps++
	if rec.Success {
		l.passed++
	} else {
		l.failed++
	}
	if rec.FallbackTriggered {
		l.fallbacks++
	}
	if rec.StrategyUsed != "" {
		c := l.byStrat[rec.StrategyUsed]
		if rec.Success {
			c.Wins++
		} else {
			c.Failures++
		}
		l.byStrat[rec.StrategyUsed] = c
	}
	l.byOutcome[rec.Outcome]++
}

// Drain hands the buffered records to the caller and clears the buffer.
// Health counters are unaffected.
func (l *Logger) Drain() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// Pending reports how many records await persistence.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Health returns a consistent copy of the running counters.
func (l *Logger) Health() HealthSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := HealthSnapshot{
		Steps:              l.steps,
		Passed:             l.passed,
		Failed:             l.failed,
		FallbacksTriggered: l.fallbacks,
		ByStrategy:         make(map[locator.StrategyType]StrategyCounters, len(l.byStrat)),
		ByOutcome:          make(map[string]int64, len(l.byOutcome)),
	}
	for k, v := range l.byStrat {
		snap.ByStrategy[k] = v
	}
	for k, v := range l.byOutcome {
		snap.ByOutcome[k] = v
	}
	return snap
}

// Reset zeroes the health counters. Buffered records stay queued.
func (l *Logger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = 0
	l.passed = 0
	l.failed = 0
	l.fallbacks = 0
	l.byStrat = make(map[locator.StrategyType]StrategyCounters)
	l.byOutcome = make(map[string]int64)
}
