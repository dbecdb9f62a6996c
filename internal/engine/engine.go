package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"webreplay/backend/internal/locator"
)

// State tracks one step evaluation through its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateScoring    State = "scoring"
	StateDecided    State = "decided"
)

// Decision is the outcome of scoring one fallback chain against the live page.
// Results holds one entry per chain strategy in recorded order, including
// skipped and timed-out ones, so a failed step can report exactly what was
// tried and why each attempt missed.
type Decision struct {
	State         State         `json:"state"`
	Winner        *Evaluation   `json:"winner,omitempty"`
	WinnerScore   float64       `json:"winner_score"`
	Results       []Evaluation  `json:"results"`
	LowConfidence bool          `json:"low_confidence"`
	Duration      time.Duration `json:"duration"`
}

// NoStrategyResolvedError reports total chain failure with the per-strategy
// breakdown attached for diagnostics.
type NoStrategyResolvedError struct {
	Results []Evaluation
}

func (e *NoStrategyResolvedError) Error() string {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		reason := r.Err
		if reason == "" {
			reason = string(r.Outcome)
		}
		parts = append(parts, fmt.Sprintf("%s: %s", r.Strategy, reason))
	}
	return "no strategy resolved: " + strings.Join(parts, "; ")
}

// Engine scores fallback chains against the live page. It is stateless across
// steps and safe for sequential reuse; one EvaluateChain call handles one step.
type Engine struct {
	registry *Registry
}

// New builds an engine over the given evaluator registry. A nil registry gets
// the default one with vision reporting unavailable.
func New(registry *Registry) *Engine {
	if registry == nil {
		registry = DefaultRegistry(nil)
	}
	return &Engine{registry: registry}
}

// EvaluateChain fans out every strategy in the chain to its evaluator, awaits
// the full cohort (each bounded by its own timeout), then scores the found
// ones: combinedScore = fixed strategy weight times dynamic confidence. Ties
// break toward the strategy recorded closer to primary. The result is
// deterministic for identical evaluator outputs regardless of completion
// order.
//
// A winner of the coordinates type is flagged low-confidence so callers can
// surface a warning. When nothing resolves, the returned error is a
// *NoStrategyResolvedError carrying the full breakdown.
func (e *Engine) EvaluateChain(ctx context.Context, chain locator.FallbackChain, page PageContext) (Decision, error) {
	start := time.Now()
	if err := chain.Validate(); err != nil {
		return Decision{State: StateIdle}, fmt.Errorf("invalid fallback chain: %w", err)
	}

	log.Printf("🔍 Evaluating fallback chain: %d strategies, primary=%s", len(chain.Strategies), chain.PrimaryStrategy)
	decision := Decision{State: StateEvaluating}

	results := make([]Evaluation, len(chain.Strategies))
	var wg sync.WaitGroup
	for i, s := range chain.Strategies {
		ev, ok := e.registry.Lookup(s.Type)
		if !ok {
			results[i] = skippedResult(s, "no evaluator registered")
			continue
		}
		wg.Add(1)
		go func(i int, s locator.LocatorStrategy, ev Evaluator) {
			defer wg.Done()
			results[i] = runBounded(ctx, ev, page, s)
		}(i, s, ev)
	}
	wg.Wait()

	decision.State = StateScoring
	decision.Results = results

	winnerIdx := -1
	var winnerScore float64
	for i, res := range results {
		if !res.Found {
			continue
		}
		score := locator.Weight(res.Strategy) * res.Confidence
		// Strictly greater keeps the earlier chain entry on ties: recorded
		// order is the tie break.
		if winnerIdx == -1 || score > winnerScore {
			winnerIdx = i
			winnerScore = score
		}
	}

	decision.State = StateDecided
	decision.Duration = time.Since(start)

	if winnerIdx == -1 {
		log.Printf("❌ No strategy resolved after %v (%d strategies)", decision.Duration, len(results))
		return decision, &NoStrategyResolvedError{Results: results}
	}

	winner := results[winnerIdx]
	decision.Winner = &winner
	decision.WinnerScore = winnerScore
	if winner.Strategy == locator.StrategyCoordinates {
		decision.LowConfidence = true
		log.Printf("⚠️ Only last-resort coordinates won (score %.3f), flagging low confidence", winnerScore)
	} else {
		log.Printf("✅ Strategy %s won with score %.3f (confidence %.3f) in %v",
			winner.Strategy, winnerScore, winner.Confidence, decision.Duration)
	}
	return decision, nil
}

// runBounded runs one evaluator with its own timeout so a slow strategy can
// never hold up the cohort: once the budget elapses the evaluator is abandoned
// and the strategy recorded as timed out, distinct from not-found. A panicking
// evaluator is folded into a not-found result.
func runBounded(ctx context.Context, ev Evaluator, page PageContext, s locator.LocatorStrategy) Evaluation {
	evalCtx, cancel := context.WithTimeout(ctx, ev.Timeout())
	defer cancel()

	start := time.Now()
	done := make(chan Evaluation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res := notFoundResult(s, fmt.Sprintf("evaluator panic: %v", r), start)
				done <- res
			}
		}()
		done <- ev.Evaluate(evalCtx, page, s)
	}()

	select {
	case res := <-done:
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		return res
	case <-evalCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			// The page context was closed or navigated away; the in-flight
			// call is abandoned and counted as failed, never retried.
			return notFoundResult(s, "evaluation cancelled: page context closed", start)
		}
		return timeoutResult(s, start)
	}
}
