package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/locator"
)

// Mode is an execution family: DOM-level element dispatch or vision-level
// coordinate dispatch through protocol input events.
type Mode string

const (
	ModeDOM    Mode = "dom"
	ModeVision Mode = "vision"
)

func otherMode(m Mode) Mode {
	if m == ModeDOM {
		return ModeVision
	}
	return ModeDOM
}

// Action is one replayable step action.
type Action string

const (
	ActionClick     Action = "click"
	ActionInput     Action = "input"
	ActionKeydown   Action = "keydown"
	ActionScroll    Action = "scroll"
	ActionChange    Action = "change"
	ActionSubmit    Action = "submit"
	ActionNavigate  Action = "navigate"
	ActionDelay     Action = "delay"
	ActionWaitClick Action = "wait_click"
)

// intrinsicMode returns the only execution family an action can run in, if the
// action is single-mode by nature. wait_click observes the page for the target
// to appear, which only the vision family can do; navigation and delays have
// no screen target at all.
func intrinsicMode(a Action) (Mode, bool) {
	switch a {
	case ActionWaitClick:
		return ModeVision, true
	case ActionNavigate, ActionDelay:
		return ModeDOM, true
	}
	return "", false
}

// actionNeedsTarget reports whether the action acts on a located element.
func actionNeedsTarget(a Action) bool {
	switch a {
	case ActionNavigate, ActionDelay:
		return false
	}
	return true
}

// Step is one recorded action to replay: the action itself, its payload and
// the fallback chain recorded for the target element. RecordedVia is a hint
// naming the family the step was captured through; it steers the primary
// attempt but never disables the alternate family.
type Step struct {
	ID          string
	Action      Action
	Value       string
	Chain       locator.FallbackChain
	RecordedVia Mode
	Timeout     time.Duration
}

// AttemptState tracks a routed execution through its two-attempt lifecycle.
type AttemptState string

const (
	StatePrimary  AttemptState = "primary"
	StateFallback AttemptState = "fallback"
	StateDone     AttemptState = "done"
)

// ExecutionAttempt records one dispatch try in one mode.
type ExecutionAttempt struct {
	Mode     Mode                 `json:"mode"`
	Strategy locator.StrategyType `json:"strategy,omitempty"`
	Success  bool                 `json:"success"`
	Err      string               `json:"error,omitempty"`
	Duration time.Duration        `json:"duration"`
}

// RoutedExecutionResult captures the full routing decision for one step: the
// primary attempt, the optional fallback attempt, and the final outcome.
type RoutedExecutionResult struct {
	StepID            string               `json:"step_id"`
	Success           bool                 `json:"success"`
	State             AttemptState         `json:"state"`
	Primary           ExecutionAttempt     `json:"primary"`
	Fallback          *ExecutionAttempt    `json:"fallback,omitempty"`
	FallbackTriggered bool                 `json:"fallback_triggered"`
	StrategyUsed      locator.StrategyType `json:"strategy_used,omitempty"`
	LowConfidence     bool                 `json:"low_confidence"`
	Duration          time.Duration        `json:"duration"`
}

// waitClickPollInterval paces the appearance poll for wait_click steps.
const waitClickPollInterval = 250 * time.Millisecond

// defaultWaitClickTimeout bounds a wait_click step that carries no timeout.
const defaultWaitClickTimeout = 10 * time.Second

// Router decides which execution family performs the winning strategy's action
// and retries in the alternate family when execution itself fails. The overall
// step timeout (primary plus optional fallback) is the caller's: pass a
// deadline-carrying context.
type Router struct {
	engine      *engine.Engine
	dispatch    dispatcher
	visionReady func() bool
	stats       *ModeStats

	mu     sync.RWMutex
	forced Mode
}

// NewRouter builds a router over the decision engine. visionReady reports
// whether the vision capability is initialized; nil means never.
func NewRouter(eng *engine.Engine, visionReady func() bool) *Router {
	if visionReady == nil {
		visionReady = func() bool { return false }
	}
	return &Router{
		engine:      eng,
		dispatch:    chromedpDispatcher{},
		visionReady: visionReady,
		stats:       NewModeStats(),
	}
}

// Stats exposes the per-mode execution counters.
func (r *Router) Stats() *ModeStats { return r.stats }

// SetForcedMode forces every subsequent step into one execution family,
// overriding per-step hints entirely. Used for diagnostics ("vision only").
// An empty mode clears the override.
func (r *Router) SetForcedMode(m Mode) error {
	switch m {
	case "", ModeDOM, ModeVision:
	default:
		return fmt.Errorf("unknown execution mode: %s", m)
	}
	r.mu.Lock()
	r.forced = m
	r.mu.Unlock()
	if m != "" {
		log.Printf("🔧 Forced execution mode enabled: %s", m)
	}
	return nil
}

// ForcedMode returns the active global override, empty when off.
func (r *Router) ForcedMode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forced
}

type routePlan struct {
	primary  Mode
	fallback Mode // empty when fallback is disabled
}

// plan resolves the primary mode and whether a fallback mode is allowed.
// Intrinsic single-mode actions bind harder than any hint or override; a
// forced mode overrides per-step hints and disables fallback. The per-call
// override takes precedence over the global one.
func (r *Router) plan(step Step, forced Mode) routePlan {
	if m, single := intrinsicMode(step.Action); single {
		return routePlan{primary: m}
	}
	if forced != ModeDOM && forced != ModeVision {
		forced = r.ForcedMode()
	}
	if forced != "" {
		return routePlan{primary: forced}
	}
	if step.RecordedVia == ModeDOM || step.RecordedVia == ModeVision {
		return routePlan{primary: step.RecordedVia, fallback: otherMode(step.RecordedVia)}
	}
	return routePlan{primary: ModeDOM, fallback: ModeVision}
}

// ExecuteStep locates the step's target through the decision engine, executes
// the winning strategy's action in the primary mode, and on failure retries
// once in the fallback mode. Both attempts are recorded in the result.
func (r *Router) ExecuteStep(ctx context.Context, step Step, page engine.PageContext) RoutedExecutionResult {
	return r.ExecuteStepForced(ctx, step, page, "")
}

// ExecuteStepForced runs one step under an execution-scoped mode override.
// Replays started in a forced mode route every step of that execution through
// it without touching the global override.
func (r *Router) ExecuteStepForced(ctx context.Context, step Step, page engine.PageContext, forced Mode) RoutedExecutionResult {
	start := time.Now()

	if step.Action == ActionWaitClick {
		return r.executeWaitClick(ctx, step, page, start)
	}

	plan := r.plan(step, forced)
	result := RoutedExecutionResult{StepID: step.ID, State: StatePrimary}
	log.Printf("🚦 Step %s (%s): primary=%s, fallback enabled=%t",
		step.ID, step.Action, plan.primary, plan.fallback != "")

	// Navigation and delays have no screen target; dispatch directly.
	if !actionNeedsTarget(step.Action) {
		att := r.dispatchAttempt(ctx, plan.primary, step, engine.Evaluation{})
		r.stats.record(plan.primary, att.Success)
		result.Primary = att
		result.Success = att.Success
		result.State = StateDone
		result.Duration = time.Since(start)
		return result
	}

	decision, err := r.engine.EvaluateChain(ctx, step.Chain, page)
	if err != nil {
		// Nothing located in any family; there is nothing to execute and
		// nothing a mode switch could act on.
		result.Primary = ExecutionAttempt{Mode: plan.primary, Err: err.Error()}
		result.State = StateDone
		result.Duration = time.Since(start)
		r.stats.record(plan.primary, false)
		return result
	}
	result.LowConfidence = decision.LowConfidence

	primary := r.attempt(ctx, plan.primary, step, decision)
	result.Primary = primary
	r.stats.record(plan.primary, primary.Success)
	if primary.Success {
		result.Success = true
		result.StrategyUsed = primary.Strategy
		result.State = StateDone
		result.Duration = time.Since(start)
		return result
	}

	if plan.fallback == "" {
		result.State = StateDone
		result.Duration = time.Since(start)
		return result
	}

	result.State = StateFallback
	log.Printf("🔄 Step %s: %s attempt failed (%s), falling back to %s",
		step.ID, plan.primary, primary.Err, plan.fallback)
	r.stats.recordFallback()

	fallback := r.attempt(ctx, plan.fallback, step, decision)
	result.Fallback = &fallback
	result.FallbackTriggered = true
	r.stats.record(plan.fallback, fallback.Success)
	if fallback.Success {
		result.Success = true
		result.StrategyUsed = fallback.Strategy
	}
	result.State = StateDone
	result.Duration = time.Since(start)
	return result
}

// Reroute handles the external "execution failed" signal: the caller dispatched
// a step that reported success but produced no observable effect. The step is
// retried once in the family opposite the one that failed.
func (r *Router) Reroute(ctx context.Context, step Step, page engine.PageContext, failed Mode) RoutedExecutionResult {
	start := time.Now()
	result := RoutedExecutionResult{
		StepID: step.ID,
		State:  StateFallback,
		Primary: ExecutionAttempt{
			Mode: failed,
			Err:  "execution produced no observable effect",
		},
	}

	if m, single := intrinsicMode(step.Action); single {
		result.State = StateDone
		result.Duration = time.Since(start)
		result.Primary.Err = fmt.Sprintf("action %s only runs in %s mode, cannot reroute", step.Action, m)
		return result
	}

	alt := otherMode(failed)
	log.Printf("🔄 Step %s: rerouting from %s to %s on external failure signal", step.ID, failed, alt)
	r.stats.recordFallback()

	decision, err := r.engine.EvaluateChain(ctx, step.Chain, page)
	if err != nil {
		att := ExecutionAttempt{Mode: alt, Err: err.Error()}
		result.Fallback = &att
		result.FallbackTriggered = true
		result.State = StateDone
		result.Duration = time.Since(start)
		r.stats.record(alt, false)
		return result
	}
	result.LowConfidence = decision.LowConfidence

	att := r.attempt(ctx, alt, step, decision)
	result.Fallback = &att
	result.FallbackTriggered = true
	r.stats.record(alt, att.Success)
	if att.Success {
		result.Success = true
		result.StrategyUsed = att.Strategy
	}
	result.State = StateDone
	result.Duration = time.Since(start)
	return result
}

// executeWaitClick polls the chain until an observing strategy resolves the
// target, then clicks it through the vision family. Coordinates never satisfy
// the wait: the point of the action is to confirm the target actually
// appeared, and the recorded point cannot witness that.
func (r *Router) executeWaitClick(ctx context.Context, step Step, page engine.PageContext, start time.Time) RoutedExecutionResult {
	result := RoutedExecutionResult{StepID: step.ID, State: StatePrimary}

	if !r.visionReady() {
		result.Primary = ExecutionAttempt{Mode: ModeVision, Err: "vision capability unavailable"}
		result.State = StateDone
		result.Duration = time.Since(start)
		r.stats.record(ModeVision, false)
		return result
	}

	budget := step.Timeout
	if budget <= 0 {
		budget = defaultWaitClickTimeout
	}
	deadline := time.Now().Add(budget)
	log.Printf("⏳ Step %s: waiting up to %v for target to appear", step.ID, budget)

	for {
		decision, err := r.engine.EvaluateChain(ctx, step.Chain, page)
		if err == nil {
			if ev, ok := waitCandidate(decision); ok {
				att := r.dispatchAttempt(ctx, ModeVision, step, ev)
				att.Strategy = ev.Strategy
				result.Primary = att
				result.Success = att.Success
				result.StrategyUsed = ev.Strategy
				result.State = StateDone
				result.Duration = time.Since(start)
				r.stats.record(ModeVision, att.Success)
				return result
			}
		}

		if time.Now().After(deadline) {
			result.Primary = ExecutionAttempt{
				Mode: ModeVision,
				Err:  fmt.Sprintf("target did not appear within %v", budget),
			}
			result.State = StateDone
			result.Duration = time.Since(start)
			r.stats.record(ModeVision, false)
			return result
		}
		select {
		case <-ctx.Done():
			result.Primary = ExecutionAttempt{Mode: ModeVision, Err: "wait cancelled: " + ctx.Err().Error()}
			result.State = StateDone
			result.Duration = time.Since(start)
			r.stats.record(ModeVision, false)
			return result
		case <-time.After(waitClickPollInterval):
		}
	}
}

// attempt picks the best strategy available to the mode and dispatches it.
func (r *Router) attempt(ctx context.Context, mode Mode, step Step, decision engine.Decision) ExecutionAttempt {
	start := time.Now()
	att := ExecutionAttempt{Mode: mode}

	ev, ok := bestForMode(decision, mode)
	if !ok {
		att.Err = fmt.Sprintf("no %s-mode strategy resolved", mode)
		att.Duration = time.Since(start)
		return att
	}
	att.Strategy = ev.Strategy

	dispatched := r.dispatchAttempt(ctx, mode, step, ev)
	att.Success = dispatched.Success
	att.Err = dispatched.Err
	att.Duration = time.Since(start)
	return att
}

// dispatchAttempt runs the mode-level dispatch and folds the outcome into an
// attempt record.
func (r *Router) dispatchAttempt(ctx context.Context, mode Mode, step Step, ev engine.Evaluation) ExecutionAttempt {
	start := time.Now()
	att := ExecutionAttempt{Mode: mode, Strategy: ev.Strategy}

	var err error
	if mode == ModeVision {
		err = r.dispatch.DispatchVision(ctx, step, ev)
	} else {
		err = r.dispatch.DispatchDOM(ctx, step, ev)
	}
	if err != nil {
		att.Err = err.Error()
	} else {
		att.Success = true
	}
	att.Duration = time.Since(start)
	return att
}

// bestForMode picks the highest-scoring found strategy the mode can execute:
// DOM needs a selector-bearing strategy, vision needs a click point. Ties keep
// the entry recorded closer to primary.
func bestForMode(decision engine.Decision, mode Mode) (engine.Evaluation, bool) {
	bestIdx := -1
	var bestScore float64
	for i, res := range decision.Results {
		if !res.Found || !usableInMode(res, mode) {
			continue
		}
		score := locator.Weight(res.Strategy) * res.Confidence
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx == -1 {
		return engine.Evaluation{}, false
	}
	return decision.Results[bestIdx], true
}

func usableInMode(res engine.Evaluation, mode Mode) bool {
	if mode == ModeVision {
		return res.ClickPoint != nil
	}
	switch res.Strategy {
	case locator.StrategyStructuralID, locator.StrategyCSSPath:
		return res.Target != ""
	}
	return false
}

// waitCandidate returns the best observing strategy with a click point,
// excluding the coordinates last resort.
func waitCandidate(decision engine.Decision) (engine.Evaluation, bool) {
	bestIdx := -1
	var bestScore float64
	for i, res := range decision.Results {
		if !res.Found || res.ClickPoint == nil || res.Strategy == locator.StrategyCoordinates {
			continue
		}
		score := locator.Weight(res.Strategy) * res.Confidence
		if bestIdx == -1 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}
	if bestIdx == -1 {
		return engine.Evaluation{}, false
	}
	return decision.Results[bestIdx], true
}
