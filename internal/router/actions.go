package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"webreplay/backend/internal/engine"
	"webreplay/backend/internal/locator"
)

// dispatcher performs the mode-level action dispatch. Swapped out in tests.
type dispatcher interface {
	DispatchDOM(ctx context.Context, step Step, ev engine.Evaluation) error
	DispatchVision(ctx context.Context, step Step, ev engine.Evaluation) error
}

// chromedpDispatcher drives a live tab. ctx must be a chromedp tab context.
type chromedpDispatcher struct{}

func (chromedpDispatcher) DispatchDOM(ctx context.Context, step Step, ev engine.Evaluation) error {
	switch step.Action {
	case ActionNavigate:
		return runSafe(ctx,
			chromedp.Navigate(step.Value),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	case ActionDelay:
		return runSafe(ctx, chromedp.Sleep(parseDelay(step.Value)))
	}

	selector := ev.Target
	if selector == "" {
		return fmt.Errorf("dom dispatch for %s needs a selector", step.Action)
	}

	switch step.Action {
	case ActionClick:
		return runSafe(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.WaitEnabled(selector, chromedp.ByQuery),
			chromedp.Click(selector, chromedp.ByQuery),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionInput:
		return runSafe(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, step.Value, chromedp.ByQuery),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionKeydown:
		return runSafe(ctx,
			chromedp.KeyEvent(mappedKey(step.Value)),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionScroll:
		x, y := parseScroll(step.Value)
		return runSafe(ctx,
			chromedp.Evaluate(fmt.Sprintf("window.scrollTo(%f, %f)", x, y), nil),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionChange:
		return runSafe(ctx,
			chromedp.SetValue(selector, step.Value, chromedp.ByQuery),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionSubmit:
		return runSafe(ctx,
			chromedp.Submit(selector, chromedp.ByQuery),
			chromedp.Sleep(1*time.Second),
		)
	}
	return fmt.Errorf("action %s not supported in dom mode", step.Action)
}

func (chromedpDispatcher) DispatchVision(ctx context.Context, step Step, ev engine.Evaluation) error {
	switch step.Action {
	case ActionKeydown:
		return runSafe(ctx,
			chromedp.KeyEvent(mappedKey(step.Value)),
			chromedp.Sleep(200*time.Millisecond),
		)
	case ActionScroll:
		x, y := parseScroll(step.Value)
		return runSafe(ctx,
			chromedp.Evaluate(fmt.Sprintf("window.scrollTo(%f, %f)", x, y), nil),
			chromedp.Sleep(200*time.Millisecond),
		)
	}

	if ev.ClickPoint == nil {
		return fmt.Errorf("vision dispatch for %s needs a click point", step.Action)
	}
	pt := *ev.ClickPoint

	switch step.Action {
	case ActionClick, ActionWaitClick, ActionSubmit:
		return clickAt(ctx, pt)
	case ActionInput, ActionChange:
		// Focus the element by clicking its point, then type the value.
		if err := clickAt(ctx, pt); err != nil {
			return err
		}
		return runSafe(ctx,
			chromedp.KeyEvent(step.Value),
			chromedp.Sleep(200*time.Millisecond),
		)
	}
	return fmt.Errorf("action %s not supported in vision mode", step.Action)
}

// clickAt dispatches a raw press/release pair at the point.
func clickAt(ctx context.Context, pt locator.Point) error {
	return runSafe(ctx,
		chromedp.MouseEvent("mousePressed", pt.X, pt.Y, chromedp.ButtonLeft, chromedp.ClickCount(1)),
		chromedp.Sleep(50*time.Millisecond),
		chromedp.MouseEvent("mouseReleased", pt.X, pt.Y, chromedp.ButtonLeft, chromedp.ClickCount(1)),
		chromedp.Sleep(200*time.Millisecond),
	)
}

// runSafe runs chromedp actions with panic containment so a misbehaving tab
// cannot take down the replay worker.
func runSafe(ctx context.Context, actions ...chromedp.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chromedp panic: %v", r)
		}
	}()
	return chromedp.Run(ctx, actions...)
}

var specialKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
}

// mappedKey translates a recorded key name to the chromedp key rune sequence.
// Unrecognized values are typed literally.
func mappedKey(value string) string {
	if k, ok := specialKeys[value]; ok {
		return k
	}
	return value
}

// parseScroll reads a scroll payload: "x,y" or a bare y offset.
func parseScroll(value string) (float64, float64) {
	parts := strings.Split(value, ",")
	if len(parts) == 2 {
		x, _ := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		y, _ := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		return x, y
	}
	y, _ := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return 0, y
}

// parseDelay reads a delay payload: milliseconds ("1500") or a duration
// string ("2s"). Defaults to one second.
func parseDelay(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Second
	}
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return time.Second
}
