package chrome

import (
	"context"
	"log"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"webreplay/backend/internal/locator"
)

// ApplyRecordedViewport emulates the viewport a recording was captured under
// on the attached tab, with the recorded user agent when one was captured.
// Replaying under the recorded geometry keeps coordinate strategies honest.
func ApplyRecordedViewport(ctx context.Context, viewport locator.Viewport, userAgent string) error {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		viewport = locator.Viewport{Width: 1280, Height: 800}
	}

	actions := []chromedp.Action{
		chromedp.EmulateViewport(viewport.Width, viewport.Height),
	}
	if userAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(userAgent))
	}

	if err := chromedp.Run(ctx, actions...); err != nil {
		return err
	}

	log.Printf("📱 Viewport emulation applied: %dx%d", viewport.Width, viewport.Height)
	return nil
}
