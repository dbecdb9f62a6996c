package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"webreplay/backend/internal/locator"
)

// ErrCapabilityUnavailable marks a page capability that is not initialized
// (protocol session not attached, vision service down). Evaluators translate
// it into a skipped outcome instead of a failure so the strategy is excluded
// from scoring rather than counted against the chain.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// Element is one candidate node resolved on the live page.
type Element struct {
	NodeID     cdp.NodeID
	BackendID  cdp.BackendNodeID
	Tag        string
	Rect       locator.Rect
	Attributes map[string]string
	OuterHTML  string
	Role       string
	Name       string
}

// PageContext is the read-only view of the live page the evaluators query.
// Implementations must not mutate page state; locating an element and acting
// on it are separate phases, and only the execution router acts.
type PageContext interface {
	// QuerySelectorAll resolves a CSS selector to every matching element.
	QuerySelectorAll(ctx context.Context, selector string) ([]Element, error)
	// QueryAXTree resolves accessibility candidates by role and accessible name.
	QueryAXTree(ctx context.Context, role, name string) ([]Element, error)
	// FindByText locates visible elements whose text, label, placeholder,
	// value or test id matches the given text.
	FindByText(ctx context.Context, text string) ([]Element, error)
	// ElementAtPoint hit-tests the node under a viewport point.
	ElementAtPoint(ctx context.Context, pt locator.Point) (Element, bool, error)
	// CaptureScreenshot returns the current viewport as PNG bytes.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// Viewport returns the current layout viewport size.
	Viewport(ctx context.Context) (locator.Viewport, error)
}

// ChromePage implements PageContext against one live tab. The tab context must
// come from chromedp.NewContext; protocol commands are routed to that tab's
// target while honoring the caller's per-evaluator deadline.
type ChromePage struct {
	tab context.Context
}

// NewChromePage wraps an attached chromedp tab context.
func NewChromePage(tab context.Context) *ChromePage {
	return &ChromePage{tab: tab}
}

// protocolCtx returns a context that routes cdproto commands to the tab's
// target while keeping the caller's cancellation and deadline.
func (p *ChromePage) protocolCtx(ctx context.Context) (context.Context, error) {
	c := chromedp.FromContext(p.tab)
	if c == nil || c.Target == nil {
		return nil, fmt.Errorf("%w: protocol session not attached", ErrCapabilityUnavailable)
	}
	return cdp.WithExecutor(ctx, c.Target), nil
}

// run executes chromedp actions on the tab, bounded by the caller's deadline.
func (p *ChromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if chromedp.FromContext(p.tab) == nil {
		return fmt.Errorf("%w: protocol session not attached", ErrCapabilityUnavailable)
	}
	tctx := p.tab
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(p.tab, deadline)
		defer cancel()
	}
	return chromedp.Run(tctx, actions...)
}

func (p *ChromePage) QuerySelectorAll(ctx context.Context, selector string) ([]Element, error) {
	pctx, err := p.protocolCtx(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := dom.GetDocument().Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	ids, err := dom.QuerySelectorAll(doc.NodeID, selector).Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", selector, err)
	}

	els := make([]Element, 0, len(ids))
	for _, id := range ids {
		el := Element{NodeID: id}
		if attrs, err := dom.GetAttributes(id).Do(pctx); err == nil {
			el.Attributes = attributePairs(attrs)
		}
		if html, err := dom.GetOuterHTML().WithNodeID(id).Do(pctx); err == nil {
			el.OuterHTML = html
		}
		if rect, ok := nodeRect(pctx, id); ok {
			el.Rect = rect
		}
		els = append(els, el)
	}
	return els, nil
}

func (p *ChromePage) QueryAXTree(ctx context.Context, role, name string) ([]Element, error) {
	pctx, err := p.protocolCtx(ctx)
	if err != nil {
		return nil, err
	}
	q := accessibility.QueryAXTree()
	if name != "" {
		q = q.WithAccessibleName(name)
	}
	if role != "" {
		q = q.WithRole(role)
	}
	nodes, err := q.Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("query accessibility tree: %w", err)
	}

	els := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || n.Ignored {
			continue
		}
		el := Element{
			Role: axValueString(n.Role),
			Name: axValueString(n.Name),
		}
		if n.BackendDOMNodeID != 0 {
			el.BackendID = n.BackendDOMNodeID
			if rect, ok := backendNodeRect(pctx, n.BackendDOMNodeID); ok {
				el.Rect = rect
			}
		}
		els = append(els, el)
	}
	return els, nil
}

func (p *ChromePage) FindByText(ctx context.Context, text string) ([]Element, error) {
	pctx, err := p.protocolCtx(ctx)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(findByTextJS, jsString(text))
	obj, exp, err := runtime.Evaluate(script).WithReturnByValue(true).Do(pctx)
	if err != nil {
		return nil, fmt.Errorf("find by text: %w", err)
	}
	if exp != nil {
		return nil, fmt.Errorf("find by text: %s", exp.Text)
	}
	if obj == nil || len(obj.Value) == 0 {
		return nil, nil
	}

	var hits []textHit
	if err := json.Unmarshal([]byte(obj.Value), &hits); err != nil {
		return nil, fmt.Errorf("decode text matches: %w", err)
	}
	els := make([]Element, 0, len(hits))
	for _, h := range hits {
		els = append(els, Element{
			Tag:  h.Tag,
			Name: h.Text,
			Rect: locator.Rect{X: h.X, Y: h.Y, Width: h.Width, Height: h.Height},
		})
	}
	return els, nil
}

func (p *ChromePage) ElementAtPoint(ctx context.Context, pt locator.Point) (Element, bool, error) {
	pctx, err := p.protocolCtx(ctx)
	if err != nil {
		return Element{}, false, err
	}
	backendID, _, _, err := dom.GetNodeForLocation().
		WithX(int64(pt.X)).
		WithY(int64(pt.Y)).
		Do(pctx)
	if err != nil {
		// The protocol reports "no node at given location" as an error.
		return Element{}, false, nil
	}

	el := Element{BackendID: backendID}
	if node, err := dom.DescribeNode().WithBackendNodeID(backendID).Do(pctx); err == nil && node != nil {
		el.Tag = strings.ToLower(node.NodeName)
		el.Attributes = attributePairs(node.Attributes)
	}
	if rect, ok := backendNodeRect(pctx, backendID); ok {
		el.Rect = rect
	}
	return el, true, nil
}

func (p *ChromePage) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *ChromePage) Viewport(ctx context.Context) (locator.Viewport, error) {
	pctx, err := p.protocolCtx(ctx)
	if err != nil {
		return locator.Viewport{}, err
	}
	obj, exp, err := runtime.Evaluate(`({width: window.innerWidth, height: window.innerHeight})`).
		WithReturnByValue(true).
		Do(pctx)
	if err != nil {
		return locator.Viewport{}, fmt.Errorf("read viewport: %w", err)
	}
	if exp != nil {
		return locator.Viewport{}, fmt.Errorf("read viewport: %s", exp.Text)
	}
	var vp locator.Viewport
	if obj != nil && len(obj.Value) > 0 {
		if err := json.Unmarshal([]byte(obj.Value), &vp); err != nil {
			return locator.Viewport{}, fmt.Errorf("decode viewport: %w", err)
		}
	}
	return vp, nil
}

type textHit struct {
	Tag    string  `json:"tag"`
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// findByTextJS matches visible elements by trimmed text content, aria-label,
// placeholder, value or data-testid. Capped at 10 hits; document order.
const findByTextJS = `
(() => {
	const wanted = %s.trim().toLowerCase();
	if (!wanted) return [];
	const hits = [];
	const els = document.querySelectorAll('a, button, input, select, textarea, label, [role], [onclick], [data-testid], span, div');
	for (const el of els) {
		if (hits.length >= 10) break;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) continue;
		const style = window.getComputedStyle(el);
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		const candidates = [
			el.getAttribute('aria-label'),
			el.getAttribute('placeholder'),
			el.getAttribute('data-testid'),
			el.value,
			el.childElementCount === 0 ? el.textContent : ''
		];
		const matched = candidates.some(c => {
			if (!c || typeof c !== 'string') return false;
			const t = c.trim().toLowerCase();
			return t === wanted || (t.length > 0 && t.includes(wanted));
		});
		if (!matched) continue;
		hits.push({
			tag: el.tagName.toLowerCase(),
			text: (el.textContent || el.value || '').trim().slice(0, 120),
			x: rect.x, y: rect.y, width: rect.width, height: rect.height
		});
	}
	return hits;
})()
`

// jsString encodes a Go string as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// attributePairs converts the protocol's flat [name, value, ...] list to a map.
func attributePairs(flat []string) map[string]string {
	if len(flat) < 2 {
		return nil
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		m[flat[i]] = flat[i+1]
	}
	return m
}

func axValueString(v *accessibility.AXValue) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(v.Value), &s); err != nil {
		return strings.Trim(string(v.Value), `"`)
	}
	return s
}

func nodeRect(ctx context.Context, id cdp.NodeID) (locator.Rect, bool) {
	model, err := dom.GetBoxModel().WithNodeID(id).Do(ctx)
	if err != nil || model == nil || len(model.Content) < 8 {
		return locator.Rect{}, false
	}
	return quadRect(model.Content), true
}

func backendNodeRect(ctx context.Context, id cdp.BackendNodeID) (locator.Rect, bool) {
	model, err := dom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
	if err != nil || model == nil || len(model.Content) < 8 {
		return locator.Rect{}, false
	}
	return quadRect(model.Content), true
}

// quadRect converts a protocol content quad (4 corner points) to a rect.
func quadRect(q dom.Quad) locator.Rect {
	minX, minY := q[0], q[1]
	maxX, maxY := q[0], q[1]
	for i := 0; i+1 < len(q); i += 2 {
		minX = math.Min(minX, q[i])
		maxX = math.Max(maxX, q[i])
		minY = math.Min(minY, q[i+1])
		maxY = math.Max(maxY, q[i+1])
	}
	return locator.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
