package device

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/model"
)

// switchTapFraction is where along the frame width the knob of a toggle
// sits. Tapping a switch's center can hit its label area and be ignored.
const switchTapFraction = 0.85

// stabilityTolerance is how far, in points, an element may drift between
// the initial read and the pre-tap re-read and still count as the same spot.
const stabilityTolerance = 2.0

// ElementQuery selects elements by label, identifier, and type. Set fields
// are ANDed; at least one of label or identifier must be set.
type ElementQuery struct {
	Label              string `json:"label,omitempty"`
	Identifier         string `json:"identifier,omitempty"`
	ElementType        string `json:"element_type,omitempty"`
	SkipStabilityCheck bool   `json:"skip_stability_check,omitempty"`
}

func (q ElementQuery) String() string {
	var parts []string
	if q.Label != "" {
		parts = append(parts, fmt.Sprintf("label=%q", q.Label))
	}
	if q.Identifier != "" {
		parts = append(parts, fmt.Sprintf("identifier=%q", q.Identifier))
	}
	if q.ElementType != "" {
		parts = append(parts, fmt.Sprintf("type=%s", q.ElementType))
	}
	return strings.Join(parts, " ")
}

func (q ElementQuery) matches(e model.UIElement) bool {
	if q.Label != "" && !strings.EqualFold(e.Label, q.Label) {
		return false
	}
	if q.Identifier != "" && e.Identifier != q.Identifier {
		return false
	}
	if q.ElementType != "" && !strings.EqualFold(e.Type, q.ElementType) {
		return false
	}
	return true
}

// FindElements returns every tree element matching the query.
func FindElements(tree *model.UITree, q ElementQuery) []model.UIElement {
	var out []model.UIElement
	tree.Walk(func(e model.UIElement) {
		if q.matches(e) {
			var flat = e
			flat.Children = nil
			out = append(out, flat)
		}
	})
	return out
}

// GetTapPoint computes where to press an element. Switch-like controls get
// the knob position at 85% of the frame width; everything else the center.
func GetTapPoint(e model.UIElement) (x, y float64) {
	if e.IsSwitchLike() {
		return e.Frame.X + e.Frame.W*switchTapFraction, e.Frame.Y + e.Frame.H/2
	}
	return e.Frame.Center()
}

// TapResult reports what a tap-element call did. An ambiguous match is a
// normal result, not an error: the caller refines the query and retries.
type TapResult struct {
	Tapped     bool              `json:"tapped"`
	Ambiguous  bool              `json:"ambiguous,omitempty"`
	Candidates []model.UIElement `json:"candidates,omitempty"`
	Element    *model.UIElement  `json:"element,omitempty"`
	X          float64           `json:"x,omitempty"`
	Y          float64           `json:"y,omitempty"`
	CacheHit   bool              `json:"cache_hit,omitempty"`
}

// TapElement locates a single element matching the query and taps it.
// Zero matches is ElementNotFound; multiple matches return the candidate
// list without tapping.
func (c *Controller) TapElement(ctx context.Context, udid string, q ElementQuery) (*TapResult, error) {
	if q.Label == "" && q.Identifier == "" {
		return nil, model.Errf(model.KindValidation, "tap_element requires label or identifier")
	}

	// Identifier-only queries may skip the full tree read when a learned
	// coordinate still resolves to the same element. Labels are not unique
	// enough to trust a cached point.
	if q.Identifier != "" && q.Label == "" {
		if res, ok := c.tapFromCache(ctx, udid, q); ok {
			return res, nil
		}
	}

	tree, err := c.UITree(ctx, udid)
	if err != nil {
		return nil, err
	}
	var matches = FindElements(tree, q)

	switch len(matches) {
	case 0:
		return nil, model.Errf(model.KindNotFound, "no element matches %s", q)
	case 1:
	default:
		return &TapResult{Ambiguous: true, Candidates: matches}, nil
	}
	var target = matches[0]

	if !q.SkipStabilityCheck {
		target, err = c.recheckElement(ctx, udid, q, target)
		if err != nil {
			return nil, err
		}
	}

	var x, y = GetTapPoint(target)
	if err = c.Tap(ctx, udid, x, y); err != nil {
		return nil, err
	}
	if q.Identifier != "" {
		c.coords.recordHit(coordKey(udid, c.foregroundBundle(udid), q.Identifier), x, y)
	}
	return &TapResult{Tapped: true, Element: &target, X: x, Y: y}, nil
}

// tapFromCache probes the learned coordinate for an identifier. The point
// probe must return the same identifier for the fast path to fire.
func (c *Controller) tapFromCache(ctx context.Context, udid string, q ElementQuery) (*TapResult, bool) {
	var key = coordKey(udid, c.foregroundBundle(udid), q.Identifier)
	entry, ok := c.coords.get(key)
	if !ok {
		return nil, false
	}

	el, err := c.ui.DescribePoint(ctx, udid, entry.X, entry.Y)
	if err != nil || el.Identifier != q.Identifier {
		c.coords.recordMiss(key)
		return nil, false
	}
	if q.ElementType != "" && !strings.EqualFold(el.Type, q.ElementType) {
		c.coords.recordMiss(key)
		return nil, false
	}

	var x, y = GetTapPoint(*el)
	if err = c.Tap(ctx, udid, x, y); err != nil {
		return nil, false
	}
	c.coords.recordHit(key, x, y)
	log.WithFields(log.Fields{"udid": udid, "identifier": q.Identifier}).
		Debug("tapped via coordinate cache")
	return &TapResult{Tapped: true, Element: el, X: x, Y: y, CacheHit: true}, true
}

// recheckElement re-reads the tree once and confirms the target is still
// where it was. If it moved, the fresh position wins; if it vanished, the
// tap is aborted.
func (c *Controller) recheckElement(ctx context.Context, udid string, q ElementQuery, prev model.UIElement) (model.UIElement, error) {
	c.trees.invalidate(udid)
	tree, err := c.UITree(ctx, udid)
	if err != nil {
		return prev, err
	}
	var matches = FindElements(tree, q)
	if len(matches) == 0 {
		return prev, model.Errf(model.KindNotFound,
			"element matching %s disappeared before tap", q)
	}

	// Prefer the match nearest the original position.
	var best = matches[0]
	var bestDist = math.Inf(1)
	var px, py = prev.Frame.Center()
	for _, m := range matches {
		var mx, my = m.Frame.Center()
		var d = math.Hypot(mx-px, my-py)
		if d < bestDist {
			best, bestDist = m, d
		}
	}
	if bestDist > stabilityTolerance {
		log.WithFields(log.Fields{"udid": udid, "drift": bestDist}).
			Debug("element moved between reads; tapping fresh position")
	}
	return best, nil
}

// FindElement returns the elements matching a query without tapping.
func (c *Controller) FindElement(ctx context.Context, udid string, q ElementQuery) ([]model.UIElement, error) {
	tree, err := c.UITree(ctx, udid)
	if err != nil {
		return nil, err
	}
	return FindElements(tree, q), nil
}

// WaitForElement polls the tree until a matching element appears or the
// timeout passes. Returns (nil, nil) on timeout: absence is a normal
// long-poll outcome, not an error.
func (c *Controller) WaitForElement(ctx context.Context, udid string, q ElementQuery, timeout time.Duration) ([]model.UIElement, error) {
	var deadline = time.Now().Add(timeout)
	var interval = time.Second

	for {
		c.trees.invalidate(udid)
		matches, err := c.FindElement(ctx, udid, q)
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			return matches, nil
		}

		var remaining = time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		var sleep = interval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
