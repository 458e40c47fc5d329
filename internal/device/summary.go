package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/quernlabs/quern/internal/model"
)

// defaultSummaryElements caps how many elements a screen summary lists.
const defaultSummaryElements = 40

// ScreenSummary is a curated digest of the visible screen, ordered
// top-to-bottom, skipping decoration so an agent can decide its next
// action without the full tree.
type ScreenSummary struct {
	DeviceID     string            `json:"device_id"`
	ElementCount int               `json:"element_count"`
	Interactable []model.UIElement `json:"interactable"`
	Texts        []string          `json:"texts,omitempty"`
	Hierarchy    *model.UITree     `json:"hierarchy,omitempty"`
	Prose        string            `json:"prose"`
}

// interactableTypes are element types worth listing individually.
var interactableTypes = map[string]bool{
	"Button":           true,
	"TextField":        true,
	"SecureTextField":  true,
	"CheckBox":         true,
	"Switch":           true,
	"Slider":           true,
	"Link":             true,
	"Cell":             true,
	"SegmentedControl": true,
	"Picker":           true,
}

// Summarize builds a screen summary from a tree.
func Summarize(tree *model.UITree, maxElements int, includeHierarchy bool) *ScreenSummary {
	if maxElements <= 0 {
		maxElements = defaultSummaryElements
	}

	var s = &ScreenSummary{DeviceID: tree.DeviceID, ElementCount: tree.Count()}
	tree.Walk(func(e model.UIElement) {
		if !e.Visible {
			return
		}
		if interactableTypes[e.Type] || e.IsSwitchLike() {
			if len(s.Interactable) < maxElements {
				var flat = e
				flat.Children = nil
				s.Interactable = append(s.Interactable, flat)
			}
			return
		}
		if (e.Type == "StaticText" || e.Type == "TextView") && e.Label != "" {
			if len(s.Texts) < maxElements {
				s.Texts = append(s.Texts, e.Label)
			}
		}
	})

	if includeHierarchy {
		s.Hierarchy = tree
	}
	s.Prose = summaryProse(s)
	return s
}

func summaryProse(s *ScreenSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d elements on screen, %d interactable.", s.ElementCount, len(s.Interactable))
	if len(s.Interactable) > 0 {
		var names []string
		for _, e := range s.Interactable {
			var name = e.Label
			if name == "" {
				name = e.Identifier
			}
			if name == "" {
				continue
			}
			names = append(names, fmt.Sprintf("%s %q", e.Type, name))
			if len(names) == 5 {
				break
			}
		}
		if len(names) > 0 {
			fmt.Fprintf(&b, " Notable: %s.", strings.Join(names, ", "))
		}
	}
	return b.String()
}

// ScreenSummary captures the tree and digests it.
func (c *Controller) ScreenSummary(ctx context.Context, udid string, maxElements int, includeHierarchy bool) (*ScreenSummary, error) {
	tree, err := c.UITree(ctx, udid)
	if err != nil {
		return nil, err
	}
	return Summarize(tree, maxElements, includeHierarchy), nil
}

// AnnotatedScreenshot pairs raw screenshot bytes with the flattened visible
// element list so a client can ground pixel coordinates to elements.
type AnnotatedScreenshot struct {
	PNG      []byte            `json:"-"`
	Elements []model.UIElement `json:"elements"`
}

// ScreenshotAnnotated captures the screen and the element frames together.
// The two reads are not atomic; callers should treat the annotation as
// advisory when the screen is animating.
func (c *Controller) ScreenshotAnnotated(ctx context.Context, udid string) (*AnnotatedScreenshot, error) {
	png, err := c.Screenshot(ctx, udid)
	if err != nil {
		return nil, err
	}
	tree, err := c.UITree(ctx, udid)
	if err != nil {
		return nil, err
	}
	var out = &AnnotatedScreenshot{PNG: png}
	tree.Walk(func(e model.UIElement) {
		if e.Visible {
			var flat = e
			flat.Children = nil
			out.Elements = append(out.Elements, flat)
		}
	})
	return out, nil
}
