package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quernlabs/quern/internal/model"
)

func TestTapPointCenterForButtons(t *testing.T) {
	var el = model.UIElement{
		Type:  "Button",
		Frame: model.Frame{X: 100, Y: 200, W: 80, H: 40},
	}
	var x, y = GetTapPoint(el)
	require.Equal(t, 140.0, x)
	require.Equal(t, 220.0, y)
}

func TestTapPointSwitchKnobOffset(t *testing.T) {
	// A SwiftUI toggle surfaces as a CheckBox with a switch role. The tap
	// must land on the knob, not the label.
	var el = model.UIElement{
		Type:            "CheckBox",
		RoleDescription: "switch",
		Frame:           model.Frame{X: 16, Y: 151, W: 370, H: 52},
	}
	var x, y = GetTapPoint(el)
	require.InDelta(t, 330.5, x, 0.001)
	require.Equal(t, 177.0, y)
}

func TestFindElementsByLabelCaseInsensitive(t *testing.T) {
	var tree = &model.UITree{Elements: []model.UIElement{
		{Type: "Button", Label: "Save"},
		{Type: "Button", Label: "Cancel"},
		{Type: "Other", Children: []model.UIElement{
			{Type: "Button", Label: "save"},
		}},
	}}

	var matches = FindElements(tree, ElementQuery{Label: "save"})
	require.Len(t, matches, 2)

	matches = FindElements(tree, ElementQuery{Label: "save", ElementType: "Button"})
	require.Len(t, matches, 2)

	matches = FindElements(tree, ElementQuery{Label: "Cancel"})
	require.Len(t, matches, 1)
	require.Equal(t, "Cancel", matches[0].Label)
}

func TestFindElementsByIdentifierExact(t *testing.T) {
	var tree = &model.UITree{Elements: []model.UIElement{
		{Type: "Button", Identifier: "save-btn"},
		{Type: "Button", Identifier: "Save-Btn"},
	}}
	var matches = FindElements(tree, ElementQuery{Identifier: "save-btn"})
	require.Len(t, matches, 1)
}

func TestBuildTreeNestsByContainment(t *testing.T) {
	var flat = []model.UIElement{
		{Type: "Window", Frame: model.Frame{X: 0, Y: 0, W: 400, H: 800}},
		{Type: "Other", Frame: model.Frame{X: 0, Y: 100, W: 400, H: 300}},
		{Type: "Button", Label: "Save", Frame: model.Frame{X: 20, Y: 120, W: 100, H: 40}},
		{Type: "Button", Label: "Outside", Frame: model.Frame{X: 20, Y: 500, W: 100, H: 40}},
	}
	var tree = BuildTree("UDID-1", flat)

	require.Len(t, tree.Elements, 1)
	var window = tree.Elements[0]
	require.Equal(t, "Window", window.Type)
	require.Len(t, window.Children, 2)

	// "Save" nests under the container, not directly under the window.
	var container model.UIElement
	for _, ch := range window.Children {
		if ch.Type == "Other" {
			container = ch
		}
	}
	require.Len(t, container.Children, 1)
	require.Equal(t, "Save", container.Children[0].Label)
}

func TestBuildTreeAttachesToSmallestContainer(t *testing.T) {
	// Three containers all contain the button; it must attach to the
	// innermost one, not the window.
	var flat = []model.UIElement{
		{Type: "Window", Frame: model.Frame{X: 0, Y: 0, W: 400, H: 800}},
		{Type: "ScrollView", Frame: model.Frame{X: 0, Y: 50, W: 400, H: 700}},
		{Type: "Other", Frame: model.Frame{X: 0, Y: 100, W: 400, H: 300}},
		{Type: "Button", Label: "Save", Frame: model.Frame{X: 20, Y: 120, W: 100, H: 40}},
	}
	var tree = BuildTree("UDID-1", flat)

	require.Len(t, tree.Elements, 1)
	var window = tree.Elements[0]
	require.Equal(t, "Window", window.Type)
	require.Len(t, window.Children, 1)

	var scroll = window.Children[0]
	require.Equal(t, "ScrollView", scroll.Type)
	require.Len(t, scroll.Children, 1)

	var container = scroll.Children[0]
	require.Equal(t, "Other", container.Type)
	require.Len(t, container.Children, 1)
	require.Equal(t, "Save", container.Children[0].Label)
}

func TestBuildTreeEmptyInput(t *testing.T) {
	var tree = BuildTree("UDID-1", nil)
	require.Empty(t, tree.Elements)
	require.Equal(t, 0, tree.Count())
}

func TestParseIndentedTree(t *testing.T) {
	const text = `Window "Main"
	Button "Save" id=save-btn
	Other
		StaticText "Hello"
`
	var tree = ParseIndentedTree("UDID-1", text)
	require.False(t, tree.Flat)
	require.Len(t, tree.Elements, 1)

	var window = tree.Elements[0]
	require.Len(t, window.Children, 2)
	require.Equal(t, "save-btn", window.Children[0].Identifier)
	require.Equal(t, "Hello", window.Children[1].Children[0].Label)
}

func TestParseDescribeAllObjectPerLine(t *testing.T) {
	const ndjson = `{"AXLabel":"Save","type":"Button","frame":{"x":10,"y":20,"width":100,"height":40},"enabled":true}
{"AXLabel":"Toggle","type":"CheckBox","role_description":"switch","frame":{"x":16,"y":151,"width":370,"height":52},"enabled":true}`

	var els, err = parseDescribeAll([]byte(ndjson))
	require.NoError(t, err)
	require.Len(t, els, 2)
	require.Equal(t, "Save", els[0].Label)
	require.True(t, els[1].IsSwitchLike())
	require.True(t, els[0].Visible)
}

func TestCoordCacheExpiresAfterConsecutiveMisses(t *testing.T) {
	var cache = newCoordCache()
	var key = coordKey("UDID-1", "com.example.app", "save-btn")

	cache.recordHit(key, 140, 220)
	cache.recordMiss(key)
	cache.recordMiss(key)
	if _, ok := cache.get(key); !ok {
		t.Fatal("entry evicted before the miss limit")
	}

	cache.recordMiss(key)
	var _, ok = cache.get(key)
	require.False(t, ok)
}

func TestCoordCacheHitResetsMisses(t *testing.T) {
	var cache = newCoordCache()
	var key = coordKey("UDID-1", "com.example.app", "save-btn")

	cache.recordHit(key, 140, 220)
	cache.recordMiss(key)
	cache.recordMiss(key)
	cache.recordHit(key, 141, 221)
	cache.recordMiss(key)
	cache.recordMiss(key)

	var e, ok = cache.get(key)
	require.True(t, ok)
	require.Equal(t, 141.0, e.X)
}

type nopBackend struct{}

func (nopBackend) ListDevices(context.Context) ([]model.Device, error)           { return nil, nil }
func (nopBackend) Boot(context.Context, string) error                            { return nil }
func (nopBackend) Shutdown(context.Context, string) error                        { return nil }
func (nopBackend) Install(context.Context, string, string) error                 { return nil }
func (nopBackend) Launch(context.Context, string, string) error                  { return nil }
func (nopBackend) Terminate(context.Context, string, string) error               { return nil }
func (nopBackend) Uninstall(context.Context, string, string) error               { return nil }
func (nopBackend) ListApps(context.Context, string) ([]InstalledApp, error)      { return nil, nil }
func (nopBackend) Screenshot(context.Context, string) ([]byte, error)            { return nil, nil }
func (nopBackend) SetLocation(context.Context, string, float64, float64) error   { return nil }
func (nopBackend) GrantPermission(context.Context, string, string, string) error { return nil }

func newTestController() *Controller {
	return &Controller{
		sim:     nopBackend{},
		phys:    nopBackend{},
		types:   make(map[string]model.DeviceType),
		bundles: make(map[string]string),
		trees:   newTreeCache(),
		coords:  newCoordCache(),
	}
}

func TestCoordCacheScopedByForegroundApp(t *testing.T) {
	var c = newTestController()
	var ctx = context.Background()

	// Learn "save-btn" while the first app is foreground.
	require.NoError(t, c.Launch(ctx, "UDID-1", "com.example.app"))
	c.coords.recordHit(coordKey("UDID-1", c.foregroundBundle("UDID-1"), "save-btn"), 140, 220)

	// A second app reusing the identifier must not see the learned point.
	require.NoError(t, c.Launch(ctx, "UDID-1", "com.other.app"))
	var _, ok = c.coords.get(coordKey("UDID-1", c.foregroundBundle("UDID-1"), "save-btn"))
	require.False(t, ok)

	// Switching back, the original entry is intact.
	require.NoError(t, c.Launch(ctx, "UDID-1", "com.example.app"))
	e, ok := c.coords.get(coordKey("UDID-1", c.foregroundBundle("UDID-1"), "save-btn"))
	require.True(t, ok)
	require.Equal(t, 140.0, e.X)

	require.NoError(t, c.Terminate(ctx, "UDID-1", "com.example.app"))
	require.Equal(t, "", c.foregroundBundle("UDID-1"))
}
