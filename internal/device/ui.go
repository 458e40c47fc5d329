package device

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/tool"
)

// tapDuration is the default press length, in seconds, passed to the UI
// daemon. Zero-duration taps are silently ignored by some controls; 50ms
// is the minimum that registers reliably.
const tapDuration = "0.05"

// uiClient drives the simulator UI-automation daemon (idb). Physical
// devices go through WebDriverAgent, which exposes the same operations; the
// facade treats both uniformly.
type uiClient struct{}

// idbElement mirrors one row of `idb ui describe-all`.
type idbElement struct {
	AXLabel         string   `json:"AXLabel"`
	AXUniqueID      string   `json:"AXUniqueId"`
	AXValue         string   `json:"AXValue"`
	Type            string   `json:"type"`
	RoleDescription string   `json:"role_description"`
	AXFrame         string   `json:"AXFrame"`
	Frame           idbFrame `json:"frame"`
	Enabled         bool     `json:"enabled"`
	CustomActions   []string `json:"custom_actions"`
	ContentRequired bool     `json:"content_required"`
	PID             int      `json:"pid"`
}

type idbFrame struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// DescribeAll fetches the full accessibility element list for a device.
func (u uiClient) DescribeAll(ctx context.Context, udid string) ([]model.UIElement, error) {
	var out, err = tool.Output(ctx, "idb", "ui", "describe-all", "--udid", udid, "--json")
	if err != nil {
		return nil, err
	}
	return parseDescribeAll(out)
}

func parseDescribeAll(out []byte) ([]model.UIElement, error) {
	var raw []idbElement
	if err := json.Unmarshal(out, &raw); err != nil {
		// Some idb versions emit one JSON object per line.
		for _, line := range strings.Split(string(out), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var el idbElement
			if err2 := json.Unmarshal([]byte(line), &el); err2 == nil {
				raw = append(raw, el)
			}
		}
		if len(raw) == 0 {
			return nil, err
		}
	}

	var out2 = make([]model.UIElement, 0, len(raw))
	for _, el := range raw {
		var t = el.Type
		if t == "" {
			t = "Other"
		}
		out2 = append(out2, model.UIElement{
			Type:            t,
			Label:           el.AXLabel,
			Identifier:      el.AXUniqueID,
			Value:           el.AXValue,
			RoleDescription: el.RoleDescription,
			Frame:           model.Frame{X: el.Frame.X, Y: el.Frame.Y, W: el.Frame.W, H: el.Frame.H},
			Enabled:         el.Enabled,
			Visible:         el.Frame.W > 0 && el.Frame.H > 0,
		})
	}
	return out2, nil
}

// DescribePoint returns the element at a coordinate, used by the
// coordinate cache to cheaply confirm identity before a fast-path tap.
func (u uiClient) DescribePoint(ctx context.Context, udid string, x, y float64) (*model.UIElement, error) {
	var out, err = tool.Output(ctx, "idb", "ui", "describe-point", "--udid", udid, "--json",
		formatCoord(x), formatCoord(y))
	if err != nil {
		return nil, err
	}
	var el idbElement
	if err = json.Unmarshal(out, &el); err != nil {
		return nil, err
	}
	return &model.UIElement{
		Type:            el.Type,
		Label:           el.AXLabel,
		Identifier:      el.AXUniqueID,
		Value:           el.AXValue,
		RoleDescription: el.RoleDescription,
		Frame:           model.Frame{X: el.Frame.X, Y: el.Frame.Y, W: el.Frame.W, H: el.Frame.H},
		Enabled:         el.Enabled,
		Visible:         true,
	}, nil
}

// Tap presses at a coordinate with the default 50ms duration.
func (u uiClient) Tap(ctx context.Context, udid string, x, y float64) error {
	var _, err = tool.Output(ctx, "idb", "ui", "tap", "--udid", udid,
		"--duration", tapDuration, formatCoord(x), formatCoord(y))
	return err
}

// Swipe drags between two points over the given duration in seconds.
func (u uiClient) Swipe(ctx context.Context, udid string, x0, y0, x1, y1, durationSec float64) error {
	var args = []string{"ui", "swipe", "--udid", udid,
		formatCoord(x0), formatCoord(y0), formatCoord(x1), formatCoord(y1)}
	if durationSec > 0 {
		args = append(args, "--duration", strconv.FormatFloat(durationSec, 'f', 2, 64))
	}
	var _, err = tool.Output(ctx, "idb", args...)
	return err
}

// TypeText types into the focused field.
func (u uiClient) TypeText(ctx context.Context, udid, text string) error {
	var _, err = tool.Output(ctx, "idb", "ui", "text", "--udid", udid, text)
	return err
}

// Key sends a single key code, optionally with a modifier held.
func (u uiClient) Key(ctx context.Context, udid string, code int, modifier string) error {
	var args = []string{"ui", "key", "--udid", udid, formatInt(code)}
	if modifier != "" {
		args = append(args, "--modifier", modifier)
	}
	var _, err = tool.Output(ctx, "idb", args...)
	return err
}

// PressButton pushes a hardware button (home, lock, siri, apple-pay).
func (u uiClient) PressButton(ctx context.Context, udid, button string) error {
	var _, err = tool.Output(ctx, "idb", "ui", "button", "--udid", udid, strings.ToUpper(button))
	return err
}

// ClearText selects all then deletes: cmd-a followed by delete.
func (u uiClient) ClearText(ctx context.Context, udid string) error {
	if err := u.Key(ctx, udid, keyCodeA, "cmd"); err != nil {
		return err
	}
	return u.Key(ctx, udid, keyCodeDelete, "")
}

const (
	keyCodeA      = 4
	keyCodeDelete = 42
)

func formatCoord(v float64) string {
	// idb takes integral points; fractional centers round half up.
	return strconv.Itoa(int(v + 0.5))
}

func formatInt(v int) string { return strconv.Itoa(v) }

// BuildTree nests a flat element list by frame containment: an element
// becomes a child of the smallest element that strictly contains it. Lists
// whose geometry doesn't nest cleanly degrade to a flat tree.
func BuildTree(deviceID string, flat []model.UIElement) *model.UITree {
	if len(flat) == 0 {
		return &model.UITree{DeviceID: deviceID}
	}

	// Sort by area descending so parents precede children.
	var order = make([]int, len(flat))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		var fa, fb = flat[order[a]].Frame, flat[order[b]].Frame
		return fa.W*fa.H > fb.W*fb.H
	})

	var parents = make([]int, len(flat))
	for i := range parents {
		parents[i] = -1
	}
	for oi, i := range order {
		// Scanning backward over the area-descending order, the first
		// containing element is the smallest one; stop there.
		for oj := oi - 1; oj >= 0; oj-- {
			var j = order[oj]
			if flat[j].Frame.Contains(flat[i].Frame) && flat[j].Frame != flat[i].Frame {
				parents[i] = j
				break
			}
		}
	}

	var nested = make([]model.UIElement, len(flat))
	copy(nested, flat)
	for i := range nested {
		nested[i].Children = nil
	}

	var tree = &model.UITree{DeviceID: deviceID}
	// Attach children to parents bottom-up by index order of `order`
	// reversed, so grandchildren are in place before their parent is
	// attached upward.
	for oi := len(order) - 1; oi >= 0; oi-- {
		var i = order[oi]
		if p := parents[i]; p >= 0 {
			nested[p].Children = append([]model.UIElement{nested[i]}, nested[p].Children...)
		}
	}
	for i, p := range parents {
		if p == -1 {
			tree.Elements = append(tree.Elements, nested[i])
		}
	}
	return tree
}

// ParseIndentedTree parses the indented text dump some describe commands
// emit. Indentation is tab-or-space mixed; tabs count as four spaces. If
// the structure cannot be recovered the elements are returned flat.
func ParseIndentedTree(deviceID, text string) *model.UITree {
	type node struct {
		depth int
		el    model.UIElement
	}
	var nodes []node
	var parseable = true

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var depth int
		for _, r := range line {
			if r == ' ' {
				depth++
			} else if r == '\t' {
				depth += 4
			} else {
				break
			}
		}
		var el, ok = parseTreeLine(strings.TrimSpace(line))
		if !ok {
			parseable = false
			continue
		}
		nodes = append(nodes, node{depth: depth, el: el})
	}

	var tree = &model.UITree{DeviceID: deviceID}
	if len(nodes) == 0 {
		return tree
	}
	if !parseable {
		tree.Flat = true
		for _, n := range nodes {
			tree.Elements = append(tree.Elements, n.el)
		}
		return tree
	}

	// Build by a depth stack. Inconsistent jumps degrade to flat.
	type frame struct {
		depth int
		el    *model.UIElement
	}
	var stack []frame
	var roots []model.UIElement

	for _, n := range nodes {
		for len(stack) != 0 && stack[len(stack)-1].depth >= n.depth {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n.el)
			stack = append(stack, frame{depth: n.depth, el: &roots[len(roots)-1]})
		} else {
			var parent = stack[len(stack)-1].el
			parent.Children = append(parent.Children, n.el)
			stack = append(stack, frame{depth: n.depth, el: &parent.Children[len(parent.Children)-1]})
		}
	}
	tree.Elements = roots
	return tree
}

// parseTreeLine parses `Button "Save" id=save-btn (16, 151, 370, 52)`.
func parseTreeLine(line string) (model.UIElement, bool) {
	var el model.UIElement
	var fields = strings.Fields(line)
	if len(fields) == 0 {
		return el, false
	}
	el.Type = fields[0]
	if i := strings.IndexByte(line, '"'); i >= 0 {
		if j := strings.IndexByte(line[i+1:], '"'); j >= 0 {
			el.Label = line[i+1 : i+1+j]
		}
	}
	if i := strings.Index(line, "id="); i >= 0 {
		var rest = line[i+3:]
		if j := strings.IndexByte(rest, ' '); j >= 0 {
			rest = rest[:j]
		}
		el.Identifier = rest
	}
	el.Enabled, el.Visible = true, true
	return el, true
}
