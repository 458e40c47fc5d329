package model

// Frame is an element's position and size in screen points.
type Frame struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the midpoint of the frame.
func (f Frame) Center() (x, y float64) {
	return f.X + f.W/2, f.Y + f.H/2
}

// Contains reports whether |other| lies entirely within f.
func (f Frame) Contains(other Frame) bool {
	return other.X >= f.X && other.Y >= f.Y &&
		other.X+other.W <= f.X+f.W && other.Y+other.H <= f.Y+f.H
}

// UIElement is one node of an accessibility tree. Elements are ephemeral:
// a tree is valid only until the next mutating operation on its device.
type UIElement struct {
	Type            string      `json:"type"`
	Label           string      `json:"label,omitempty"`
	Identifier      string      `json:"identifier,omitempty"`
	Value           string      `json:"value,omitempty"`
	RoleDescription string      `json:"role_description,omitempty"`
	Frame           Frame       `json:"frame"`
	Enabled         bool        `json:"enabled"`
	Visible         bool        `json:"visible"`
	Traits          []string    `json:"traits,omitempty"`
	Children        []UIElement `json:"children,omitempty"`
}

// IsSwitchLike reports whether taps should target the control's knob rather
// than its center. SwiftUI toggles surface as CheckBox with a "switch" role.
func (e UIElement) IsSwitchLike() bool {
	return e.Type == "CheckBox" || e.Type == "Switch" || e.RoleDescription == "switch"
}

// UITree is a parsed accessibility snapshot for one device.
type UITree struct {
	DeviceID string      `json:"device_id"`
	Elements []UIElement `json:"elements"`
	Flat     bool        `json:"flat,omitempty"` // hierarchy could not be recovered
}

// Walk visits every element of the tree in depth-first order.
func (t *UITree) Walk(fn func(UIElement)) {
	var visit func(els []UIElement)
	visit = func(els []UIElement) {
		for _, e := range els {
			fn(e)
			visit(e.Children)
		}
	}
	visit(t.Elements)
}

// Count returns the number of elements in the tree.
func (t *UITree) Count() int {
	var n int
	t.Walk(func(UIElement) { n++ })
	return n
}
