package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// State is the runtime state of an element that the markup does not carry:
// live form values, selection, scroll offsets.
type State struct {
	Value    string
	HasValue bool // Value diverges from the markup

	Checked    bool
	HasChecked bool

	SelectionStart int
	SelectionEnd   int
	ScrollTop      int
	ScrollLeft     int

	// Dirty is set by user input and cleared only by ResetValue. A focused
	// dirty control keeps its value across patches until it loses focus.
	Dirty bool
}

// Document is a live DOM: a node tree, per-element runtime state, and focus.
// It is not safe for concurrent use; the engine serialises access.
type Document struct {
	root   *html.Node
	state  map[*html.Node]*State
	active *html.Node
}

// Parse parses a full HTML document
func Parse(src string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return NewDocument(root), nil
}

// NewDocument wraps an existing node tree
func NewDocument(root *html.Node) *Document {
	return &Document{
		root:  root,
		state: make(map[*html.Node]*State),
	}
}

// Root returns the document node
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the body element, or the root when there is none
func (d *Document) Body() *html.Node {
	if body := d.Find(func(n *html.Node) bool { return n.DataAtom == atom.Body }); body != nil {
		return body
	}
	return d.root
}

// Find returns the first node in document order matching pred
func (d *Document) Find(pred func(*html.Node) bool) *html.Node {
	var found *html.Node
	Walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if pred(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// FindAll returns every node in document order matching pred
func (d *Document) FindAll(pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	Walk(d.root, func(n *html.Node) bool {
		if pred(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// ByAttr returns the first element whose attribute key equals val
func (d *Document) ByAttr(key, val string) *html.Node {
	return d.Find(func(n *html.Node) bool {
		if !IsElement(n) {
			return false
		}
		v, ok := Attr(n, key)
		return ok && v == val
	})
}

// ByID returns the element with the given id attribute
func (d *Document) ByID(id string) *html.Node {
	if id == "" {
		return nil
	}
	return d.ByAttr("id", id)
}

// Contains reports whether n is attached to this document
func (d *Document) Contains(n *html.Node) bool {
	if n == nil {
		return false
	}
	return Contains(d.root, n)
}

// State returns the runtime state of n, creating it on first use
func (d *Document) State(n *html.Node) *State {
	s, ok := d.state[n]
	if !ok {
		s = &State{}
		d.state[n] = s
	}
	return s
}

// Peek returns the runtime state of n without creating it
func (d *Document) Peek(n *html.Node) (*State, bool) {
	s, ok := d.state[n]
	return s, ok
}

// Forget drops runtime state for n and its descendants
func (d *Document) Forget(n *html.Node) {
	Walk(n, func(c *html.Node) bool {
		delete(d.state, c)
		return true
	})
}

// ActiveElement returns the focused element, or nil when focus rests on
// the document itself
func (d *Document) ActiveElement() *html.Node {
	if d.active != nil && !d.Contains(d.active) {
		d.active = nil
	}
	return d.active
}

// Focus moves focus to n. Detached or non-element nodes are refused.
func (d *Document) Focus(n *html.Node) bool {
	if !IsElement(n) || !d.Contains(n) {
		return false
	}
	d.active = n
	return true
}

// Blur returns focus to the document
func (d *Document) Blur() {
	d.active = nil
}

// Value returns the live value of a form control
func (d *Document) Value(n *html.Node) string {
	if s, ok := d.state[n]; ok && s.HasValue {
		return s.Value
	}
	if n.DataAtom == atom.Textarea {
		return TextContent(n)
	}
	if n.DataAtom == atom.Select {
		return selectedOption(n)
	}
	return AttrValue(n, "value")
}

// Checked returns the live checked state of a checkbox or radio
func (d *Document) Checked(n *html.Node) bool {
	if s, ok := d.state[n]; ok && s.HasChecked {
		return s.Checked
	}
	return HasAttr(n, "checked")
}

// Input simulates the user typing value into a form control. The caret
// moves to the end of the new value.
func (d *Document) Input(n *html.Node, value string) {
	s := d.State(n)
	s.Value = value
	s.HasValue = true
	s.SelectionStart = len(value)
	s.SelectionEnd = len(value)
	s.Dirty = true
}

// Toggle simulates the user changing a checkbox or radio
func (d *Document) Toggle(n *html.Node, checked bool) {
	s := d.State(n)
	s.Checked = checked
	s.HasChecked = true
	s.Dirty = true
}

// SetSelection records the selection range of n
func (d *Document) SetSelection(n *html.Node, start, end int) {
	s := d.State(n)
	s.SelectionStart = start
	s.SelectionEnd = end
}

// SetScroll records the scroll offsets of n
func (d *Document) SetScroll(n *html.Node, top, left int) {
	s := d.State(n)
	s.ScrollTop = top
	s.ScrollLeft = left
}

// ResetValue drops the live value of n so the markup wins again
func (d *Document) ResetValue(n *html.Node) {
	if s, ok := d.state[n]; ok {
		s.HasValue = false
		s.Value = ""
		s.HasChecked = false
		s.Checked = false
		s.Dirty = false
	}
}

// Render serialises the whole document
func (d *Document) Render() string {
	return Render(d.root)
}

func selectedOption(sel *html.Node) string {
	var first, selected *html.Node
	Walk(sel, func(n *html.Node) bool {
		if n.DataAtom != atom.Option {
			return true
		}
		if first == nil {
			first = n
		}
		if selected == nil && HasAttr(n, "selected") {
			selected = n
		}
		return false
	})
	opt := selected
	if opt == nil {
		opt = first
	}
	if opt == nil {
		return ""
	}
	if v, ok := Attr(opt, "value"); ok {
		return v
	}
	return strings.TrimSpace(TextContent(opt))
}
