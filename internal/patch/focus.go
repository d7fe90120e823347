package patch

import (
	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
)

type focusSnapshot struct {
	el        *html.Node
	root      *html.Node
	key       string
	ancestors []*html.Node
	state     dom.State
	hasState  bool
}

// captureFocus records the focused element when it lies inside root
func (p *Patcher) captureFocus(root *html.Node) *focusSnapshot {
	active := p.doc.ActiveElement()
	if active == nil || !dom.Contains(root, active) {
		return nil
	}
	f := &focusSnapshot{el: active, root: root, key: p.identity(active)}
	for n := active.Parent; n != nil; n = n.Parent {
		f.ancestors = append(f.ancestors, n)
	}
	if st, ok := p.doc.Peek(active); ok {
		f.state = *st
		f.hasState = true
	}
	return f
}

// restoreFocus re-applies focus after a patch. A replaced element hands its
// focus, selection and scroll to the element with the same identity; when
// none exists focus falls back to the nearest surviving ancestor.
func (p *Patcher) restoreFocus(f *focusSnapshot) {
	if f == nil || p.doc.Contains(f.el) {
		return
	}

	if f.key != "" && p.doc.Contains(f.root) {
		var found *html.Node
		dom.Walk(f.root, func(n *html.Node) bool {
			if found != nil {
				return false
			}
			if p.identity(n) == f.key && !p.isRemoving(n) {
				found = n
				return false
			}
			return true
		})
		if found != nil && p.doc.Focus(found) {
			if f.hasState {
				p.transferState(found, f.state)
			}
			return
		}
	}

	for _, n := range f.ancestors {
		if dom.IsElement(n) && p.doc.Contains(n) && p.doc.Focus(n) {
			return
		}
	}
	p.doc.Blur()
}

func (p *Patcher) transferState(el *html.Node, prev dom.State) {
	st := p.doc.State(el)
	st.SelectionStart = prev.SelectionStart
	st.SelectionEnd = prev.SelectionEnd
	st.ScrollTop = prev.ScrollTop
	st.ScrollLeft = prev.ScrollLeft
	if prev.Dirty && !dom.HasAttr(el, p.cfg.ForceAttr) {
		st.Value, st.HasValue = prev.Value, prev.HasValue
		st.Checked, st.HasChecked = prev.Checked, prev.HasChecked
		st.Dirty = true
	}
}
