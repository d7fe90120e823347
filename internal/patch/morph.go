package patch

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/sched"
	"github.com/livefir/lvtclient/internal/stream"
)

// identity returns the matching key of n, empty for unkeyed nodes
func (p *Patcher) identity(n *html.Node) string {
	if !dom.IsElement(n) {
		return ""
	}
	for _, attr := range p.cfg.KeyAttrs {
		if v := dom.AttrValue(n, attr); v != "" {
			return attr + "=" + v
		}
	}
	if v := dom.AttrValue(n, p.cfg.ScopeAttr); v != "" {
		return p.cfg.ScopeAttr + "=" + v
	}
	return ""
}

// streamKey returns the raw identity value used as the stream entry key
func (p *Patcher) streamKey(n *html.Node) string {
	for _, attr := range p.cfg.KeyAttrs {
		if v := dom.AttrValue(n, attr); v != "" {
			return v
		}
	}
	return ""
}

func (p *Patcher) isRemoving(n *html.Node) bool {
	if _, ok := p.removing[n]; ok {
		return true
	}
	return dom.IsElement(n) && dom.HasAttr(n, p.cfg.RemovingAttr)
}

// slotKind groups unkeyed nodes that may match each other by position
func slotKind(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return "element"
	case html.TextNode:
		return "text"
	case html.CommentNode:
		return "comment"
	}
	return ""
}

func sameNode(a, b *html.Node) bool {
	return a.Type == b.Type && (a.Type != html.ElementNode || a.Data == b.Data)
}

func (p *Patcher) morphChildren(parent *html.Node, next []*html.Node, policy *Policy, res *Result) {
	// phase 1: match
	keyed := make(map[string]*html.Node)
	unkeyed := make(map[string][]*html.Node)
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if key := p.identity(c); key != "" {
			if _, dup := keyed[key]; !dup {
				keyed[key] = c
			}
			continue
		}
		if p.isRemoving(c) {
			continue
		}
		kind := slotKind(c)
		unkeyed[kind] = append(unkeyed[kind], c)
	}

	matched := make(map[*html.Node]bool)
	desired := make([]*html.Node, len(next))
	cursor := make(map[string]int)
	for i, n := range next {
		var live *html.Node
		if key := p.identity(n); key != "" {
			if c, ok := keyed[key]; ok && !matched[c] && sameNode(c, n) {
				live = c
			}
		} else if kind := slotKind(n); kind != "" {
			pos := cursor[kind]
			cursor[kind]++
			if pos < len(unkeyed[kind]) {
				if c := unkeyed[kind][pos]; sameNode(c, n) {
					live = c
				}
			}
		}
		if live != nil {
			matched[live] = true
			if p.isRemoving(live) {
				p.cancelRemoval(live, res)
			}
			desired[i] = live
			p.morphNode(live, n, policy, res)
		} else {
			dom.Detach(n)
			desired[i] = n
		}
	}

	// phase 2: remove what did not match
	streamContainer := dom.AttrValue(parent, p.cfg.UpdateAttr) == updateStream
	for c := parent.FirstChild; c != nil; {
		following := c.NextSibling
		if !matched[c] && !p.isRemoving(c) {
			p.remove(c, streamContainer, policy, res)
		}
		c = following
	}

	// phase 3: place in order, leaving elements in transition where they are
	at := parent.FirstChild
	for _, n := range desired {
		for at != nil && at != n && p.isRemoving(at) {
			at = at.NextSibling
		}
		if at == n {
			at = at.NextSibling
			continue
		}
		dom.Detach(n)
		parent.InsertBefore(n, at)
		res.Mutations++
	}
}

func (p *Patcher) morphNode(live, next *html.Node, policy *Policy, res *Result) {
	switch live.Type {
	case html.ElementNode:
		p.morphElement(live, next, policy, res)
	case html.TextNode, html.CommentNode:
		if live.Data != next.Data {
			live.Data = next.Data
			res.Mutations++
		}
	}
}

func (p *Patcher) morphElement(live, next *html.Node, policy *Policy, res *Result) {
	if p.locks != nil && p.locks.IsLocked(live) {
		p.locks.Buffer(live, policy.Scope, dom.Clone(next), policy.Changes)
		res.Buffered++
		return
	}

	p.morphAttrs(live, next, res)

	ignored := dom.AttrValue(next, p.cfg.UpdateAttr) == updateIgnore ||
		dom.AttrValue(live, p.cfg.UpdateAttr) == updateIgnore
	boundary := dom.HasAttr(live, p.cfg.ScopeAttr)
	if !ignored && !boundary {
		p.morphChildren(live, dom.Children(next), policy, res)
	}

	if dom.IsFormControl(live) {
		p.syncFormState(live, next, res)
	}
}

// morphAttrs applies next's attributes to live, keeping engine-private
// attributes and active loading classes
func (p *Patcher) morphAttrs(live, next *html.Node, res *Result) {
	want := make(map[string]string, len(next.Attr))
	order := make([]string, 0, len(next.Attr))
	for _, a := range next.Attr {
		if a.Namespace != "" {
			continue
		}
		if _, dup := want[a.Key]; !dup {
			order = append(order, a.Key)
		}
		want[a.Key] = a.Val
	}

	if p.locks != nil {
		if markers := p.locks.Markers(live); len(markers) > 0 {
			classes := strings.Fields(want["class"])
			for _, m := range markers {
				if !contains(classes, m) {
					classes = append(classes, m)
				}
			}
			if _, ok := want["class"]; !ok {
				order = append(order, "class")
			}
			want["class"] = strings.Join(classes, " ")
		}
	}

	for i := 0; i < len(live.Attr); {
		a := live.Attr[i]
		if _, ok := want[a.Key]; ok || p.isPrivate(a.Key) {
			i++
			continue
		}
		live.Attr = append(live.Attr[:i], live.Attr[i+1:]...)
		res.Mutations++
	}
	for _, key := range order {
		if dom.SetAttr(live, key, want[key]) {
			res.Mutations++
		}
	}
}

func (p *Patcher) isPrivate(key string) bool {
	if key == p.cfg.RemovingAttr {
		return true
	}
	return contains(p.cfg.PrivateAttrs, key)
}

// syncFormState decides between the user's value and the markup's. A
// focused control keeps what the user typed unless the markup forces it.
func (p *Patcher) syncFormState(live, next *html.Node, res *Result) {
	st, ok := p.doc.Peek(live)
	if !ok || !(st.HasValue || st.HasChecked) {
		return
	}
	focused := p.doc.ActiveElement() == live
	forced := dom.HasAttr(next, p.cfg.ForceAttr)
	if focused && st.Dirty && !forced {
		return
	}
	p.doc.ResetValue(live)
	res.Mutations++
}

// remove drops c, deferring the removal when it asks for a transition and
// did not leave a stream by policy
func (p *Patcher) remove(c *html.Node, streamContainer bool, policy *Policy, res *Result) {
	if dom.IsElement(c) && dom.HasAttr(c, p.cfg.RemoveAttr) && p.cfg.RemoveGrace > 0 {
		byPolicy := streamContainer && policy.Removals[p.streamKey(c)] == stream.RemovedByPolicy
		if !byPolicy {
			p.deferRemoval(c)
			res.Deferred++
			res.Mutations++
			return
		}
	}
	p.discard(c)
	res.Removed++
	res.Mutations++
}

func (p *Patcher) deferRemoval(el *html.Node) {
	dom.SetAttr(el, p.cfg.RemovingAttr, "")
	var timer sched.Timer
	if p.sched != nil {
		timer = p.sched.AfterFunc(p.cfg.RemoveGrace, func() {
			if p.CompleteRemoval(el) {
				p.logger.Debug("removal transition timed out", "grace", p.cfg.RemoveGrace)
			}
		})
	}
	p.removing[el] = timer
	if p.onRemove != nil {
		p.onRemove(el)
	}
}

func (p *Patcher) cancelRemoval(el *html.Node, res *Result) {
	if timer := p.removing[el]; timer != nil {
		timer.Stop()
	}
	delete(p.removing, el)
	if dom.RemoveAttr(el, p.cfg.RemovingAttr) {
		res.Mutations++
	}
}

// discard detaches n and forgets every runtime record below it
func (p *Patcher) discard(n *html.Node) {
	dom.Walk(n, func(c *html.Node) bool {
		if timer, ok := p.removing[c]; ok {
			if timer != nil {
				timer.Stop()
			}
			delete(p.removing, c)
		}
		return true
	})
	p.doc.Forget(n)
	dom.Detach(n)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
