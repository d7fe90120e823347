// Package patch reconciles rendered candidates against the live DOM.
//
// Children are matched by identity (the id attribute, the keyed-item
// attribute or a scope boundary) and otherwise by tag and position. Matched
// elements are morphed in place so runtime state, focus and externally owned
// subtrees survive; everything else is replaced.
package patch

import (
	"log/slog"
	"time"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/sched"
	"github.com/livefir/lvtclient/internal/stream"
)

// Config names the directives the patcher honours
type Config struct {
	// KeyAttrs are tried in order to find an element's identity
	KeyAttrs []string
	// ScopeAttr marks a scope boundary; its content belongs to another scope
	ScopeAttr string
	// UpdateAttr carries "ignore" or "stream"
	UpdateAttr string
	// RemoveAttr requests a removal transition
	RemoveAttr string
	// RemovingAttr marks elements waiting for their transition to finish
	RemovingAttr string
	// ForceAttr makes the markup value win over user input
	ForceAttr string
	// PrivateAttrs survive patches that do not carry them
	PrivateAttrs []string
	// RemoveGrace bounds a removal transition; zero removes immediately
	RemoveGrace time.Duration
}

// DefaultConfig returns the standard directive names
func DefaultConfig() Config {
	return Config{
		KeyAttrs:     []string{"id", "data-lvt-key"},
		ScopeAttr:    "data-lvt-scope",
		UpdateAttr:   "lvt-update",
		RemoveAttr:   "lvt-remove",
		RemovingAttr: "data-lvt-removing",
		ForceAttr:    "lvt-force",
		PrivateAttrs: []string{"data-lvt-ref"},
		RemoveGrace:  2 * time.Second,
	}
}

const (
	updateIgnore = "ignore"
	updateStream = "stream"
)

// Locks is the view of the lock manager the patcher needs
type Locks interface {
	IsLocked(el *html.Node) bool
	Buffer(el *html.Node, scope string, next *html.Node, changes []stream.Change)
	Markers(el *html.Node) []string
}

// Policy carries per-patch context
type Policy struct {
	Scope string
	// Changes are the stream changes produced by rendering this patch
	Changes []stream.Change
	// Removals classifies keys that left streams, see stream.Removals
	Removals map[string]stream.Removal
}

// NewPolicy builds a policy whose removal reasons come from changes
func NewPolicy(scope string, changes []stream.Change) Policy {
	return Policy{Scope: scope, Changes: changes, Removals: stream.Removals(changes)}
}

// Result summarises one patch
type Result struct {
	Mutations int
	Buffered  int
	Deferred  int
	Removed   int
}

// Applied reports whether the live DOM changed
func (r Result) Applied() bool {
	return r.Mutations > 0
}

func (r *Result) add(o Result) {
	r.Mutations += o.Mutations
	r.Buffered += o.Buffered
	r.Deferred += o.Deferred
	r.Removed += o.Removed
}

// Patcher is the only writer of the live DOM outside ignored subtrees. It is
// not safe for concurrent use.
type Patcher struct {
	cfg    Config
	doc    *dom.Document
	locks  Locks
	sched  sched.Scheduler
	logger *slog.Logger

	onRemove func(el *html.Node)
	removing map[*html.Node]sched.Timer
}

// Option configures a Patcher
type Option func(*Patcher)

// WithLocks makes the patcher buffer candidates for locked elements
func WithLocks(l Locks) Option {
	return func(p *Patcher) {
		p.locks = l
	}
}

// WithScheduler sets the scheduler for removal fallbacks
func WithScheduler(s sched.Scheduler) Option {
	return func(p *Patcher) {
		p.sched = s
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Patcher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// OnRemove registers the transition collaborator. It is called for every
// element marked for deferred removal; it reports completion through
// CompleteRemoval.
func OnRemove(fn func(el *html.Node)) Option {
	return func(p *Patcher) {
		p.onRemove = fn
	}
}

// New creates a Patcher for doc
func New(doc *dom.Document, cfg Config, opts ...Option) *Patcher {
	def := DefaultConfig()
	if len(cfg.KeyAttrs) == 0 {
		cfg.KeyAttrs = def.KeyAttrs
	}
	if cfg.ScopeAttr == "" {
		cfg.ScopeAttr = def.ScopeAttr
	}
	if cfg.UpdateAttr == "" {
		cfg.UpdateAttr = def.UpdateAttr
	}
	if cfg.RemoveAttr == "" {
		cfg.RemoveAttr = def.RemoveAttr
	}
	if cfg.RemovingAttr == "" {
		cfg.RemovingAttr = def.RemovingAttr
	}
	if cfg.ForceAttr == "" {
		cfg.ForceAttr = def.ForceAttr
	}
	p := &Patcher{
		cfg:      cfg,
		doc:      doc,
		sched:    sched.Real{},
		logger:   slog.Default(),
		removing: make(map[*html.Node]sched.Timer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Document returns the live document
func (p *Patcher) Document() *dom.Document {
	return p.doc
}

// Patch reconciles the children of root against next. When root is locked
// the whole candidate is buffered instead.
func (p *Patcher) Patch(root *html.Node, next []*html.Node, policy Policy) (Result, error) {
	if p.locks != nil && p.locks.IsLocked(root) {
		p.locks.Buffer(root, policy.Scope, fragment(next), policy.Changes)
		return Result{Buffered: 1}, nil
	}

	f := p.captureFocus(root)
	var res Result
	p.morphChildren(root, next, &policy, &res)
	p.restoreFocus(f)
	return res, nil
}

// PatchElement morphs el into next. A next of type html.DocumentNode is a
// children-only candidate as produced when a whole patch root was buffered.
func (p *Patcher) PatchElement(el, next *html.Node, policy Policy) (Result, error) {
	if next.Type == html.DocumentNode {
		return p.Patch(el, dom.Children(next), policy)
	}
	if p.locks != nil && p.locks.IsLocked(el) {
		p.locks.Buffer(el, policy.Scope, next, policy.Changes)
		return Result{Buffered: 1}, nil
	}

	f := p.captureFocus(el)
	var res Result
	if el.Type != next.Type || el.Data != next.Data {
		if el.Parent == nil {
			return res, nil
		}
		dom.Detach(next)
		el.Parent.InsertBefore(next, el)
		p.discard(el)
		res.Mutations += 2
	} else {
		p.morphElement(el, next, &policy, &res)
	}
	p.restoreFocus(f)
	return res, nil
}

// Removing returns the number of elements waiting for a removal transition
func (p *Patcher) Removing() int {
	return len(p.removing)
}

// CompleteRemoval removes an element whose transition finished. It returns
// false when el was not waiting for removal.
func (p *Patcher) CompleteRemoval(el *html.Node) bool {
	timer, ok := p.removing[el]
	if !ok {
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	delete(p.removing, el)
	if el.Parent == nil {
		return true
	}
	f := p.captureFocus(el.Parent)
	p.discard(el)
	p.restoreFocus(f)
	return true
}

// fragment wraps candidate children so they can be buffered as one node
func fragment(nodes []*html.Node) *html.Node {
	doc := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		dom.Detach(n)
		doc.AppendChild(n)
	}
	return doc
}
