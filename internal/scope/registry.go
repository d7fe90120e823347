package scope

import (
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
)

// RegistryConfig names the boundary attributes
type RegistryConfig struct {
	ScopeAttr     string // marks a nested scope root, value is the scope id
	ComponentAttr string // present on component boundaries
	PortalAttr    string // present on portal boundaries, value is the target id
}

// DefaultRegistryConfig returns the standard boundary attributes
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		ScopeAttr:     "data-lvt-scope",
		ComponentAttr: "data-lvt-component",
		PortalAttr:    "data-lvt-portal",
	}
}

// Registry owns every live scope. It is not safe for concurrent use; the
// engine serialises access.
type Registry struct {
	config *RegistryConfig
	scopes map[string]*Scope
	hooks  []Hooks
	detach func(*html.Node)
	logger *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithHooks registers lifecycle consumers, notified in registration order
func WithHooks(h ...Hooks) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, h...)
	}
}

// WithDetach sets how relocated roots are removed when their scope is
// destroyed
func WithDetach(fn func(*html.Node)) Option {
	return func(r *Registry) {
		r.detach = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(config *RegistryConfig, opts ...Option) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	r := &Registry{
		config: config,
		scopes: make(map[string]*Scope),
		detach: dom.Detach,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddHooks registers more lifecycle consumers
func (r *Registry) AddHooks(h ...Hooks) {
	r.hooks = append(r.hooks, h...)
}

// Get returns a live scope
func (r *Registry) Get(id string) (*Scope, bool) {
	s, ok := r.scopes[id]
	return s, ok
}

// Len returns the number of live scopes
func (r *Registry) Len() int {
	return len(r.scopes)
}

// IDs returns the live scope ids in sorted order
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.scopes))
	for id := range r.scopes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Children returns the child scopes of id
func (r *Registry) Children(id string) ([]*Scope, error) {
	s, ok := r.scopes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, id)
	}
	return s.Children(), nil
}

// Mount registers a scope in the mounting state. Mounting an id that is
// already live destroys the old scope first. parent is empty for the root.
func (r *Registry) Mount(id string, kind Kind, parent string, root *html.Node) (*Scope, error) {
	var p *Scope
	if parent != "" {
		var ok bool
		if p, ok = r.scopes[parent]; !ok {
			return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownScope, parent, id)
		}
	}
	if _, exists := r.scopes[id]; exists {
		r.logger.Warn("duplicate mount, remounting", "scope", id)
		if err := r.Destroy(id); err != nil {
			return nil, err
		}
		// the old scope may have been an ancestor of the new parent
		if p != nil && p.State == Destroyed {
			return nil, fmt.Errorf("%w: parent %s destroyed by remount", ErrUnknownScope, parent)
		}
	}

	s := &Scope{ID: id, Kind: kind, Parent: p, Root: root, State: Mounting}
	r.scopes[id] = s
	if p != nil {
		p.children = append(p.children, s)
	}
	r.logger.Debug("scope mounting", "scope", id, "kind", kind.String())
	return s, nil
}

// Update runs apply against a scope and fires Mounted for the first update
// after mount, Updated afterwards. The scope is left as it was when apply
// fails.
func (r *Registry) Update(id string, apply func(*Scope) error) error {
	s, ok := r.scopes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScope, id)
	}
	prev := s.State
	switch prev {
	case Mounting, Mounted:
	case Updating:
		return fmt.Errorf("%w: %s", ErrBusy, id)
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnknownScope, id, prev)
	}

	if prev == Mounted {
		s.State = Updating
	}
	if err := apply(s); err != nil {
		if s.State == Updating {
			s.State = prev
		}
		return err
	}
	if s.State == Destroyed || r.scopes[id] != s {
		// apply tore the scope down
		return nil
	}
	s.State = Mounted
	for _, h := range r.hooks {
		if prev == Mounting {
			h.Mounted(s)
		} else {
			h.Updated(s)
		}
	}
	return nil
}

// Destroy tears down a scope and its descendants depth-first; every child
// is reported Destroyed before its parent.
func (r *Registry) Destroy(id string) error {
	s, ok := r.scopes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScope, id)
	}
	r.destroy(s)
	return nil
}

func (r *Registry) destroy(s *Scope) {
	if s.State == Destroying || s.State == Destroyed {
		return
	}
	s.State = Destroying
	for _, c := range s.Children() {
		r.destroy(c)
	}
	if s.Relocated && s.Root != nil && s.Root.Parent != nil {
		r.detach(s.Root)
	}
	s.State = Destroyed
	delete(r.scopes, s.ID)
	if s.Parent != nil {
		s.Parent.removeChild(s)
	}
	for _, h := range r.hooks {
		h.Destroyed(s)
	}
	r.logger.Debug("scope destroyed", "scope", s.ID)
}

// Relocate records that a scope now renders into newRoot outside its
// parent's subtree. The logical parent is kept.
func (r *Registry) Relocate(id string, newRoot *html.Node) error {
	s, ok := r.scopes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScope, id)
	}
	s.Root = newRoot
	s.Relocated = true
	return nil
}

// Sync reconciles the children of parent with the boundaries found in its
// DOM after a patch. Boundaries without a scope are mounted; child scopes
// whose boundary disappeared or was replaced are destroyed. Boundaries of
// relocated children are anchors and keep their scope alive.
func (r *Registry) Sync(parent string) (mounted []*Scope, destroyed []string, err error) {
	p, ok := r.scopes[parent]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownScope, parent)
	}

	found := r.boundaries(p.Root)
	seen := make(map[string]bool, len(found))
	for _, el := range found {
		seen[dom.AttrValue(el, r.config.ScopeAttr)] = true
	}

	for _, c := range p.Children() {
		if !seen[c.ID] || (!c.Relocated && (c.Root == nil || !dom.Contains(p.Root, c.Root))) {
			destroyed = append(destroyed, c.ID)
			r.destroy(c)
		}
	}

	for _, el := range found {
		id := dom.AttrValue(el, r.config.ScopeAttr)
		if s, ok := r.scopes[id]; ok {
			if s.Parent != p {
				r.logger.Warn("scope boundary claimed by another parent", "scope", id, "parent", parent)
			}
			continue
		}
		s, err := r.Mount(id, r.kindOf(el), parent, el)
		if err != nil {
			return mounted, destroyed, err
		}
		mounted = append(mounted, s)
	}
	return mounted, destroyed, nil
}

// boundaries returns the outermost nested scope roots below root
func (r *Registry) boundaries(root *html.Node) []*html.Node {
	var out []*html.Node
	if root == nil {
		return nil
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		dom.Walk(c, func(n *html.Node) bool {
			if dom.IsElement(n) && dom.AttrValue(n, r.config.ScopeAttr) != "" {
				out = append(out, n)
				return false
			}
			return true
		})
	}
	return out
}

func (r *Registry) kindOf(el *html.Node) Kind {
	switch {
	case dom.HasAttr(el, r.config.PortalAttr):
		return KindPortal
	case dom.HasAttr(el, r.config.ComponentAttr):
		return KindComponent
	}
	return KindView
}

// PortalTarget returns the target id of a portal boundary
func (r *Registry) PortalTarget(el *html.Node) string {
	return dom.AttrValue(el, r.config.PortalAttr)
}
