// Package scope keeps the logical tree of views, components and portals and
// drives their lifecycle.
package scope

import (
	"errors"

	"golang.org/x/net/html"
)

var (
	// ErrUnknownScope is returned for operations on scopes that are not mounted
	ErrUnknownScope = errors.New("unknown scope")
	// ErrBusy is returned when a scope is updated while already updating
	ErrBusy = errors.New("scope is updating")
)

// Kind is the role of a scope
type Kind int

const (
	KindRoot Kind = iota
	KindView
	KindComponent
	KindPortal
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindView:
		return "view"
	case KindComponent:
		return "component"
	case KindPortal:
		return "portal"
	}
	return "unknown"
}

// State is the lifecycle state of a scope
type State int

const (
	Unmounted State = iota
	Mounting
	Mounted
	Updating
	Destroying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Updating:
		return "updating"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	}
	return "unknown"
}

// Scope is one logical UI unit
type Scope struct {
	ID     string
	Kind   Kind
	Parent *Scope
	// Root is the element whose children the scope renders into
	Root  *html.Node
	State State
	// Relocated is set once a portal moved Root out of the parent's subtree
	Relocated bool

	children []*Scope
}

// Children returns the child scopes in mount order
func (s *Scope) Children() []*Scope {
	out := make([]*Scope, len(s.children))
	copy(out, s.children)
	return out
}

func (s *Scope) removeChild(c *Scope) {
	for i, child := range s.children {
		if child == c {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// Hooks receives lifecycle notifications. Every callback sees the scope with
// its current DOM root.
type Hooks interface {
	Mounted(s *Scope)
	Updated(s *Scope)
	Destroyed(s *Scope)
}

// HookFuncs adapts plain functions to Hooks; nil fields are skipped
type HookFuncs struct {
	OnMounted   func(s *Scope)
	OnUpdated   func(s *Scope)
	OnDestroyed func(s *Scope)
}

func (h HookFuncs) Mounted(s *Scope) {
	if h.OnMounted != nil {
		h.OnMounted(s)
	}
}

func (h HookFuncs) Updated(s *Scope) {
	if h.OnUpdated != nil {
		h.OnUpdated(s)
	}
}

func (h HookFuncs) Destroyed(s *Scope) {
	if h.OnDestroyed != nil {
		h.OnDestroyed(s)
	}
}
