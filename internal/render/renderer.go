// Package render expands cached diff trees into HTML for one scope.
package render

import (
	"fmt"
	"html"
	"log/slog"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/stream"
)

// Boundary attributes written on component placeholders
const (
	DefaultScopeAttr     = "data-lvt-scope"
	DefaultComponentAttr = "data-lvt-component"
)

// ComponentScopeID names the scope of component cid inside parent
func ComponentScopeID(parent string, cid int) string {
	return fmt.Sprintf("%s:c%d", parent, cid)
}

// StreamChange is the effect of one stream directive
type StreamChange struct {
	Stream string
	Change stream.Change
}

// Output is the result of rendering a tree
type Output struct {
	HTML    string
	Streams []StreamChange
	// Components lists the component ids referenced by the output, in order
	Components []int
}

// Changes returns the stream changes in application order
func (o *Output) Changes() []stream.Change {
	out := make([]stream.Change, len(o.Streams))
	for i, sc := range o.Streams {
		out[i] = sc.Change
	}
	return out
}

// Nodes parses the output as a fragment inside an element named contextTag
func (o *Output) Nodes(contextTag string) ([]*nethtml.Node, error) {
	return dom.ParseFragment(contextTag, o.HTML)
}

// Renderer renders the trees of one scope
type Renderer struct {
	scope         string
	streams       *stream.Set
	logger        *slog.Logger
	scopeAttr     string
	componentAttr string
}

// Option configures a Renderer
type Option func(*Renderer)

// WithBoundaryAttrs overrides the placeholder attribute names
func WithBoundaryAttrs(scopeAttr, componentAttr string) Option {
	return func(r *Renderer) {
		if scopeAttr != "" {
			r.scopeAttr = scopeAttr
		}
		if componentAttr != "" {
			r.componentAttr = componentAttr
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRenderer creates a renderer for scope. Stream-backed comprehensions
// keep their entries in streams.
func NewRenderer(scope string, streams *stream.Set, opts ...Option) *Renderer {
	r := &Renderer{
		scope:         scope,
		streams:       streams,
		logger:        slog.Default(),
		scopeAttr:     DefaultScopeAttr,
		componentAttr: DefaultComponentAttr,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("scope", scope)
	return r
}

// Streams returns the top-level streams of the scope
func (r *Renderer) Streams() *stream.Set {
	return r.streams
}

// Scope returns the scope id the renderer writes placeholders for
func (r *Renderer) Scope() string {
	return r.scope
}

// Render renders the root of rd
func (r *Renderer) Render(rd *Rendered) (*Output, error) {
	if rd.Root() == nil {
		return nil, fmt.Errorf("%w: nothing rendered yet", ErrUnknownTemplate)
	}
	return r.RenderNode(rd.Root())
}

// RenderComponent renders component cid of rd
func (r *Renderer) RenderComponent(rd *Rendered, cid int) (*Output, error) {
	n, ok := rd.Component(cid)
	if !ok {
		return nil, fmt.Errorf("%w: component %d", ErrUnknownTemplate, cid)
	}
	return r.RenderNode(n)
}

// RenderNode renders n. Pending stream operations are applied to the stream
// store exactly once; entries then render in store order.
func (r *Renderer) RenderNode(n *Node) (*Output, error) {
	out := &Output{}
	var b strings.Builder
	if err := r.renderNode(&b, n, r.streams, out); err != nil {
		return nil, err
	}
	out.HTML = b.String()
	return out, nil
}

func (r *Renderer) renderNode(b *strings.Builder, n *Node, streams *stream.Set, out *Output) error {
	if n.Statics == nil {
		return fmt.Errorf("%w: position has no statics", ErrUnknownTemplate)
	}
	if n.Comprehension || n.StreamName != "" {
		return r.renderComprehension(b, n, streams, out)
	}
	return r.renderTemplate(b, n.Statics, n.Dynamics, streams, out)
}

func (r *Renderer) renderTemplate(b *strings.Builder, statics []string, dyn map[int]*Value, streams *stream.Set, out *Output) error {
	for i, s := range statics {
		b.WriteString(s)
		if i == len(statics)-1 {
			break
		}
		v, ok := dyn[i]
		if !ok || v == nil {
			continue
		}
		if err := r.renderValue(b, v, streams, out); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderValue(b *strings.Builder, v *Value, streams *stream.Set, out *Output) error {
	switch {
	case v.Node != nil:
		return r.renderNode(b, v.Node, streams, out)
	case v.Component > 0:
		out.Components = append(out.Components, v.Component)
		fmt.Fprintf(b, `<div %s="%s" %s="%d"></div>`,
			r.scopeAttr, html.EscapeString(ComponentScopeID(r.scope, v.Component)),
			r.componentAttr, v.Component)
	default:
		b.WriteString(v.Text)
	}
	return nil
}

func (r *Renderer) renderComprehension(b *strings.Builder, n *Node, streams *stream.Set, out *Output) error {
	if n.StreamName == "" {
		for _, entry := range n.Entries {
			if err := r.renderTemplate(b, n.Statics, entry, streams, out); err != nil {
				return err
			}
		}
		return nil
	}

	st := streams.Stream(n.StreamName)
	if n.Stream != nil {
		change := r.applyStream(st, n.Stream, n.Entries)
		out.Streams = append(out.Streams, StreamChange{Stream: n.StreamName, Change: change})
		// consumed: later renders come from the store
		n.Stream = nil
		n.Entries = nil
	}

	for _, e := range st.Entries() {
		dyn, _ := e.Data.(map[int]*Value)
		if err := r.renderTemplate(b, n.Statics, dyn, e.Streams(), out); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) applyStream(st *stream.Stream, op *StreamOp, entries []map[int]*Value) stream.Change {
	if len(entries) != len(op.Inserts) {
		r.logger.Warn("stream inserts and entries differ in length",
			"stream", op.Name, "inserts", len(op.Inserts), "entries", len(entries))
	}
	count := min(len(entries), len(op.Inserts))
	items := make([]stream.Item, 0, count)
	for i := 0; i < count; i++ {
		ins := op.Inserts[i]
		items = append(items, stream.Item{
			Key:        ins.Key,
			Data:       entries[i],
			At:         ins.At,
			Limit:      ins.Limit,
			UpdateOnly: ins.UpdateOnly,
			Move:       ins.Move,
		})
	}

	var change stream.Change
	if op.Reset {
		change.Merge(st.Reset(items))
	} else {
		for _, item := range items {
			change.Merge(st.Upsert(item))
		}
	}
	for _, key := range op.Deletes {
		change.Merge(st.Delete(key))
	}
	return change
}
