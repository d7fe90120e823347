// Package lvtclient is the client-side reconciliation engine for livetemplate.
//
// The server streams diffs per scope; the engine merges each diff into the
// scope's cached tree, renders it, and morphs the result into a live DOM
// while the user keeps interacting with it. Elements locked by in-flight
// operations receive their patches only after the server acknowledged the
// operation.
package lvtclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/lock"
	"github.com/livefir/lvtclient/internal/metrics"
	"github.com/livefir/lvtclient/internal/patch"
	"github.com/livefir/lvtclient/internal/render"
	"github.com/livefir/lvtclient/internal/sched"
	"github.com/livefir/lvtclient/internal/scope"
	"github.com/livefir/lvtclient/internal/stream"
	"github.com/livefir/lvtclient/internal/transport"
)

// Message is an inbound envelope: a diff for a scope or a ref acknowledgement
type Message = transport.Message

// Event is a client operation sent to the server
type Event = transport.Event

// Engine serialises every entry point behind one mutex: transport messages,
// user events and timer callbacks never interleave. Lifecycle hooks, the
// transition collaborator, OnDesync and OnAbandon are queued while the mutex is
// held and run, in order, once it is released, so they may call back into the
// engine.
type Engine struct {
	mu sync.Mutex
	// callbacks queued under mu, dispatched by unlock
	notices []func()

	config  *Config
	doc     *dom.Document
	logger  *slog.Logger
	clock   sched.Scheduler
	metrics *metrics.Collector
	sender  transport.Sender

	locks    *lock.Manager
	patcher  *patch.Patcher
	registry *scope.Registry

	hooks     []scope.Hooks
	onRemove  func(el *html.Node)
	onDesync  func(scopeID string, err error)
	onAbandon func(ref lock.Ref, scopeID string)

	rootID     string
	views      map[string]*view
	components map[string]*view

	// buffers released while the engine was busy, replayed by flush
	pending []*lock.Pending
}

// view is the render state of one scope. Components share the cache of the
// scope whose diff carries them.
type view struct {
	rendered *render.Rendered
	renderer *render.Renderer
	cid      int
}

func (v *view) render() (*render.Output, error) {
	if v.cid != 0 {
		return v.renderer.RenderComponent(v.rendered, v.cid)
	}
	return v.renderer.Render(v.rendered)
}

// lockedScheduler runs timer callbacks under the engine mutex
type lockedScheduler struct {
	e     *Engine
	inner sched.Scheduler
}

func (s lockedScheduler) AfterFunc(d time.Duration, fn func()) sched.Timer {
	return s.inner.AfterFunc(d, func() {
		s.e.lock()
		defer s.e.unlock()
		fn()
	})
}

// deferredHooks queues lifecycle notifications until the engine unlocks
type deferredHooks struct {
	e     *Engine
	inner scope.Hooks
}

func (h deferredHooks) Mounted(s *scope.Scope) {
	h.e.notify(func() { h.inner.Mounted(s) })
}

func (h deferredHooks) Updated(s *scope.Scope) {
	h.e.notify(func() { h.inner.Updated(s) })
}

func (h deferredHooks) Destroyed(s *scope.Scope) {
	h.e.notify(func() { h.inner.Destroyed(s) })
}

func (e *Engine) lock() {
	e.mu.Lock()
}

// unlock releases the mutex and then runs the notices queued while it was
// held. A notice that re-enters the engine queues its own notices, which run
// when that call unlocks.
func (e *Engine) unlock() {
	notices := e.notices
	e.notices = nil
	e.mu.Unlock()
	for _, fn := range notices {
		fn()
	}
}

// notify queues fn for dispatch after the mutex is released
func (e *Engine) notify(fn func()) {
	e.notices = append(e.notices, fn)
}

// New creates an engine operating on doc
func New(doc *dom.Document, options ...Option) (*Engine, error) {
	if doc == nil {
		return nil, errors.New("document cannot be nil")
	}
	e := &Engine{
		config:     DefaultConfig(),
		doc:        doc,
		clock:      sched.Real{},
		views:      make(map[string]*view),
		components: make(map[string]*view),
	}
	for _, option := range options {
		if err := option(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: e.config.Level()}))
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector()
	}

	clock := lockedScheduler{e: e, inner: e.clock}
	e.locks = lock.NewManager(e.config.lockConfig(),
		lock.WithLogger(e.logger),
		lock.WithScheduler(clock),
		lock.OnAbandon(e.abandoned),
		lock.OnTimeout(e.timedOut),
	)

	popts := []patch.Option{
		patch.WithLocks(e.locks),
		patch.WithScheduler(clock),
		patch.WithLogger(e.logger),
	}
	if fn := e.onRemove; fn != nil {
		popts = append(popts, patch.OnRemove(func(el *html.Node) {
			e.notify(func() { fn(el) })
		}))
	}
	e.patcher = patch.New(doc, e.config.patchConfig(), popts...)

	e.registry = scope.NewRegistry(e.config.registryConfig(),
		scope.WithLogger(e.logger),
		scope.WithDetach(e.detach),
		scope.WithHooks(scope.HookFuncs{OnDestroyed: e.destroyed}),
	)
	for _, h := range e.hooks {
		e.registry.AddHooks(deferredHooks{e: e, inner: h})
	}
	return e, nil
}

// Document returns the live document. Callers must not mutate it while the
// engine may be running.
func (e *Engine) Document() *dom.Document {
	return e.doc
}

// Metrics returns the engine's collector
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// Scope returns a live scope
func (e *Engine) Scope(id string) (*scope.Scope, bool) {
	e.lock()
	defer e.unlock()
	return e.registry.Get(id)
}

// Scopes returns the live scope ids, sorted
func (e *Engine) Scopes() []string {
	e.lock()
	defer e.unlock()
	return e.registry.IDs()
}

// Streams returns the length of every stream rendered at the top level of
// a scope, keyed by stream name
func (e *Engine) Streams(scopeID string) map[string]int {
	e.lock()
	defer e.unlock()
	v := e.viewOf(scopeID)
	if v == nil {
		return nil
	}
	set := v.renderer.Streams()
	out := make(map[string]int, set.Len())
	for _, name := range set.Names() {
		if st, ok := set.Lookup(name); ok {
			out[name] = st.Len()
		}
	}
	return out
}

// Outstanding returns the refs awaiting acknowledgement
func (e *Engine) Outstanding() []lock.Ref {
	e.lock()
	defer e.unlock()
	return e.locks.Outstanding()
}

// IsLocked reports whether el is covered by an in-flight operation
func (e *Engine) IsLocked(el *html.Node) bool {
	e.lock()
	defer e.unlock()
	return e.locks.IsLocked(el)
}

// MountRoot registers the root scope rendering into root. Mounting again
// tears the previous tree down first.
func (e *Engine) MountRoot(id string, root *html.Node) (*scope.Scope, error) {
	e.lock()
	defer e.unlock()

	if id == "" {
		return nil, errors.New("scope id cannot be empty")
	}
	if !dom.IsElement(root) || !e.doc.Contains(root) {
		return nil, fmt.Errorf("root of %s is not an element of the document", id)
	}
	if e.rootID != "" && e.rootID != id {
		if err := e.registry.Destroy(e.rootID); err != nil {
			return nil, err
		}
	}
	s, err := e.registry.Mount(id, scope.KindRoot, "", root)
	if err != nil {
		return nil, err
	}
	e.metrics.IncrementScopeMounted()
	e.views[id] = e.newView(id, nil, 0)
	e.rootID = id
	e.flush()
	return s, nil
}

// HandleMessage dispatches a transport message. It implements
// transport.Handler.
func (e *Engine) HandleMessage(msg Message) error {
	if msg.IsAck() {
		e.Ack(lock.Ref(msg.Ref), msg.Status)
		return nil
	}
	return e.HandleDiff(msg.Scope, msg.Diff)
}

// HandleDiff applies a diff to a scope. A diff that cannot be applied tears
// the scope down and is reported through OnDesync; for the root scope the
// returned error wraps ErrFatal.
func (e *Engine) HandleDiff(scopeID string, data []byte) (err error) {
	e.lock()
	defer e.unlock()
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncrementRecoveredPanic()
			err = e.desync(scopeID, fmt.Errorf("panic while applying diff: %v", r))
		}
	}()

	e.metrics.RecordDiff()
	err = e.applyDiff(scopeID, data)
	e.flush()
	return err
}

func (e *Engine) applyDiff(scopeID string, data []byte) error {
	v, ok := e.views[scopeID]
	if _, live := e.registry.Get(scopeID); !ok || !live {
		e.metrics.IncrementDesync()
		err := fmt.Errorf("%w: %s", ErrUnknownScope, scopeID)
		e.notifyDesync(scopeID, err)
		return err
	}

	diff, err := render.Decode(data)
	if err != nil {
		return e.desync(scopeID, err)
	}
	changed, err := v.rendered.Merge(diff)
	if err != nil {
		return e.desync(scopeID, err)
	}
	err = e.registry.Update(scopeID, func(s *scope.Scope) error {
		return e.patchScope(s, v, changed)
	})
	if err != nil {
		return e.desync(scopeID, err)
	}
	return nil
}

// patchScope renders v and morphs the result into the scope's root
func (e *Engine) patchScope(s *scope.Scope, v *view, changed []int) error {
	out, err := v.render()
	if err != nil {
		return err
	}
	nodes, err := out.Nodes(s.Root.Data)
	if err != nil {
		return fmt.Errorf("failed to parse rendered HTML: %w", err)
	}
	e.recordStreams(out)

	res, err := e.patcher.Patch(s.Root, nodes, patch.NewPolicy(s.ID, out.Changes()))
	if err != nil {
		return fmt.Errorf("patch failed: %w", err)
	}
	e.metrics.RecordPatch(res.Mutations, res.Buffered, res.Deferred)
	return e.syncChildren(s, v, changed)
}

// syncChildren mounts and destroys the child scopes of s after its DOM
// changed, then renders the components the latest diff touched.
func (e *Engine) syncChildren(s *scope.Scope, v *view, changed []int) error {
	mounted, _, err := e.registry.Sync(s.ID)
	fresh := make(map[string]bool, len(mounted))
	for _, c := range mounted {
		e.metrics.IncrementScopeMounted()
		fresh[c.ID] = true
		switch c.Kind {
		case scope.KindComponent:
			cid, convErr := strconv.Atoi(dom.AttrValue(c.Root, e.config.Directives.Component))
			if convErr != nil || cid <= 0 {
				e.logger.Warn("component boundary without a valid id", "scope", c.ID)
				continue
			}
			e.components[c.ID] = e.newView(c.ID, v.rendered, cid)
		case scope.KindPortal:
			e.views[c.ID] = e.newView(c.ID, nil, 0)
			target := e.doc.ByID(e.registry.PortalTarget(c.Root))
			if target == nil {
				e.logger.Warn("portal target not found, rendering in place", "scope", c.ID, "target", e.registry.PortalTarget(c.Root))
				continue
			}
			e.relocate(c, target)
		default:
			e.views[c.ID] = e.newView(c.ID, nil, 0)
		}
	}
	if err != nil {
		return err
	}

	children, err := e.registry.Children(s.ID)
	if err != nil {
		// s was torn down while its children were mounted
		return nil
	}
	for _, c := range children {
		cv, ok := e.components[c.ID]
		if !ok || (!fresh[c.ID] && !slices.Contains(changed, cv.cid)) {
			continue
		}
		if _, cached := cv.rendered.Component(cv.cid); !cached {
			e.logger.Debug("component not rendered yet", "scope", c.ID, "cid", cv.cid)
			continue
		}
		err := e.registry.Update(c.ID, func(cs *scope.Scope) error {
			return e.patchScope(cs, cv, changed)
		})
		if err != nil {
			_ = e.desync(c.ID, err)
		}
	}
	return nil
}

func (e *Engine) newView(id string, rendered *render.Rendered, cid int) *view {
	if rendered == nil {
		rendered = render.NewRendered()
	}
	d := e.config.Directives
	return &view{
		rendered: rendered,
		renderer: render.NewRenderer(id, stream.NewSet(e.logger),
			render.WithBoundaryAttrs(d.Scope, d.Component),
			render.WithLogger(e.logger),
		),
		cid: cid,
	}
}

func (e *Engine) recordStreams(out *render.Output) {
	for _, sc := range out.Streams {
		c := sc.Change
		e.metrics.RecordStreamChange(len(c.Inserted), len(c.Deleted), len(c.Evicted))
	}
}

// desync tears a scope down after a diff could not be applied
func (e *Engine) desync(scopeID string, cause error) error {
	root := scopeID == e.rootID
	e.metrics.IncrementDesync()
	e.logger.Warn("scope desynchronized", "scope", scopeID, "error", cause)
	if _, ok := e.registry.Get(scopeID); ok {
		_ = e.registry.Destroy(scopeID)
	}
	e.notifyDesync(scopeID, cause)
	if root {
		return fmt.Errorf("%w: %w", ErrFatal, cause)
	}
	return fmt.Errorf("scope %s: %w", scopeID, cause)
}

func (e *Engine) notifyDesync(scopeID string, err error) {
	if fn := e.onDesync; fn != nil {
		e.notify(func() { fn(scopeID, err) })
	}
}

// Ack acknowledges ref and replays the patches its locks held back. Any
// status counts as a reply; unknown refs are ignored.
func (e *Engine) Ack(ref lock.Ref, status string) {
	e.lock()
	defer e.unlock()
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncrementRecoveredPanic()
			e.logger.Error("panic while acknowledging ref", "ref", ref, "panic", r)
		}
	}()

	if st, ok := e.locks.Status(ref); !ok || st != lock.StatusPending {
		e.logger.Debug("acknowledgement for inactive ref", "ref", ref, "status", status)
		return
	}
	e.logger.Debug("ref acknowledged", "ref", ref, "status", status)
	e.metrics.IncrementRefReleased()
	e.pending = append(e.pending, e.locks.Release(ref)...)
	e.flush()
	e.locks.Forget()
}

// PushEvent locks the surface of a user operation and sends it. Events for
// elements that left the document are dropped and return a zero ref. When
// sending fails the ref is abandoned.
func (e *Engine) PushEvent(ctx context.Context, scopeID string, kind lock.Kind, target *html.Node, payload map[string]any) (lock.Ref, error) {
	e.lock()
	s, ok := e.registry.Get(scopeID)
	if !ok {
		e.unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownScope, scopeID)
	}
	if target == nil || !e.doc.Contains(target) {
		e.unlock()
		e.logger.Debug("event for detached element dropped", "scope", scopeID, "kind", kind.String())
		return 0, nil
	}

	if held := e.locks.LockedBy(target); len(held) > 0 {
		e.logger.Debug("target already covered by in-flight refs", "scope", scopeID, "kind", kind.String(), "refs", held)
	}
	ref := e.locks.Mint()
	if err := e.locks.Acquire(ref, s.ID, kind, target); err != nil {
		e.unlock()
		return 0, err
	}
	e.metrics.IncrementRefMinted()
	e.metrics.IncrementCustomCounter("event_" + kind.String())
	ev := Event{
		Scope:   s.ID,
		Ref:     uint64(ref),
		Kind:    kind.String(),
		Target:  e.identity(target),
		Payload: e.payload(kind, target, payload),
	}
	sender := e.sender
	e.unlock()

	if sender == nil {
		return ref, nil
	}
	if err := sender.Send(ctx, ev); err != nil {
		e.lock()
		e.pending = append(e.pending, e.locks.Abandon(ref)...)
		e.flush()
		e.unlock()
		return ref, fmt.Errorf("failed to send event: %w", err)
	}
	return ref, nil
}

// Input records user input into a form control
func (e *Engine) Input(el *html.Node, value string) bool {
	e.lock()
	defer e.unlock()
	if !dom.IsFormControl(el) || !e.doc.Contains(el) {
		return false
	}
	if dom.IsCheckable(el) {
		e.doc.Toggle(el, value != "")
		return true
	}
	e.doc.Input(el, value)
	return true
}

// Focus moves focus to el
func (e *Engine) Focus(el *html.Node) bool {
	e.lock()
	defer e.unlock()
	return e.doc.Focus(el)
}

// Blur returns focus to the document
func (e *Engine) Blur() {
	e.lock()
	defer e.unlock()
	e.doc.Blur()
}

// Destroy tears a scope and its descendants down, cancelling their refs
func (e *Engine) Destroy(scopeID string) error {
	e.lock()
	defer e.unlock()
	if err := e.registry.Destroy(scopeID); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Relocate moves the content of a scope into the element with id targetID.
// The scope keeps its logical parent; its boundary stays behind as an anchor.
func (e *Engine) Relocate(scopeID, targetID string) error {
	e.lock()
	defer e.unlock()
	s, ok := e.registry.Get(scopeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScope, scopeID)
	}
	target := e.doc.ByID(targetID)
	if target == nil {
		return fmt.Errorf("portal target %q not found", targetID)
	}
	e.relocate(s, target)
	return nil
}

func (e *Engine) relocate(s *scope.Scope, target *html.Node) {
	container := &html.Node{Type: html.ElementNode, Data: s.Root.Data, DataAtom: s.Root.DataAtom}
	dom.SetAttr(container, e.config.Directives.Scope, s.ID)
	for c := s.Root.FirstChild; c != nil; {
		next := c.NextSibling
		s.Root.RemoveChild(c)
		container.AppendChild(c)
		c = next
	}
	target.AppendChild(container)
	_ = e.registry.Relocate(s.ID, container)
	e.logger.Debug("scope relocated", "scope", s.ID, "target", dom.AttrValue(target, "id"))
}

// CompleteTransition finishes the removal of an element handed to the
// transition collaborator. Scopes inside it are destroyed.
func (e *Engine) CompleteTransition(el *html.Node) bool {
	e.lock()
	defer e.unlock()
	owner := e.owner(el)
	if !e.patcher.CompleteRemoval(el) {
		return false
	}
	if owner != nil && e.viewOf(owner.ID) != nil {
		if err := e.syncChildren(owner, e.viewOf(owner.ID), nil); err != nil {
			e.logger.Warn("failed to sync scopes after removal", "scope", owner.ID, "error", err)
		}
	}
	e.flush()
	return true
}

// Disconnect abandons every outstanding ref, restoring the controls they
// disabled and replaying what they held back
func (e *Engine) Disconnect() {
	e.lock()
	defer e.unlock()
	e.pending = append(e.pending, e.locks.AbandonAll()...)
	e.flush()
	e.locks.Forget()
}

// flush replays released buffers in the order they were first buffered
func (e *Engine) flush() {
	for len(e.pending) > 0 {
		batch := e.pending
		e.pending = nil
		for _, p := range batch {
			e.replay(p)
		}
	}
}

func (e *Engine) replay(p *lock.Pending) {
	s, ok := e.registry.Get(p.Scope)
	if !ok || !e.doc.Contains(p.El) {
		e.logger.Debug("dropping buffered patch", "scope", p.Scope)
		return
	}
	res, err := e.patcher.PatchElement(p.El, p.Next, patch.NewPolicy(p.Scope, p.Changes))
	if err != nil {
		e.logger.Warn("replay failed", "scope", p.Scope, "error", err)
		return
	}
	e.metrics.RecordReplay(p.Count)
	e.metrics.RecordPatch(res.Mutations, res.Buffered, res.Deferred)
	if v := e.viewOf(s.ID); v != nil {
		if err := e.syncChildren(s, v, nil); err != nil {
			e.logger.Warn("failed to sync scopes after replay", "scope", s.ID, "error", err)
		}
	}
}

func (e *Engine) viewOf(id string) *view {
	if v, ok := e.views[id]; ok {
		return v
	}
	return e.components[id]
}

// owner returns the live scope whose root is the nearest ancestor of el
func (e *Engine) owner(el *html.Node) *scope.Scope {
	roots := make(map[*html.Node]*scope.Scope)
	for _, id := range e.registry.IDs() {
		if s, ok := e.registry.Get(id); ok {
			roots[s.Root] = s
		}
	}
	for n := el.Parent; n != nil; n = n.Parent {
		if s, ok := roots[n]; ok {
			return s
		}
	}
	return nil
}

func (e *Engine) timedOut(ref lock.Ref) {
	e.pending = append(e.pending, e.locks.Abandon(ref)...)
	e.flush()
}

func (e *Engine) abandoned(ref lock.Ref, scopeID string) {
	e.metrics.IncrementRefAbandoned()
	if fn := e.onAbandon; fn != nil {
		e.notify(func() { fn(ref, scopeID) })
	}
}

func (e *Engine) destroyed(s *scope.Scope) {
	e.metrics.IncrementScopeDestroyed()
	delete(e.views, s.ID)
	delete(e.components, s.ID)
	if s.ID == e.rootID {
		e.rootID = ""
	}
	e.pending = append(e.pending, e.locks.CancelScope(s.ID)...)
}

func (e *Engine) detach(n *html.Node) {
	dom.Detach(n)
	e.doc.Forget(n)
}

// identity returns the first identity attribute of el
func (e *Engine) identity(el *html.Node) string {
	for _, key := range e.config.Directives.Key {
		if v := dom.AttrValue(el, key); v != "" {
			return v
		}
	}
	return ""
}

// payload merges the live form values the operation covers with extra
func (e *Engine) payload(kind lock.Kind, target *html.Node, extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	switch kind {
	case lock.KindChange:
		e.collect(out, target)
	case lock.KindSubmit:
		form := dom.Closest(target, func(n *html.Node) bool { return n.DataAtom == atom.Form })
		if form == nil {
			form = target
		}
		dom.Walk(form, func(n *html.Node) bool {
			if dom.IsFormControl(n) {
				e.collect(out, n)
			}
			return true
		})
	}
	for k, v := range extra {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) collect(out map[string]any, n *html.Node) {
	name := dom.AttrValue(n, "name")
	if name == "" {
		return
	}
	if dom.IsCheckable(n) {
		if e.doc.Checked(n) {
			val := dom.AttrValue(n, "value")
			if val == "" {
				val = "on"
			}
			out[name] = val
		}
		return
	}
	out[name] = e.doc.Value(n)
}
