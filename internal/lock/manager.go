// Package lock tracks client operations awaiting acknowledgement and the DOM
// surfaces they lock. Patches for a locked surface are buffered here until
// the last covering ref is released.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/sched"
	"github.com/livefir/lvtclient/internal/stream"
)

var (
	// ErrUnknownRef is returned when acquiring a ref that was never minted
	ErrUnknownRef = errors.New("unknown ref")
	// ErrRefInUse is returned when acquiring a ref twice
	ErrRefInUse = errors.New("ref already acquired")
)

// Ref identifies one client-initiated operation
type Ref uint64

func (r Ref) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// Kind selects the surface an operation locks
type Kind int

const (
	// KindChange locks a single field
	KindChange Kind = iota + 1
	// KindSubmit locks a whole form
	KindSubmit
	// KindClick locks the triggering element
	KindClick
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindSubmit:
		return "submit"
	case KindClick:
		return "click"
	default:
		return "unknown"
	}
}

// ParseKind maps an event name to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "change":
		return KindChange, nil
	case "submit":
		return KindSubmit, nil
	case "click":
		return KindClick, nil
	}
	return 0, fmt.Errorf("unknown operation kind %q", s)
}

// Status is the lifecycle state of a ref
type Status int

const (
	StatusPending Status = iota
	StatusAcknowledged
	StatusAbandoned
)

// Config holds the marker names
type Config struct {
	// ClassPrefix prefixes the loading classes, e.g. "lvt-" gives "lvt-submit-loading"
	ClassPrefix string
	// RefAttr lists the active refs on a locked element
	RefAttr string
	// AckTimeout abandons refs that were not acknowledged in time; zero disables it
	AckTimeout time.Duration
}

// DefaultConfig returns the standard marker names
func DefaultConfig() Config {
	return Config{
		ClassPrefix: "lvt-",
		RefAttr:     "data-lvt-ref",
	}
}

// Pending is a patch deferred until its element is unlocked
type Pending struct {
	El    *html.Node
	Scope string
	// Next is the latest candidate for El
	Next *html.Node
	// Changes holds the stream changes of every buffered patch, in arrival order
	Changes []stream.Change
	// Count is the number of patches folded into this one
	Count int

	seq uint64
}

type operation struct {
	ref    Ref
	scope  string
	kind   Kind
	status Status
	locked []*html.Node
	marked []mark
	saved  []*html.Node
	timer  sched.Timer
}

type mark struct {
	el    *html.Node
	class string
}

type markerState struct {
	count   int
	present bool // class was on the element before any ref added it
}

type savedAttr struct {
	key   string
	had   bool
	val   string
	count int
}

// Manager owns every outstanding ref. It is not safe for concurrent use; the
// engine serialises access.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	sched  sched.Scheduler

	next    Ref
	ops     map[Ref]*operation
	locks   map[*html.Node][]Ref
	markers map[*html.Node]map[string]*markerState
	saved   map[*html.Node]*savedAttr
	buffers map[*html.Node]*Pending
	seq     uint64

	onAbandon func(ref Ref, scope string)
	onTimeout func(ref Ref)
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithScheduler sets the scheduler for acknowledgement timeouts
func WithScheduler(s sched.Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// OnAbandon registers the callback notified when a ref is abandoned
func OnAbandon(fn func(ref Ref, scope string)) Option {
	return func(m *Manager) {
		m.onAbandon = fn
	}
}

// OnTimeout replaces the default timeout action (Abandon). The engine uses
// it to abandon under its own lock and replay what became eligible.
func OnTimeout(fn func(ref Ref)) Option {
	return func(m *Manager) {
		m.onTimeout = fn
	}
}

// NewManager creates a Manager
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ClassPrefix == "" {
		cfg.ClassPrefix = def.ClassPrefix
	}
	if cfg.RefAttr == "" {
		cfg.RefAttr = def.RefAttr
	}
	m := &Manager{
		cfg:     cfg,
		logger:  slog.Default(),
		sched:   sched.Real{},
		ops:     make(map[Ref]*operation),
		locks:   make(map[*html.Node][]Ref),
		markers: make(map[*html.Node]map[string]*markerState),
		saved:   make(map[*html.Node]*savedAttr),
		buffers: make(map[*html.Node]*Pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadingClass returns the marker class for kind
func (m *Manager) LoadingClass(kind Kind) string {
	return m.cfg.ClassPrefix + kind.String() + "-loading"
}

// Mint allocates the next ref. Refs increase monotonically.
func (m *Manager) Mint() Ref {
	m.next++
	return m.next
}

// Acquire locks the surface of an operation and applies its loading markers.
// For KindChange each element is a field; for KindSubmit a form (or an element
// inside one); for KindClick the triggering element.
func (m *Manager) Acquire(ref Ref, scope string, kind Kind, elements ...*html.Node) error {
	if ref == 0 || ref > m.next {
		return fmt.Errorf("%w: %d", ErrUnknownRef, ref)
	}
	if _, ok := m.ops[ref]; ok {
		return fmt.Errorf("%w: %d", ErrRefInUse, ref)
	}

	op := &operation{ref: ref, scope: scope, kind: kind, status: StatusPending}
	class := m.LoadingClass(kind)
	for _, el := range elements {
		if !dom.IsElement(el) {
			continue
		}
		switch kind {
		case KindChange:
			m.lock(op, el, class)
			if form := owningForm(el); form != nil {
				m.mark(op, form, class)
			}
		case KindSubmit:
			form := el
			if f := owningForm(el); f != nil {
				form = f
			}
			m.lock(op, form, class)
			m.disableControls(op, form)
		default:
			m.lock(op, el, class)
		}
	}
	m.ops[ref] = op

	if m.cfg.AckTimeout > 0 && m.sched != nil {
		op.timer = m.sched.AfterFunc(m.cfg.AckTimeout, func() { m.timeout(ref) })
	}
	m.logger.Debug("ref acquired", "ref", ref, "scope", scope, "kind", kind.String())
	return nil
}

// Status returns the status of ref and whether the manager knows it
func (m *Manager) Status(ref Ref) (Status, bool) {
	op, ok := m.ops[ref]
	if !ok {
		return 0, false
	}
	return op.status, true
}

// Outstanding returns the pending refs in ascending order
func (m *Manager) Outstanding() []Ref {
	refs := make([]Ref, 0, len(m.ops))
	for ref, op := range m.ops {
		if op.status == StatusPending {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// IsLocked reports whether el or one of its ancestors is locked
func (m *Manager) IsLocked(el *html.Node) bool {
	for n := el; n != nil; n = n.Parent {
		if len(m.locks[n]) > 0 {
			return true
		}
	}
	return false
}

// LockedBy returns the refs locking el or its ancestors, ascending
func (m *Manager) LockedBy(el *html.Node) []Ref {
	var refs []Ref
	for n := el; n != nil; n = n.Parent {
		refs = append(refs, m.locks[n]...)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Markers returns the loading classes the manager currently holds on el
func (m *Manager) Markers(el *html.Node) []string {
	states := m.markers[el]
	out := make([]string, 0, len(states))
	for class, st := range states {
		if st.count > 0 {
			out = append(out, class)
		}
	}
	sort.Strings(out)
	return out
}

// Buffer defers a candidate for a locked element. A later candidate for the
// same element replaces the earlier one; stream changes accumulate.
func (m *Manager) Buffer(el *html.Node, scope string, next *html.Node, changes []stream.Change) {
	if p, ok := m.buffers[el]; ok {
		p.Next = next
		p.Changes = append(p.Changes, changes...)
		p.Count++
		return
	}
	m.seq++
	m.buffers[el] = &Pending{
		El:      el,
		Scope:   scope,
		Next:    next,
		Changes: append([]stream.Change(nil), changes...),
		Count:   1,
		seq:     m.seq,
	}
}

// Buffered returns the number of deferred patches
func (m *Manager) Buffered() int {
	return len(m.buffers)
}

// Release acknowledges ref and returns the buffered patches that became
// eligible, oldest first. Unknown or finished refs are ignored.
func (m *Manager) Release(ref Ref) []*Pending {
	op, ok := m.ops[ref]
	if !ok || op.status != StatusPending {
		m.logger.Debug("release of inactive ref", "ref", ref)
		return nil
	}
	m.finish(op, StatusAcknowledged)
	return m.eligible()
}

// Abandon clears ref without an acknowledgement and notifies the OnAbandon
// callback.
func (m *Manager) Abandon(ref Ref) []*Pending {
	op, ok := m.ops[ref]
	if !ok || op.status != StatusPending {
		return nil
	}
	m.abandon(op)
	return m.eligible()
}

// AbandonAll abandons every outstanding ref, e.g. after a disconnect
func (m *Manager) AbandonAll() []*Pending {
	for _, ref := range m.Outstanding() {
		m.abandon(m.ops[ref])
	}
	return m.eligible()
}

// CancelScope abandons the refs of a destroyed scope and discards its
// buffered patches. Buffers of other scopes that became eligible are returned.
func (m *Manager) CancelScope(scope string) []*Pending {
	for _, ref := range m.Outstanding() {
		if op := m.ops[ref]; op.scope == scope {
			m.abandon(op)
		}
	}
	for el, p := range m.buffers {
		if p.Scope == scope {
			delete(m.buffers, el)
		}
	}
	return m.eligible()
}

// Forget drops finished refs from the status table
func (m *Manager) Forget() {
	for ref, op := range m.ops {
		if op.status != StatusPending {
			delete(m.ops, ref)
		}
	}
}

func (m *Manager) timeout(ref Ref) {
	m.logger.Warn("ref not acknowledged in time", "ref", ref, "timeout", m.cfg.AckTimeout)
	if m.onTimeout != nil {
		m.onTimeout(ref)
		return
	}
	m.Abandon(ref)
}

func (m *Manager) abandon(op *operation) {
	m.finish(op, StatusAbandoned)
	m.logger.Debug("ref abandoned", "ref", op.ref, "scope", op.scope)
	if m.onAbandon != nil {
		m.onAbandon(op.ref, op.scope)
	}
}

func (m *Manager) finish(op *operation, status Status) {
	op.status = status
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	for _, el := range op.locked {
		m.unlock(op.ref, el)
	}
	for _, mk := range op.marked {
		m.unmark(mk.el, mk.class)
	}
	for _, el := range op.saved {
		m.restore(el)
	}
	op.locked, op.marked, op.saved = nil, nil, nil
}

// eligible removes and returns every buffer whose element is unlocked
func (m *Manager) eligible() []*Pending {
	var out []*Pending
	for el, p := range m.buffers {
		if !m.IsLocked(el) {
			out = append(out, p)
			delete(m.buffers, el)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m *Manager) lock(op *operation, el *html.Node, class string) {
	m.locks[el] = append(m.locks[el], op.ref)
	op.locked = append(op.locked, el)
	m.writeRefs(el)
	m.mark(op, el, class)
}

func (m *Manager) unlock(ref Ref, el *html.Node) {
	refs := m.locks[el]
	for i, r := range refs {
		if r == ref {
			refs = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	if len(refs) == 0 {
		delete(m.locks, el)
	} else {
		m.locks[el] = refs
	}
	m.writeRefs(el)
}

func (m *Manager) writeRefs(el *html.Node) {
	refs := m.locks[el]
	if len(refs) == 0 {
		dom.RemoveAttr(el, m.cfg.RefAttr)
		return
	}
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = r.String()
	}
	dom.SetAttr(el, m.cfg.RefAttr, strings.Join(parts, " "))
}

func (m *Manager) mark(op *operation, el *html.Node, class string) {
	states, ok := m.markers[el]
	if !ok {
		states = make(map[string]*markerState)
		m.markers[el] = states
	}
	st, ok := states[class]
	if !ok {
		st = &markerState{present: dom.HasClass(el, class)}
		states[class] = st
	}
	st.count++
	dom.AddClass(el, class)
	op.marked = append(op.marked, mark{el: el, class: class})
}

func (m *Manager) unmark(el *html.Node, class string) {
	st := m.markers[el][class]
	if st == nil {
		return
	}
	st.count--
	if st.count > 0 {
		return
	}
	if !st.present {
		dom.RemoveClass(el, class)
	}
	delete(m.markers[el], class)
	if len(m.markers[el]) == 0 {
		delete(m.markers, el)
	}
}

// disableControls makes the controls of a submitting form inert, recording
// the exact original attribute for restoration
func (m *Manager) disableControls(op *operation, form *html.Node) {
	dom.Walk(form, func(n *html.Node) bool {
		if n == form || !dom.IsInteractive(n) {
			return true
		}
		key := "disabled"
		if n.Data == "input" || n.Data == "textarea" {
			key = "readonly"
		}
		st, ok := m.saved[n]
		if !ok {
			val, had := dom.Attr(n, key)
			st = &savedAttr{key: key, had: had, val: val}
			m.saved[n] = st
			dom.SetAttr(n, key, "")
		}
		st.count++
		op.saved = append(op.saved, n)
		return true
	})
}

func (m *Manager) restore(el *html.Node) {
	st := m.saved[el]
	if st == nil {
		return
	}
	st.count--
	if st.count > 0 {
		return
	}
	if st.had {
		dom.SetAttr(el, st.key, st.val)
	} else {
		dom.RemoveAttr(el, st.key)
	}
	delete(m.saved, el)
}

func owningForm(el *html.Node) *html.Node {
	return dom.Closest(el, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "form"
	})
}
