package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient"
	"github.com/livefir/lvtclient/internal/dom"
	"github.com/livefir/lvtclient/internal/lock"
	"github.com/livefir/lvtclient/internal/sched"
)

// Failure is an expectation that did not hold
type Failure struct {
	Step    int    `json:"step"`
	Target  string `json:"target"`
	Message string `json:"message"`
}

func (f Failure) String() string {
	return fmt.Sprintf("step %d (#%s): %s", f.Step, f.Target, f.Message)
}

// Replayer applies a script to a fresh engine driven by a fake clock
type Replayer struct {
	script *Script
	engine *lvtclient.Engine
	clock  *sched.Fake
	logger *slog.Logger

	refs        []lock.Ref
	transitions int
	desyncs     []string
	checks      int
	failures    []Failure
}

// NewReplayer parses the script document and mounts the root scope
func NewReplayer(s *Script, config *lvtclient.Config, logger *slog.Logger) (*Replayer, error) {
	doc, err := dom.Parse(s.Document)
	if err != nil {
		return nil, err
	}
	root := doc.ByID(s.Root.Element)
	if root == nil {
		return nil, fmt.Errorf("root element #%s not found", s.Root.Element)
	}

	r := &Replayer{script: s, clock: sched.NewFake(), logger: logger}
	opts := []lvtclient.Option{
		lvtclient.WithLogger(logger),
		lvtclient.WithScheduler(r.clock),
		// transitions finish on an explicit complete step or when the clock
		// passes the removal grace
		lvtclient.WithTransitions(func(*html.Node) { r.transitions++ }),
		lvtclient.OnDesync(func(scopeID string, err error) {
			r.desyncs = append(r.desyncs, scopeID)
		}),
	}
	if config != nil {
		opts = append(opts, lvtclient.WithConfig(config))
	}
	r.engine, err = lvtclient.New(doc, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := r.engine.MountRoot(s.Root.Scope, root); err != nil {
		return nil, fmt.Errorf("failed to mount root: %w", err)
	}
	return r, nil
}

// Engine returns the engine the script runs against
func (r *Replayer) Engine() *lvtclient.Engine {
	return r.engine
}

// Failures returns the expectations that did not hold
func (r *Replayer) Failures() []Failure {
	return r.failures
}

// Run applies every step in order. It stops on the first step that cannot
// be applied; failed expectations are collected instead.
func (r *Replayer) Run(ctx context.Context) error {
	for i, step := range r.script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(ctx, i+1, step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (r *Replayer) apply(ctx context.Context, n int, st Step) error {
	name, _ := st.action()
	r.logger.Debug("applying step", "step", n, "action", name)

	switch name {
	case "diff":
		data, err := st.Diff.JSON()
		if err != nil {
			return err
		}
		err = r.engine.HandleDiff(st.Diff.Scope, data)
		switch {
		case st.Diff.Fails && err == nil:
			r.fail(n, st.Diff.Scope, "diff was accepted")
		case !st.Diff.Fails && err != nil:
			return err
		}
	case "input":
		el, err := r.element(st.Input.Target)
		if err != nil {
			return err
		}
		if !r.engine.Input(el, st.Input.Value) {
			return fmt.Errorf("#%s does not accept input", st.Input.Target)
		}
	case "focus":
		el, err := r.element(st.Focus)
		if err != nil {
			return err
		}
		if !r.engine.Focus(el) {
			return fmt.Errorf("#%s cannot take focus", st.Focus)
		}
	case "blur":
		r.engine.Blur()
	case "event":
		return r.event(ctx, st.Event)
	case "ack":
		ref := r.refs[st.Ack.Event-1]
		if ref != 0 {
			r.engine.Ack(ref, st.Ack.Status)
		}
	case "complete":
		el, err := r.element(st.Complete)
		if err != nil {
			return err
		}
		if !r.engine.CompleteTransition(el) {
			return fmt.Errorf("#%s is not being removed", st.Complete)
		}
	case "advance":
		r.clock.Advance(st.Advance)
	case "disconnect":
		r.engine.Disconnect()
	case "expect":
		r.expect(n, st.Expect)
	default:
		return errors.New("no action")
	}
	return nil
}

func (r *Replayer) event(ctx context.Context, ev *EventStep) error {
	kind, err := lock.ParseKind(ev.Kind)
	if err != nil {
		return err
	}
	// a missing target is recorded as a dropped event rather than an error
	el := r.engine.Document().ByID(ev.Target)
	ref, err := r.engine.PushEvent(ctx, ev.Scope, kind, el, ev.Payload)
	if err != nil {
		return err
	}
	r.refs = append(r.refs, ref)
	return nil
}

func (r *Replayer) expect(n int, ex *Expect) {
	r.checks++
	doc := r.engine.Document()
	el := doc.ByID(ex.Target)
	if ex.Absent {
		if el != nil {
			r.fail(n, ex.Target, "element is present")
		}
		return
	}
	if el == nil {
		r.fail(n, ex.Target, "element not found")
		return
	}
	if ex.Text != nil {
		if got := dom.TextContent(el); got != *ex.Text {
			r.fail(n, ex.Target, fmt.Sprintf("text = %q, want %q", got, *ex.Text))
		}
	}
	if ex.Value != nil {
		if got := doc.Value(el); got != *ex.Value {
			r.fail(n, ex.Target, fmt.Sprintf("value = %q, want %q", got, *ex.Value))
		}
	}
	if ex.Attr != "" {
		got, ok := dom.Attr(el, ex.Attr)
		switch {
		case ex.Equals == "" && !ok:
			r.fail(n, ex.Target, fmt.Sprintf("attribute %s missing", ex.Attr))
		case ex.Equals != "" && got != ex.Equals:
			r.fail(n, ex.Target, fmt.Sprintf("%s = %q, want %q", ex.Attr, got, ex.Equals))
		}
	}
	if ex.Locked != nil {
		if got := r.engine.IsLocked(el); got != *ex.Locked {
			r.fail(n, ex.Target, fmt.Sprintf("locked = %v, want %v", got, *ex.Locked))
		}
	}
}

func (r *Replayer) fail(step int, target, msg string) {
	r.failures = append(r.failures, Failure{Step: step, Target: target, Message: msg})
}

func (r *Replayer) element(id string) (*html.Node, error) {
	el := r.engine.Document().ByID(id)
	if el == nil {
		return nil, fmt.Errorf("element #%s not found", id)
	}
	return el, nil
}

// Markup renders the root element, or the whole document once the root
// scope is gone
func (r *Replayer) Markup() string {
	if s, ok := r.engine.Scope(r.script.Root.Scope); ok {
		return dom.Render(s.Root)
	}
	return r.engine.Document().Render()
}
