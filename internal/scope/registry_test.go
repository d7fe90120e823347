package scope

import (
	"errors"
	"reflect"
	"testing"

	"golang.org/x/net/html"

	"github.com/livefir/lvtclient/internal/dom"
)

type recorder struct {
	events []string
}

func (r *recorder) Mounted(s *Scope)   { r.events = append(r.events, "mounted:"+s.ID) }
func (r *recorder) Updated(s *Scope)   { r.events = append(r.events, "updated:"+s.ID) }
func (r *recorder) Destroyed(s *Scope) { r.events = append(r.events, "destroyed:"+s.ID) }

func parse(t *testing.T, body string) *dom.Document {
	t.Helper()
	doc, err := dom.Parse("<html><body>" + body + "</body></html>")
	if err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	return doc
}

func noop(*Scope) error { return nil }

func TestLifecycleStates(t *testing.T) {
	doc := parse(t, `<div id="root"></div>`)
	rec := &recorder{}
	r := NewRegistry(nil, WithHooks(rec))

	s, err := r.Mount("root", KindRoot, "", doc.ByID("root"))
	if err != nil {
		t.Fatal(err)
	}
	if s.State != Mounting {
		t.Fatalf("state after mount = %s", s.State)
	}

	var during State
	if err := r.Update("root", func(s *Scope) error { during = s.State; return nil }); err != nil {
		t.Fatal(err)
	}
	if during != Mounting || s.State != Mounted {
		t.Errorf("first update: during=%s after=%s", during, s.State)
	}

	if err := r.Update("root", func(s *Scope) error { during = s.State; return nil }); err != nil {
		t.Fatal(err)
	}
	if during != Updating || s.State != Mounted {
		t.Errorf("second update: during=%s after=%s", during, s.State)
	}

	if err := r.Destroy("root"); err != nil {
		t.Fatal(err)
	}
	if s.State != Destroyed {
		t.Errorf("state after destroy = %s", s.State)
	}

	want := []string{"mounted:root", "updated:root", "destroyed:root"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
	if err := r.Update("root", noop); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("update after destroy: err = %v", err)
	}
}

func TestFailedUpdateKeepsState(t *testing.T) {
	doc := parse(t, `<div id="root"></div>`)
	rec := &recorder{}
	r := NewRegistry(nil, WithHooks(rec))
	s, _ := r.Mount("root", KindRoot, "", doc.ByID("root"))
	_ = r.Update("root", noop)

	boom := errors.New("boom")
	if err := r.Update("root", func(*Scope) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.State != Mounted {
		t.Errorf("state = %s", s.State)
	}
	if len(rec.events) != 1 {
		t.Errorf("hooks fired for a failed update: %v", rec.events)
	}
}

func TestUpdateWhileUpdating(t *testing.T) {
	doc := parse(t, `<div id="root"></div>`)
	r := NewRegistry(nil)
	_, _ = r.Mount("root", KindRoot, "", doc.ByID("root"))
	_ = r.Update("root", noop)

	var inner error
	_ = r.Update("root", func(*Scope) error {
		inner = r.Update("root", noop)
		return nil
	})
	if !errors.Is(inner, ErrBusy) {
		t.Errorf("nested update: err = %v", inner)
	}
}

func TestDestroyIsDepthFirst(t *testing.T) {
	doc := parse(t, `<div id="root"><div id="a"><div id="a1"></div></div><div id="b"></div></div>`)
	rec := &recorder{}
	r := NewRegistry(nil, WithHooks(rec))

	for _, m := range []struct{ id, parent string }{
		{"root", ""}, {"a", "root"}, {"a1", "a"}, {"b", "root"},
	} {
		if _, err := r.Mount(m.id, KindView, m.parent, doc.ByID(m.id)); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Destroy("root"); err != nil {
		t.Fatal(err)
	}
	want := []string{"destroyed:a1", "destroyed:a", "destroyed:b", "destroyed:root"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Errorf("events = %v, want %v", rec.events, want)
	}
	if r.Len() != 0 {
		t.Errorf("%d scopes left", r.Len())
	}
}

func TestDuplicateMountRemounts(t *testing.T) {
	doc := parse(t, `<div id="root"><div id="c"></div></div>`)
	rec := &recorder{}
	r := NewRegistry(nil, WithHooks(rec))
	_, _ = r.Mount("root", KindRoot, "", doc.ByID("root"))
	old, _ := r.Mount("c", KindComponent, "root", doc.ByID("c"))
	_ = r.Update("c", noop)

	fresh, err := r.Mount("c", KindComponent, "root", doc.ByID("c"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old || old.State != Destroyed || fresh.State != Mounting {
		t.Errorf("old=%s fresh=%s", old.State, fresh.State)
	}
	children, _ := r.Children("root")
	if len(children) != 1 || children[0] != fresh {
		t.Errorf("children = %v", children)
	}
	want := []string{"mounted:c", "destroyed:c"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Errorf("events = %v", rec.events)
	}
}

func TestMountUnknownParent(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Mount("x", KindView, "missing", &html.Node{}); !errors.Is(err, ErrUnknownScope) {
		t.Errorf("err = %v", err)
	}
}

func TestRelocatedRootDestroyedWithParent(t *testing.T) {
	doc := parse(t, `<div id="root"><div id="p" data-lvt-scope="p" data-lvt-portal="modals"></div></div><div id="modals"></div>`)
	rec := &recorder{}
	r := NewRegistry(nil, WithHooks(rec))
	_, _ = r.Mount("root", KindRoot, "", doc.ByID("root"))
	_, _ = r.Mount("p", KindPortal, "root", doc.ByID("p"))

	// move the portal content to its target, as the engine does
	moved := doc.ByID("p")
	dom.Detach(moved)
	doc.ByID("modals").AppendChild(moved)
	if err := r.Relocate("p", moved); err != nil {
		t.Fatal(err)
	}

	s, _ := r.Get("p")
	if s.Parent == nil || s.Parent.ID != "root" {
		t.Fatal("relocation lost the logical parent")
	}

	_ = r.Destroy("root")
	if doc.Contains(moved) {
		t.Error("relocated root survived its parent")
	}
	want := []string{"destroyed:p", "destroyed:root"}
	if !reflect.DeepEqual(rec.events, want) {
		t.Errorf("events = %v", rec.events)
	}
}

func TestSyncMountsAndDestroys(t *testing.T) {
	doc := parse(t, `<div id="root">`+
		`<div data-lvt-scope="root:c1" data-lvt-component="1"><div data-lvt-scope="nested"></div></div>`+
		`<section data-lvt-scope="v"></section>`+
		`</div>`)
	r := NewRegistry(nil)
	_, _ = r.Mount("root", KindRoot, "", doc.ByID("root"))

	mounted, destroyed, err := r.Sync("root")
	if err != nil {
		t.Fatal(err)
	}
	if len(destroyed) != 0 || len(mounted) != 2 {
		t.Fatalf("mounted=%d destroyed=%v", len(mounted), destroyed)
	}
	if mounted[0].ID != "root:c1" || mounted[0].Kind != KindComponent {
		t.Errorf("first = %s/%s", mounted[0].ID, mounted[0].Kind)
	}
	if mounted[1].ID != "v" || mounted[1].Kind != KindView || mounted[1].State != Mounting {
		t.Errorf("second = %s/%s/%s", mounted[1].ID, mounted[1].Kind, mounted[1].State)
	}
	if _, ok := r.Get("nested"); ok {
		t.Error("boundary inside a child scope must belong to that child")
	}

	// a second sync without DOM changes is a no-op
	mounted, destroyed, _ = r.Sync("root")
	if len(mounted) != 0 || len(destroyed) != 0 {
		t.Errorf("repeat sync mounted=%d destroyed=%v", len(mounted), destroyed)
	}

	section := doc.Find(func(n *html.Node) bool { return dom.AttrValue(n, "data-lvt-scope") == "v" })
	dom.Detach(section)
	_, destroyed, _ = r.Sync("root")
	if !reflect.DeepEqual(destroyed, []string{"v"}) {
		t.Errorf("destroyed = %v", destroyed)
	}
	if _, ok := r.Get("v"); ok {
		t.Error("scope without boundary still registered")
	}
}
