package render

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/livefir/lvtclient/internal/stream"
)

func mustDecode(t *testing.T, src string) *Node {
	t.Helper()
	n, err := Decode([]byte(src))
	if err != nil {
		t.Fatalf("Decode(%s) failed: %v", src, err)
	}
	return n
}

func renderDiffs(t *testing.T, diffs ...string) (*Rendered, *Renderer, *Output) {
	t.Helper()
	rd := NewRendered()
	r := NewRenderer("root", stream.NewSet(nil))
	var out *Output
	for _, src := range diffs {
		if _, err := rd.Merge(mustDecode(t, src)); err != nil {
			t.Fatalf("Merge(%s) failed: %v", src, err)
		}
		var err error
		out, err = r.Render(rd)
		if err != nil {
			t.Fatalf("Render failed: %v", err)
		}
	}
	return rd, r, out
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, n *Node)
	}{
		{
			name:  "template with text slot",
			input: `{"s":["<p>","</p>"],"0":"hi"}`,
			check: func(t *testing.T, n *Node) {
				if len(n.Statics) != 2 || n.Dynamics[0].Text != "hi" {
					t.Errorf("unexpected node: %+v", n)
				}
			},
		},
		{
			name:  "shared template reference",
			input: `{"s":3,"0":"x"}`,
			check: func(t *testing.T, n *Node) {
				if !n.HasRef || n.TemplateRef != 3 || n.Statics != nil {
					t.Errorf("expected ref 3, got %+v", n)
				}
			},
		},
		{
			name:  "component reference",
			input: `{"0":7}`,
			check: func(t *testing.T, n *Node) {
				if n.Dynamics[0].Component != 7 {
					t.Errorf("expected component 7, got %+v", n.Dynamics[0])
				}
			},
		},
		{
			name:  "stream comprehension",
			input: `{"s":["<li>","</li>"],"d":[{"0":"a"}],"stream":{"name":"items","inserts":[{"key":"a","at":-1}]}}`,
			check: func(t *testing.T, n *Node) {
				if !n.Comprehension || n.StreamName != "items" || len(n.Stream.Inserts) != 1 {
					t.Errorf("unexpected stream node: %+v", n)
				}
			},
		},
		{
			name:  "dynamics only",
			input: `{"1":"b"}`,
			check: func(t *testing.T, n *Node) {
				if n.HasStatics() {
					t.Error("dynamics-only diff must not report statics")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, mustDecode(t, tt.input))
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, src := range []string{
		`[]`,
		`{"s":"nope"}`,
		`{"0":1.5}`,
		`{"stream":{"inserts":[]}}`,
		`{"c":{"x":{}}}`,
	} {
		if _, err := Decode([]byte(src)); err == nil {
			t.Errorf("Decode(%s) succeeded, want error", src)
		}
	}
}

func TestMergeReusesCachedStatics(t *testing.T) {
	_, _, out := renderDiffs(t,
		`{"s":["<p>","-","</p>"],"0":"a","1":"b"}`,
		`{"1":"c"}`,
	)
	if out.HTML != "<p>a-c</p>" {
		t.Errorf("HTML = %q", out.HTML)
	}
}

func TestNestedPositionsMerge(t *testing.T) {
	_, _, out := renderDiffs(t,
		`{"s":["<div>","</div>"],"0":{"s":["<b>","</b>"],"0":"x"}}`,
		`{"0":{"0":"y"}}`,
	)
	if out.HTML != "<div><b>y</b></div>" {
		t.Errorf("HTML = %q", out.HTML)
	}
}

func TestSharedTemplates(t *testing.T) {
	_, _, out := renderDiffs(t,
		`{"s":["<ul>","","</ul>"],"p":{"1":["<li>","</li>"]},"0":{"s":1,"0":"a"},"1":{"s":1,"0":"b"}}`,
	)
	if out.HTML != "<ul><li>a</li><li>b</li></ul>" {
		t.Errorf("HTML = %q", out.HTML)
	}
}

func TestUnknownTemplateLeavesCacheUntouched(t *testing.T) {
	rd, r, before := renderDiffs(t, `{"s":["<p>","</p>"],"0":"a"}`)

	tests := []struct {
		name string
		diff string
	}{
		{"unknown shared template", `{"0":{"s":9,"0":"x"}}`},
		{"dynamics without statics", `{"0":{"0":"x"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rd.Merge(mustDecode(t, tt.diff))
			if !errors.Is(err, ErrUnknownTemplate) {
				t.Fatalf("err = %v, want ErrUnknownTemplate", err)
			}
			after, err := r.Render(rd)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if after.HTML != before.HTML {
				t.Errorf("cache changed: %q -> %q", before.HTML, after.HTML)
			}
		})
	}
}

func TestFirstDiffNeedsStatics(t *testing.T) {
	rd := NewRendered()
	if _, err := rd.Merge(mustDecode(t, `{"0":"x"}`)); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("err = %v, want ErrUnknownTemplate", err)
	}
	r := NewRenderer("root", stream.NewSet(nil))
	if _, err := r.Render(rd); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("Render of empty cache: err = %v", err)
	}
}

func TestPlainComprehension(t *testing.T) {
	_, _, out := renderDiffs(t,
		`{"s":["<ul>","</ul>"],"0":{"s":["<li>","</li>"],"d":[{"0":"a"},{"0":"b"}]}}`,
		`{"0":{"d":[{"0":"c"}]}}`,
	)
	if out.HTML != "<ul><li>c</li></ul>" {
		t.Errorf("HTML = %q", out.HTML)
	}
}

func TestStreamRendersStoreOrder(t *testing.T) {
	first := `{"s":["<ul>","</ul>"],"0":{"s":["<li id=\"","\">","</li>"],` +
		`"d":[{"0":"a","1":"A"},{"0":"b","1":"B"}],` +
		`"stream":{"name":"items","inserts":[{"key":"a","at":-1},{"key":"b","at":-1}]}}}`
	// c goes to the front; a is updated in place; b is untouched by the diff
	second := `{"0":{"d":[{"0":"c","1":"C"},{"0":"a","1":"A2"}],` +
		`"stream":{"name":"items","inserts":[{"key":"c","at":0},{"key":"a","at":-1}]}}}`

	rd, r, out := renderDiffs(t, first, second)

	want := `<ul><li id="c">C</li><li id="a">A2</li><li id="b">B</li></ul>`
	if out.HTML != want {
		t.Errorf("HTML = %q, want %q", out.HTML, want)
	}
	if len(out.Streams) != 1 || out.Streams[0].Stream != "items" {
		t.Fatalf("Streams = %+v", out.Streams)
	}
	ch := out.Streams[0].Change
	if !reflect.DeepEqual(ch.Inserted, []string{"c"}) || !reflect.DeepEqual(ch.Updated, []string{"a"}) {
		t.Errorf("change = %+v", ch)
	}

	// Re-rendering must not re-apply consumed operations
	again, err := r.Render(rd)
	if err != nil {
		t.Fatal(err)
	}
	if again.HTML != want || len(again.Streams) != 0 {
		t.Errorf("re-render = %q with %d stream changes", again.HTML, len(again.Streams))
	}
}

func TestStreamExplicitMove(t *testing.T) {
	first := `{"s":["<ul>","</ul>"],"0":{"s":["<li id=\"","\">","</li>"],` +
		`"d":[{"0":"a","1":"A"},{"0":"b","1":"B"},{"0":"c","1":"C"}],` +
		`"stream":{"name":"items","inserts":[{"key":"a","at":-1},{"key":"b","at":-1},{"key":"c","at":-1}]}}}`
	// c is re-inserted at the front with move; b is updated in place
	second := `{"0":{"d":[{"0":"c","1":"C2"},{"0":"b","1":"B2"}],` +
		`"stream":{"name":"items","inserts":[{"key":"c","at":0,"move":true},{"key":"b","at":0}]}}}`

	_, r, out := renderDiffs(t, first, second)

	want := `<ul><li id="c">C2</li><li id="a">A</li><li id="b">B2</li></ul>`
	if out.HTML != want {
		t.Errorf("HTML = %q, want %q", out.HTML, want)
	}
	ch := out.Streams[0].Change
	if !reflect.DeepEqual(ch.Moved, []string{"c"}) || !reflect.DeepEqual(ch.Updated, []string{"c", "b"}) {
		t.Errorf("change = %+v", ch)
	}
	st, ok := r.Streams().Lookup("items")
	if !ok {
		t.Fatal("stream not registered")
	}
	if got := st.Keys(); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Errorf("keys = %v", got)
	}
}

func TestStreamInsertWithoutPositionAppends(t *testing.T) {
	first := `{"s":["<ul>","</ul>"],"0":{"s":["<li>","</li>"],` +
		`"d":[{"0":"a"},{"0":"b"}],` +
		`"stream":{"name":"s","inserts":[{"key":"a"},{"key":"b"}]}}}`
	second := `{"0":{"d":[{"0":"c"},{"0":"z"}],` +
		`"stream":{"name":"s","inserts":[{"key":"c"},{"key":"z","at":0}]}}}`

	_, _, out := renderDiffs(t, first, second)
	if want := "<ul><li>z</li><li>a</li><li>b</li><li>c</li></ul>"; out.HTML != want {
		t.Errorf("HTML = %q, want %q", out.HTML, want)
	}

	var ins Insert
	if err := json.Unmarshal([]byte(`{"key":"k"}`), &ins); err != nil {
		t.Fatal(err)
	}
	if ins.At != stream.Back || ins.Move {
		t.Errorf("decoded = %+v", ins)
	}
}

func TestStreamDeleteAndReset(t *testing.T) {
	first := `{"s":["<ul>","</ul>"],"0":{"s":["<li>","</li>"],` +
		`"d":[{"0":"a"},{"0":"b"},{"0":"c"}],` +
		`"stream":{"name":"s","inserts":[{"key":"a","at":-1},{"key":"b","at":-1},{"key":"c","at":-1}]}}}`
	del := `{"0":{"d":[],"stream":{"name":"s","deletes":["b"]}}}`
	reset := `{"0":{"d":[{"0":"z"},{"0":"c"}],"stream":{"name":"s","reset":true,` +
		`"inserts":[{"key":"z","at":-1},{"key":"c","at":-1}],"deletes":["c"]}}}`

	_, _, out := renderDiffs(t, first, del)
	if out.HTML != "<ul><li>a</li><li>c</li></ul>" {
		t.Errorf("after delete HTML = %q", out.HTML)
	}
	if got := out.Streams[0].Change.Deleted; !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Deleted = %v", got)
	}

	_, _, out = renderDiffs(t, first, reset)
	if out.HTML != "<ul><li>z</li></ul>" {
		t.Errorf("after reset HTML = %q", out.HTML)
	}
	ch := out.Streams[0].Change
	if !reflect.DeepEqual(ch.Evicted, []string{"a", "b"}) || !reflect.DeepEqual(ch.Deleted, []string{"c"}) {
		t.Errorf("reset change = %+v", ch)
	}
}

func TestStreamInsertsLongerThanEntries(t *testing.T) {
	_, _, out := renderDiffs(t,
		`{"s":["",""],"0":{"s":["<i>","</i>"],"d":[{"0":"a"}],`+
			`"stream":{"name":"s","inserts":[{"key":"a","at":-1},{"key":"b","at":-1}]}}}`,
	)
	if out.HTML != "<i>a</i>" {
		t.Errorf("HTML = %q", out.HTML)
	}
}

func TestComponentPlaceholder(t *testing.T) {
	rd, r, out := renderDiffs(t,
		`{"s":["<main>","</main>"],"0":3,"c":{"3":{"s":["<span>","</span>"],"0":"inner"}}}`,
	)
	want := `<main><div data-lvt-scope="root:c3" data-lvt-component="3"></div></main>`
	if out.HTML != want {
		t.Errorf("HTML = %q, want %q", out.HTML, want)
	}
	if !reflect.DeepEqual(out.Components, []int{3}) {
		t.Errorf("Components = %v", out.Components)
	}

	comp, err := r.RenderComponent(rd, 3)
	if err != nil {
		t.Fatal(err)
	}
	if comp.HTML != "<span>inner</span>" {
		t.Errorf("component HTML = %q", comp.HTML)
	}

	changed, err := rd.Merge(mustDecode(t, `{"c":{"3":{"0":"next"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(changed, []int{3}) {
		t.Errorf("changed = %v", changed)
	}
	comp, _ = r.RenderComponent(rd, 3)
	if comp.HTML != "<span>next</span>" {
		t.Errorf("component HTML after update = %q", comp.HTML)
	}
	if _, err := r.RenderComponent(rd, 4); !errors.Is(err, ErrUnknownTemplate) {
		t.Errorf("unknown component: err = %v", err)
	}
}

func TestOutputNodes(t *testing.T) {
	out := &Output{HTML: `<li id="a">A</li><li id="b">B</li>`}
	nodes, err := out.Nodes("ul")
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes", len(nodes))
	}
	if !strings.EqualFold(nodes[1].Data, "li") {
		t.Errorf("second node = %s", nodes[1].Data)
	}
}
