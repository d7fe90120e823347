package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livefir/lvtclient"
)

const formScript = `
name: locked field
document: |
  <html><body><div id="app"></div></body></html>
root:
  scope: root
  element: app
steps:
  - diff:
      scope: root
      data: '{"s":["<form id=\"f\"><input id=\"name\" name=\"name\" value=\"","\"></form>"],"0":"a"}'
  - input: {target: name, value: typed}
  - event: {scope: root, kind: change, target: name}
  - expect: {target: name, locked: true}
  - diff:
      scope: root
      data: {"0": "b"}
  - diff:
      scope: root
      data: {0: c}
  - expect: {target: name, attr: value, equals: a}
  - ack: {event: 1, status: ok}
  - expect: {target: name, attr: value, equals: c, locked: false}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseScript(t *testing.T) {
	s, err := ParseScript([]byte(formScript))
	if err != nil {
		t.Fatalf("ParseScript failed: %v", err)
	}
	if s.Name != "locked field" || len(s.Steps) != 9 {
		t.Fatalf("script = %q with %d steps", s.Name, len(s.Steps))
	}
	if name, n := s.Steps[2].action(); name != "event" || n != 1 {
		t.Errorf("step 3 action = %s (%d)", name, n)
	}

	tests := []struct {
		step int
		want string
	}{
		{0, `{"s":["<form id=\"f\"><input id=\"name\" name=\"name\" value=\"","\"></form>"],"0":"a"}`},
		{4, `{"0":"b"}`},
		{5, `{"0":"c"}`},
	}
	for _, tt := range tests {
		got, err := s.Steps[tt.step].Diff.JSON()
		if err != nil {
			t.Errorf("step %d: JSON failed: %v", tt.step+1, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("step %d: JSON = %s, want %s", tt.step+1, got, tt.want)
		}
	}
}

func TestParseScriptRejectsInvalid(t *testing.T) {
	header := "document: <div id=app></div>\nroot: {scope: root, element: app}\n"
	tests := []struct {
		name  string
		yaml  string
		error string
	}{
		{"no steps", header, "Steps"},
		{"no document", "root: {scope: root, element: app}\nsteps:\n  - blur: true\n", "Document"},
		{"no root", "document: x\nsteps:\n  - blur: true\n", "Scope"},
		{"empty step", header + "steps:\n  - {}\n", "no action"},
		{"two actions", header + "steps:\n  - {blur: true, disconnect: true}\n", "2 actions"},
		{"bad kind", header + "steps:\n  - event: {scope: root, kind: hover, target: x}\n", "Kind"},
		{"early ack", header + "steps:\n  - ack: {event: 1}\n", "before it was sent"},
		{"bad json", header + "steps:\n  - diff: {scope: root, data: '{nope'}\n", "not valid JSON"},
		{"missing data", header + "steps:\n  - diff: {scope: root}\n", "no data"},
		{"equals without attr", header + "steps:\n  - expect: {target: x, equals: y}\n", "Attr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.error) {
				t.Errorf("error %q does not mention %q", err, tt.error)
			}
		})
	}
}

func TestLoadScriptResolvesDocumentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "page.html", `<html><body><div id="app">static</div></body></html>`)
	path := writeFile(t, dir, "session.yaml", `
document_file: page.html
root: {scope: root, element: app}
steps:
  - expect: {target: app, text: static}
`)
	s, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript failed: %v", err)
	}
	if !strings.Contains(s.Document, "static") {
		t.Errorf("document = %q", s.Document)
	}

	if _, err := LoadScript(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestReplayerBuffersLockedField(t *testing.T) {
	s, err := ParseScript([]byte(formScript))
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReplayer(s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewReplayer failed: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(r.Failures()) != 0 {
		t.Errorf("failures = %v", r.Failures())
	}
	if r.checks != 3 {
		t.Errorf("checks = %d, want 3", r.checks)
	}
	m := r.Engine().Metrics().GetMetrics()
	if m.PatchesBuffered != 2 || m.RefsReleased != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if got := r.Markup(); !strings.Contains(got, `value="c"`) {
		t.Errorf("markup = %s", got)
	}
}

func TestReplayerTransitionsAndClock(t *testing.T) {
	s, err := ParseScript([]byte(`
document: <html><body><div id="app"></div></body></html>
root: {scope: root, element: app}
steps:
  - diff:
      scope: root
      data: '{"s":["<ul><li id=\"a\" lvt-remove>a</li><li id=\"b\" lvt-remove>b</li>","</ul>"],"0":""}'
  - diff:
      scope: root
      data: '{"s":["<ul>","</ul>"],"0":""}'
  - expect: {target: a, attr: data-lvt-removing}
  - complete: a
  - expect: {target: a, absent: true}
  - expect: {target: b}
  - advance: 5s
  - expect: {target: b, absent: true}
`))
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReplayer(s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(r.Failures()) != 0 {
		t.Errorf("failures = %v", r.Failures())
	}
	if r.transitions != 2 {
		t.Errorf("transitions = %d, want 2", r.transitions)
	}
}

func TestReplayerStepErrors(t *testing.T) {
	tests := []struct {
		name string
		step string
		want string
	}{
		{"unknown input target", "input: {target: nope, value: x}", "#nope not found"},
		{"unknown scope", `diff: {scope: other, data: '{"0":"x"}'}`, "unknown scope"},
		{"complete without removal", "complete: app", "not being removed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseScript([]byte("document: <div id=app></div>\nroot: {scope: root, element: app}\nsteps:\n  - " + tt.step + "\n"))
			if err != nil {
				t.Fatal(err)
			}
			r, err := NewReplayer(s, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				t.Fatal(err)
			}
			err = r.Run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Run error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "form.yaml", formScript)

	out, err := execute(t, "run", path, "--minify")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `<form id=f>`) || !strings.Contains(out, `value=c>`) {
		t.Errorf("expected minified markup in output:\n%s", out)
	}
	if !strings.Contains(out, "3 expectations passed") {
		t.Errorf("expected summary in output:\n%s", out)
	}
}

func TestRunCommandJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "form.yaml", formScript)

	out, err := execute(t, "run", path, "--format", "json")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var s Summary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("output is not a JSON summary: %v\n%s", err, out)
	}
	if s.Steps != 9 || s.Checks != 3 || len(s.Failures) != 0 {
		t.Errorf("summary = %+v", s)
	}
	if s.Metrics.DiffsReceived != 3 {
		t.Errorf("diffs = %d", s.Metrics.DiffsReceived)
	}
}

func TestRunCommandReportsFailures(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fail.yaml", `
document: <html><body><div id="app"></div></body></html>
root: {scope: root, element: app}
steps:
  - diff: {scope: root, data: '{"s":["<p id=\"msg\">","</p>"],"0":"hi"}'}
  - expect: {target: msg, text: bye}
  - expect: {target: gone}
`)
	out, err := execute(t, "run", path, "--no-html")
	if err == nil {
		t.Fatal("expected error for failed expectations")
	}
	if !strings.Contains(err.Error(), "2 of 2 expectations failed") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(out, `text = "hi", want "bye"`) {
		t.Errorf("failure detail missing:\n%s", out)
	}
	if strings.Contains(out, "<p") {
		t.Errorf("--no-html printed markup:\n%s", out)
	}
}

func TestRunCommandWithConfig(t *testing.T) {
	dir := t.TempDir()
	config := writeFile(t, dir, "lvt.yaml", "class_prefix: app-\n")
	path := writeFile(t, dir, "form.yaml", `
document: <html><body><div id="app"></div></body></html>
root: {scope: root, element: app}
steps:
  - diff: {scope: root, data: '{"s":["<button id=\"go\">","</button>"],"0":"Go"}'}
  - event: {scope: root, kind: click, target: go}
  - expect: {target: go, attr: class, equals: app-click-loading}
`)
	if out, err := execute(t, "run", path, "--config", config); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}

	bad := writeFile(t, dir, "bad.yaml", "class_prefix: \"\"\n")
	_, err := execute(t, "run", path, "--config", bad)
	var fields lvtclient.MultiError
	if !errors.As(err, &fields) {
		t.Errorf("expected MultiError for invalid config, got %v", err)
	}
}

func TestRootRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "form.yaml", formScript)
	if _, err := execute(t, "run", path, "--format", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestConnectRequiresFlags(t *testing.T) {
	_, err := execute(t, "connect")
	if err == nil || !strings.Contains(err.Error(), "required flag") {
		t.Errorf("error = %v", err)
	}
}

func TestConnectAppliesServerDiffs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("X-Lvt-Connection")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"scope":"root","diff":{"s":["<p id=\"msg\">","</p>"],"0":"live"}}`,
			`{"scope":"missing","diff":{"0":"x"}}`,
			`not json`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// drain until the client closes its side
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	page := writeFile(t, dir, "page.html", `<html><body><div id="app"></div></body></html>`)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	out, err := execute(t, "connect", "--url", url, "--document", page, "--element", "app", "--duration", "5s")
	if err != nil {
		t.Fatalf("connect failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `<p id="msg">live</p>`) {
		t.Errorf("server diff not applied:\n%s", out)
	}
	if id := <-headers; id == "" {
		t.Error("connection id header missing")
	}
}
