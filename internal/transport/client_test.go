package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeServer struct {
	*httptest.Server
	header chan http.Header
	events chan Event
}

// newFakeServer starts a server that writes frames to the client, then
// echoes every event it receives into events until the client goes away.
func newFakeServer(t *testing.T, frames ...string) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		header: make(chan http.Header, 1),
		events: make(chan Event, 8),
	}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.header <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Errorf("bad event frame %q: %v", data, err)
				continue
			}
			fs.events <- ev
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		ack     bool
		wantErr bool
	}{
		{"diff", `{"scope":"root","diff":{"0":"x"}}`, false, false},
		{"ack", `{"ref":3,"status":"ok"}`, true, false},
		{"diff without scope", `{"diff":{"0":"x"}}`, false, true},
		{"empty", `{}`, false, true},
		{"garbage", `not json`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && msg.IsAck() != tt.ack {
				t.Errorf("IsAck() = %v, want %v", msg.IsAck(), tt.ack)
			}
		})
	}
}

func TestClientDeliversMessagesAndEvents(t *testing.T) {
	fs := newFakeServer(t,
		`{"scope":"root","diff":{"s":["<p>","</p>"],"0":"hi"}}`,
		`junk`,
		`{"ref":1,"status":"ok"}`,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, fs.wsURL())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	header := <-fs.header
	if got := header.Get(ConnectionHeader); got != client.ID() || got == "" {
		t.Errorf("connection header = %q, client id = %q", got, client.ID())
	}

	var mu sync.Mutex
	var got []Message
	received := make(chan struct{})
	handler := HandlerFunc(func(msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		if len(got) == 2 {
			close(received)
		}
		return nil
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx, handler) }()

	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	if got[0].Scope != "root" || got[0].IsAck() {
		t.Errorf("first message = %+v", got[0])
	}
	if !got[1].IsAck() || got[1].Ref != 1 || got[1].Status != "ok" {
		t.Errorf("second message = %+v", got[1])
	}
	mu.Unlock()

	ev := Event{Scope: "root", Ref: 2, Kind: "click", Target: "btn", Payload: map[string]any{"n": "1"}}
	if err := client.Send(ctx, ev); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case echoed := <-fs.events:
		if echoed.Ref != 2 || echoed.Kind != "click" || echoed.Payload["n"] != "1" {
			t.Errorf("server received %+v", echoed)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run returned %v after cancellation", err)
	}
	if err := client.Send(context.Background(), ev); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v, want ErrClosed", err)
	}
}

func TestClientStopsOnFatalHandlerError(t *testing.T) {
	fatal := errors.New("fatal")
	fs := newFakeServer(t,
		`{"scope":"a","diff":{"0":"x"}}`,
		`{"scope":"root","diff":{"0":"x"}}`,
		`{"scope":"b","diff":{"0":"x"}}`,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, fs.wsURL(), StopOn(func(err error) bool { return errors.Is(err, fatal) }))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	var seen []string
	err = client.Run(ctx, HandlerFunc(func(msg Message) error {
		seen = append(seen, msg.Scope)
		switch msg.Scope {
		case "a":
			return errors.New("recoverable")
		case "root":
			return fatal
		}
		return nil
	}))
	if !errors.Is(err, fatal) {
		t.Fatalf("Run() = %v, want fatal", err)
	}
	if strings.Join(seen, ",") != "a,root" {
		t.Errorf("handled %v", seen)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/nowhere"); err == nil {
		t.Error("expected dial error")
	}
}
