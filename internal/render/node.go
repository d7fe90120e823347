package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/livefir/lvtclient/internal/stream"
)

// ErrUnknownTemplate is returned when a diff refers to statics the client
// never received. It means client and server are out of sync.
var ErrUnknownTemplate = errors.New("unknown static template")

// Node is one template position of a rendered tree.
//
// Wire format:
//
//	{"s": ["<p>", "</p>"], "0": "value"}          template expansion
//	{"s": 3, "0": "value"}                         statics from the shared table "p"
//	{"s": ["<li>", "</li>"], "d": [{"0": "a"}]}   comprehension
//	{"0": 7}                                       slot 0 renders component 7
//
// The root node may also carry "p" (shared templates) and "c" (component
// diffs keyed by component id).
type Node struct {
	Statics []string
	// TemplateRef is the "p" id when HasRef is set
	TemplateRef int
	HasRef      bool

	Dynamics map[int]*Value

	// Comprehension entries; Entries is nil for plain templates
	Entries       []map[int]*Value
	Comprehension bool
	// Stream holds operations not yet applied to the stream store;
	// StreamName persists once the comprehension is stream-backed.
	Stream     *StreamOp
	StreamName string

	Templates  map[int][]string
	Components map[int]*Node
}

// Value is the content of one dynamic slot
type Value struct {
	Text      string
	Node      *Node
	Component int
}

// StreamOp carries the stream operations of a comprehension
type StreamOp struct {
	Name    string   `json:"name"`
	Inserts []Insert `json:"inserts,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
	Reset   bool     `json:"reset,omitempty"`
}

// Insert is one stream insertion; entry i of "d" belongs to Inserts[i]. An
// insert without "at" appends. Move repositions a key that already exists.
type Insert struct {
	Key        string `json:"key"`
	At         int    `json:"at"`
	Limit      int    `json:"limit,omitempty"`
	UpdateOnly bool   `json:"update_only,omitempty"`
	Move       bool   `json:"move,omitempty"`
}

// UnmarshalJSON defaults At to the end of the stream
func (i *Insert) UnmarshalJSON(data []byte) error {
	type plain Insert
	in := plain{At: stream.Back}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*i = Insert(in)
	return nil
}

// HasStatics reports whether the node brings its own template
func (n *Node) HasStatics() bool {
	return n.Statics != nil || n.HasRef
}

// Decode parses a wire diff
func Decode(data []byte) (*Node, error) {
	n := &Node{}
	if err := json.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	return n, nil
}

// UnmarshalJSON implements the flat positional wire structure
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if s, ok := raw["s"]; ok {
		if err := n.decodeStatics(s); err != nil {
			return err
		}
	}

	if d, ok := raw["d"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(d, &entries); err != nil {
			return fmt.Errorf("invalid comprehension: %w", err)
		}
		n.Comprehension = true
		n.Entries = make([]map[int]*Value, 0, len(entries))
		for _, entry := range entries {
			dyn, err := decodeDynamics(entry)
			if err != nil {
				return err
			}
			n.Entries = append(n.Entries, dyn)
		}
	}

	if st, ok := raw["stream"]; ok {
		n.Stream = &StreamOp{}
		if err := json.Unmarshal(st, n.Stream); err != nil {
			return fmt.Errorf("invalid stream directive: %w", err)
		}
		if n.Stream.Name == "" {
			return fmt.Errorf("stream directive without name")
		}
		n.StreamName = n.Stream.Name
	}

	if p, ok := raw["p"]; ok {
		var templates map[string][]string
		if err := json.Unmarshal(p, &templates); err != nil {
			return fmt.Errorf("invalid template table: %w", err)
		}
		n.Templates = make(map[int][]string, len(templates))
		for k, v := range templates {
			id, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("invalid template id %q", k)
			}
			n.Templates[id] = v
		}
	}

	if c, ok := raw["c"]; ok {
		var comps map[string]*Node
		if err := json.Unmarshal(c, &comps); err != nil {
			return fmt.Errorf("invalid components: %w", err)
		}
		n.Components = make(map[int]*Node, len(comps))
		for k, v := range comps {
			cid, err := strconv.Atoi(k)
			if err != nil || cid <= 0 {
				return fmt.Errorf("invalid component id %q", k)
			}
			n.Components[cid] = v
		}
	}

	dyn, err := decodeDynamics(raw)
	if err != nil {
		return err
	}
	n.Dynamics = dyn
	return nil
}

func (n *Node) decodeStatics(s json.RawMessage) error {
	var statics []string
	if err := json.Unmarshal(s, &statics); err == nil {
		if statics == nil {
			statics = []string{}
		}
		n.Statics = statics
		return nil
	}
	var ref int
	if err := json.Unmarshal(s, &ref); err != nil {
		return fmt.Errorf("invalid statics: %s", string(s))
	}
	if ref < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownTemplate, ref)
	}
	n.TemplateRef = ref
	n.HasRef = true
	return nil
}

func decodeDynamics(raw map[string]json.RawMessage) (map[int]*Value, error) {
	dyn := make(map[int]*Value)
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue // "s", "d", "p", "c", "stream" and unknown keys
		}
		val, err := decodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", idx, err)
		}
		dyn[idx] = val
	}
	return dyn, nil
}

func decodeValue(raw json.RawMessage) (*Value, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	switch v := decoded.(type) {
	case string:
		return &Value{Text: v}, nil
	case float64:
		if v <= 0 || v != float64(int(v)) {
			return nil, fmt.Errorf("invalid component reference %v", v)
		}
		return &Value{Component: int(v)}, nil
	case map[string]any:
		child := &Node{}
		if err := json.Unmarshal(raw, child); err != nil {
			return nil, err
		}
		return &Value{Node: child}, nil
	default:
		// null and booleans render as nothing
		return &Value{}, nil
	}
}
