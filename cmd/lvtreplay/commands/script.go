package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/livefir/lvtclient"
)

// Script is a recorded session: a starting document and the messages and
// user actions to apply to it in order
type Script struct {
	Name         string `yaml:"name"`
	Document     string `yaml:"document" validate:"required_without=DocumentFile"`
	DocumentFile string `yaml:"document_file" validate:"required_without=Document"`
	Root         Root   `yaml:"root"`
	Steps        []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Root identifies the element the root scope is mounted on
type Root struct {
	Scope   string `yaml:"scope" validate:"required"`
	Element string `yaml:"element" validate:"required"`
}

// Step holds exactly one action
type Step struct {
	Diff       *DiffStep     `yaml:"diff"`
	Input      *InputStep    `yaml:"input"`
	Focus      string        `yaml:"focus"`
	Blur       bool          `yaml:"blur"`
	Event      *EventStep    `yaml:"event"`
	Ack        *AckStep      `yaml:"ack"`
	Complete   string        `yaml:"complete"`
	Advance    time.Duration `yaml:"advance" validate:"gte=0"`
	Disconnect bool          `yaml:"disconnect"`
	Expect     *Expect       `yaml:"expect"`
}

// DiffStep delivers a server diff. Data is either a JSON string or inline YAML.
type DiffStep struct {
	Scope string    `yaml:"scope" validate:"required"`
	Data  yaml.Node `yaml:"data" validate:"-"`
	// Fails marks a diff the engine is expected to reject
	Fails bool `yaml:"fails"`
}

// InputStep types into a field
type InputStep struct {
	Target string `yaml:"target" validate:"required"`
	Value  string `yaml:"value"`
}

// EventStep pushes a user event. Events are numbered from 1 in the order
// they appear; acks refer to that number.
type EventStep struct {
	Scope   string         `yaml:"scope" validate:"required"`
	Kind    string         `yaml:"kind" validate:"required,oneof=change submit click"`
	Target  string         `yaml:"target" validate:"required"`
	Payload map[string]any `yaml:"payload"`
}

// AckStep acknowledges an earlier event
type AckStep struct {
	Event  int    `yaml:"event" validate:"required,gte=1"`
	Status string `yaml:"status"`
}

// Expect asserts on an element after the preceding steps
type Expect struct {
	Target string  `yaml:"target" validate:"required"`
	Absent bool    `yaml:"absent"`
	Text   *string `yaml:"text"`
	Value  *string `yaml:"value"`
	Attr   string  `yaml:"attr" validate:"required_with=Equals"`
	Equals string  `yaml:"equals"`
	Locked *bool   `yaml:"locked"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadScript reads and validates a script file. A relative document_file is
// resolved against the script's directory.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := ParseScript(data)
	if err != nil {
		return nil, err
	}
	if s.DocumentFile != "" {
		file := s.DocumentFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		s.Document = string(src)
	}
	return s, nil
}

// ParseScript decodes and validates a script
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field constraints and that each step names one action
func (s *Script) Validate() error {
	if err := validate.Struct(s); err != nil {
		if fields := lvtclient.ValidationToMultiError(err); len(fields) > 0 {
			return fields
		}
		return err
	}
	var errs []error
	events := 0
	for i, step := range s.Steps {
		name, n := step.action()
		switch {
		case n == 0:
			errs = append(errs, fmt.Errorf("step %d: no action", i+1))
			continue
		case n > 1:
			errs = append(errs, fmt.Errorf("step %d: %d actions, want one", i+1, n))
			continue
		}
		switch name {
		case "event":
			events++
		case "ack":
			if step.Ack.Event > events {
				errs = append(errs, fmt.Errorf("step %d: ack of event %d before it was sent", i+1, step.Ack.Event))
			}
		case "diff":
			if _, err := step.Diff.JSON(); err != nil {
				errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (st Step) action() (string, int) {
	var name string
	n := 0
	set := func(ok bool, label string) {
		if ok {
			name = label
			n++
		}
	}
	set(st.Diff != nil, "diff")
	set(st.Input != nil, "input")
	set(st.Focus != "", "focus")
	set(st.Blur, "blur")
	set(st.Event != nil, "event")
	set(st.Ack != nil, "ack")
	set(st.Complete != "", "complete")
	set(st.Advance > 0, "advance")
	set(st.Disconnect, "disconnect")
	set(st.Expect != nil, "expect")
	return name, n
}

// JSON returns the diff payload as wire JSON
func (d *DiffStep) JSON() ([]byte, error) {
	switch d.Data.Kind {
	case 0:
		return nil, errors.New("diff has no data")
	case yaml.ScalarNode:
		if !json.Valid([]byte(d.Data.Value)) {
			return nil, errors.New("diff data is not valid JSON")
		}
		return []byte(d.Data.Value), nil
	}
	var v any
	if err := d.Data.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode diff data: %w", err)
	}
	out, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode diff data: %w", err)
	}
	return out, nil
}

// stringKeys rewrites YAML maps with unquoted numeric keys so they encode
// as JSON objects
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}
