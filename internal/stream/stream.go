// Package stream implements keyed, ordered entry collections used to render
// large lists without keeping every item on the server.
//
// A Stream holds entries in display order. Inserting a key that already exists
// updates its data in place; only an explicit move changes its position. A
// signed limit caps the collection: a positive limit keeps the head and evicts
// from the tail, a negative limit keeps the tail and evicts from the head.
// Entries dropped by that policy are reported separately from entries a diff
// deleted explicitly, because only the latter may animate out.
package stream

import (
	"log/slog"
)

// Insertion positions. Any other non-negative value is an index.
const (
	Back  = -1
	Front = 0
)

// Entry is one keyed item of a stream
type Entry struct {
	Key  string
	Data any
	// At is the position requested by the insertion that created the entry
	At int
	// LimitApplied is set when creating the entry evicted another one
	LimitApplied bool

	streams *Set
}

// Streams returns the nested streams owned by this entry
func (e *Entry) Streams() *Set {
	return e.streams
}

// Item describes one insertion
type Item struct {
	Key        string
	Data       any
	At         int
	Limit      int
	UpdateOnly bool
	Move       bool
}

// Change reports what an operation did to a stream
type Change struct {
	Inserted []string
	Updated  []string
	Moved    []string
	Deleted  []string // removed by an explicit delete
	Evicted  []string // removed by the limit or by a reset
	// Structural is set when membership or order changed
	Structural bool
}

// Empty reports whether the operation had no effect
func (c Change) Empty() bool {
	return !c.Structural && len(c.Updated) == 0
}

// Merge appends o to c, preserving operation order
func (c *Change) Merge(o Change) {
	c.Inserted = append(c.Inserted, o.Inserted...)
	c.Updated = append(c.Updated, o.Updated...)
	c.Moved = append(c.Moved, o.Moved...)
	c.Deleted = append(c.Deleted, o.Deleted...)
	c.Evicted = append(c.Evicted, o.Evicted...)
	c.Structural = c.Structural || o.Structural
}

// Stream is an ordered, keyed collection
type Stream struct {
	name    string
	entries []*Entry
	index   map[string]*Entry
	logger  *slog.Logger
}

func newStream(name string, logger *slog.Logger) *Stream {
	return &Stream{
		name:   name,
		index:  make(map[string]*Entry),
		logger: logger,
	}
}

// Name returns the stream name
func (s *Stream) Name() string {
	return s.name
}

// Len returns the number of entries
func (s *Stream) Len() int {
	return len(s.entries)
}

// Keys returns entry keys in display order
func (s *Stream) Keys() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in display order
func (s *Stream) Entries() []*Entry {
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the entry for key
func (s *Stream) Get(key string) (*Entry, bool) {
	e, ok := s.index[key]
	return e, ok
}

// Upsert inserts key at position at, or replaces the data of an existing key
// without moving it unless item.Move is set.
func (s *Stream) Upsert(item Item) Change {
	if existing, ok := s.index[item.Key]; ok {
		existing.Data = item.Data
		change := Change{Updated: []string{item.Key}}
		if item.Move {
			from := s.position(item.Key)
			s.removeAt(from)
			to := s.clamp(item.At)
			s.insertAt(to, existing)
			if from != to {
				change.Moved = []string{item.Key}
				change.Structural = true
			}
		}
		return change
	}

	if item.UpdateOnly {
		s.logger.Debug("stream update for unknown key skipped", "key", item.Key)
		return Change{}
	}

	entry := s.newEntry(item)
	evicted, ok := s.place(entry, item.At, item.Limit)
	if !ok {
		return Change{}
	}
	change := Change{Inserted: []string{item.Key}, Structural: true}
	if evicted != nil {
		change.Evicted = []string{evicted.Key}
	}
	return change
}

// Delete removes key explicitly
func (s *Stream) Delete(key string) Change {
	pos := s.position(key)
	if pos < 0 {
		s.logger.Debug("stream delete for unknown key ignored", "key", key)
		return Change{}
	}
	s.removeAt(pos)
	return Change{Deleted: []string{key}, Structural: true}
}

// MoveToFront moves an existing key to the head of the stream
func (s *Stream) MoveToFront(key string) Change {
	pos := s.position(key)
	if pos < 0 {
		s.logger.Debug("stream move for unknown key ignored", "key", key)
		return Change{}
	}
	if pos == 0 {
		return Change{}
	}
	e := s.entries[pos]
	s.removeAt(pos)
	s.insertAt(0, e)
	return Change{Moved: []string{key}, Structural: true}
}

// Reset replaces the whole sequence in one step. Entries whose key survives
// keep their identity and nested streams; dropped keys are reported as
// evictions, not deletions.
func (s *Stream) Reset(items []Item) Change {
	previous := s.index
	previousKeys := s.Keys()

	s.entries = nil
	s.index = make(map[string]*Entry, len(items))

	var change Change
	for _, item := range items {
		if existing, ok := s.index[item.Key]; ok {
			s.logger.Warn("duplicate key in stream reset", "key", item.Key)
			existing.Data = item.Data
			continue
		}
		entry, ok := previous[item.Key]
		if ok {
			entry.Data = item.Data
		} else {
			entry = s.newEntry(item)
		}
		s.place(entry, item.At, item.Limit)
	}

	for _, key := range previousKeys {
		if _, ok := s.index[key]; !ok {
			change.Evicted = append(change.Evicted, key)
		}
	}
	for _, e := range s.entries {
		if _, ok := previous[e.Key]; ok {
			change.Updated = append(change.Updated, e.Key)
		} else {
			change.Inserted = append(change.Inserted, e.Key)
		}
	}
	change.Structural = !sameOrder(previousKeys, s.Keys())
	return change
}

func (s *Stream) newEntry(item Item) *Entry {
	return &Entry{
		Key:     item.Key,
		Data:    item.Data,
		At:      item.At,
		streams: NewSet(s.logger),
	}
}

// place inserts a new entry and applies the limit. It returns false, leaving
// the stream untouched, when the limit would evict the entry itself.
func (s *Stream) place(entry *Entry, at, limit int) (*Entry, bool) {
	pos := s.clamp(at)
	s.insertAt(pos, entry)
	evicted, ok := s.enforceLimit(pos, limit)
	if !ok {
		s.removeAt(pos)
		return nil, false
	}
	if evicted != nil {
		entry.LimitApplied = true
	}
	return evicted, true
}

// enforceLimit trims the overflow created by the insertion at pos. It returns
// false when the inserted entry itself would be trimmed.
func (s *Stream) enforceLimit(pos, limit int) (*Entry, bool) {
	if limit == 0 {
		return nil, true
	}
	capacity := limit
	if capacity < 0 {
		capacity = -capacity
	}
	if len(s.entries) <= capacity {
		return nil, true
	}

	victim := len(s.entries) - 1
	if limit < 0 {
		victim = 0
	}
	if victim == pos {
		return nil, false
	}
	evicted := s.entries[victim]
	s.removeAt(victim)
	return evicted, true
}

func (s *Stream) clamp(at int) int {
	if at < 0 || at > len(s.entries) {
		return len(s.entries)
	}
	return at
}

func (s *Stream) position(key string) int {
	if _, ok := s.index[key]; !ok {
		return -1
	}
	for i, e := range s.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (s *Stream) insertAt(pos int, e *Entry) {
	s.entries = append(s.entries, nil)
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.index[e.Key] = e
}

func (s *Stream) removeAt(pos int) {
	e := s.entries[pos]
	s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	delete(s.index, e.Key)
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
