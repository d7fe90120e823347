package stream

import (
	"log/slog"
	"sort"
)

// Set holds the named streams of one rendering position: a scope, or an
// entry of an enclosing stream.
type Set struct {
	streams map[string]*Stream
	logger  *slog.Logger
}

// NewSet creates an empty stream set
func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		streams: make(map[string]*Stream),
		logger:  logger,
	}
}

// Stream returns the named stream, creating it if needed
func (s *Set) Stream(name string) *Stream {
	st, ok := s.streams[name]
	if !ok {
		st = newStream(name, s.logger.With("stream", name))
		s.streams[name] = st
	}
	return st
}

// Lookup returns the named stream if it exists
func (s *Set) Lookup(name string) (*Stream, bool) {
	st, ok := s.streams[name]
	return st, ok
}

// Names returns the stream names in sorted order
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of streams
func (s *Set) Len() int {
	return len(s.streams)
}
