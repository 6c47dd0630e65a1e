package sources

import (
	"fmt"
	"sort"
)

// Binding is a source together with what is needed to trust its payload.
type Binding struct {
	Source Source
	Schema *Schema
	Fields FieldMap
}

// Set is the configured collection of sources, addressed by name.
type Set struct {
	bindings map[string]Binding
}

func NewSet(bindings ...Binding) (*Set, error) {
	s := &Set{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		name := b.Source.Name()
		if _, dup := s.bindings[name]; dup {
			return nil, fmt.Errorf("sources: duplicate source %q", name)
		}
		s.bindings[name] = b
	}
	return s, nil
}

func (s *Set) Get(name string) (Binding, error) {
	b, ok := s.bindings[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return b, nil
}

// Names lists the sources in order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the names in want that exist, or every name when want is
// empty.
func (s *Set) Select(want []string) ([]string, error) {
	if len(want) == 0 {
		return s.Names(), nil
	}
	out := make([]string, 0, len(want))
	seen := make(map[string]bool, len(want))
	for _, name := range want {
		if _, ok := s.bindings[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}
