package bus

import "sync"

// PatternSet is a thread-safe set of topic patterns. Subscription sets
// are small (a handful of patterns per client) so Matches iterates.
type PatternSet struct {
	mu       sync.RWMutex
	patterns map[string]struct{}
}

// NewPatternSet creates a set holding the given patterns.
func NewPatternSet(patterns ...string) *PatternSet {
	s := &PatternSet{patterns: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		s.patterns[p] = struct{}{}
	}
	return s
}

// Add inserts patterns into the set.
func (s *PatternSet) Add(patterns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		s.patterns[p] = struct{}{}
	}
}

// Remove deletes patterns from the set.
func (s *PatternSet) Remove(patterns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		delete(s.patterns, p)
	}
}

// Matches reports whether any pattern in the set covers topic.
func (s *PatternSet) Matches(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

// List returns a copy of the patterns.
func (s *PatternSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.patterns))
	for p := range s.patterns {
		out = append(out, p)
	}
	return out
}

// Count returns the number of patterns.
func (s *PatternSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}
