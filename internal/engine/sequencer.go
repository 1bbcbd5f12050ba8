package engine

import "sync"

// Sequencer stamps every switch attempt with a globally increasing id and
// remembers, per session key, the most recently begun attempt. A response is
// only applied if its attempt is still the latest for its key; everything
// else is discarded on arrival.
//
// Ids are comparable by recency only. The counter is instance-owned so
// independent engines (and tests) never interfere.
type Sequencer struct {
	mu     sync.Mutex
	next   uint64
	latest map[string]uint64
}

func NewSequencer() *Sequencer {
	return &Sequencer{latest: make(map[string]uint64)}
}

// Begin allocates a fresh attempt id and records it as the latest for key.
func (s *Sequencer) Begin(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.latest[key] = s.next
	return s.next
}

// IsLatest reports whether attempt is still the most recently begun attempt
// for key.
func (s *Sequencer) IsLatest(key string, attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[key] == attempt
}
