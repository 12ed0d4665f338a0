package rules

import "sync"

// Store is the in-process snapshot of every rule type. Swap replaces the
// whole set for a type, so readers either see the previous snapshot or the
// new one, never a half-applied mutation. Sets handed to Swap must not be
// mutated afterwards; mutators clone first.
type Store struct {
	mu   sync.RWMutex
	sets map[RuleType]RuleSet
}

func NewStore() *Store {
	return &Store{sets: make(map[RuleType]RuleSet, len(AllRuleTypes()))}
}

// Get returns the current snapshot for a rule type, or false if the type
// has never been loaded.
func (s *Store) Get(t RuleType) (RuleSet, bool) {
	s.mu.RLock()
	set, ok := s.sets[t]
	s.mu.RUnlock()
	return set, ok
}

// Swap installs a new snapshot for a rule type.
func (s *Store) Swap(t RuleType, set RuleSet) {
	s.mu.Lock()
	s.sets[t] = set
	s.mu.Unlock()
}

// Loaded reports which rule types currently hold a snapshot.
func (s *Store) Loaded() map[RuleType]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[RuleType]bool, len(AllRuleTypes()))
	for _, t := range AllRuleTypes() {
		_, ok := s.sets[t]
		out[t] = ok
	}
	return out
}
