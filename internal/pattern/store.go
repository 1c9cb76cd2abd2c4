package pattern

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds rules keyed by signature. Writes are serialized; reads go
// through immutable snapshots.
type Store interface {
	// Upsert runs fn for each signature under the store's write lock. fn gets
	// a pointer to a zero Rule when the signature is new. The updated rules
	// are returned in input order.
	Upsert(sigs []string, fn func(sig string, r *Rule, exists bool)) []Rule
	// Snapshot returns the current rules. Callers must not modify them.
	Snapshot() []Rule
	// MarkApplied adds counts[id] applications to each rule and stamps
	// LastAppliedAt. Version is left unchanged.
	MarkApplied(counts map[string]int, at time.Time) []Rule
	// Replace swaps the whole rule set, as done when loading from a
	// persister.
	Replace(rules []Rule)
	Clear()
	// Version changes whenever the rule set changes.
	Version() uint64
}

type snapshot struct {
	rules   []Rule
	version uint64
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	rules map[string]*Rule
	snap  atomic.Pointer[snapshot]
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{rules: make(map[string]*Rule)}
	s.snap.Store(&snapshot{})
	return s
}

func (s *MemoryStore) Upsert(sigs []string, fn func(sig string, r *Rule, exists bool)) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Rule, 0, len(sigs))
	for _, sig := range sigs {
		r, ok := s.rules[sig]
		if !ok {
			r = &Rule{Signature: sig}
		}
		fn(sig, r, ok)
		r.Signature = sig
		r.recompute()
		s.rules[sig] = r
		out = append(out, r.Clone())
	}
	s.publishLocked(true)
	return out
}

func (s *MemoryStore) Snapshot() []Rule {
	return s.snap.Load().rules
}

func (s *MemoryStore) MarkApplied(counts map[string]int, at time.Time) []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Rule
	for _, r := range s.rules {
		n, ok := counts[r.ID]
		if !ok || n <= 0 {
			continue
		}
		r.Applications += n
		r.LastAppliedAt = at
		out = append(out, r.Clone())
	}
	if len(out) > 0 {
		s.publishLocked(false)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Replace(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[string]*Rule, len(rules))
	for _, r := range rules {
		c := r.Clone()
		c.recompute()
		s.rules[c.Signature] = &c
	}
	s.publishLocked(true)
}

func (s *MemoryStore) Clear() {
	s.Replace(nil)
}

func (s *MemoryStore) Version() uint64 {
	return s.snap.Load().version
}

// publishLocked rebuilds the read snapshot, bumping the version when the
// rule content changed. s.mu must be held.
func (s *MemoryStore) publishLocked(bump bool) {
	rules := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r.Clone())
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	version := s.snap.Load().version
	if bump {
		version++
	}
	s.snap.Store(&snapshot{rules: rules, version: version})
}
