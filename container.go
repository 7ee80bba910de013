package sqlstash

import "iter"

// Collector receives values streamed out of a store. The implementation
// decides container semantics: Bag keeps duplicates in arrival order, Set
// collapses them, Multiset counts them.
//
// Reset drops everything collected so far. Reads restart from scratch after
// contention, so a collector must tolerate Reset followed by re-collection.
type Collector[V any] interface {
	Collect(v V)
	Reset()
}

// PairCollector receives key/value pairs streamed out of an associative
// store.
type PairCollector[K, V any] interface {
	CollectPair(k K, v V)
	Reset()
}

// Bag collects values in arrival order, keeping duplicates.
type Bag[V any] struct {
	Items []V
}

func (b *Bag[V]) Collect(v V) { b.Items = append(b.Items, v) }
func (b *Bag[V]) Reset()      { b.Items = b.Items[:0] }

// Set collects values collapsing duplicates.
type Set[V comparable] struct {
	Items map[V]struct{}
}

func (s *Set[V]) Collect(v V) {
	if s.Items == nil {
		s.Items = make(map[V]struct{})
	}
	s.Items[v] = struct{}{}
}

func (s *Set[V]) Reset() { clear(s.Items) }

// Contains reports membership.
func (s *Set[V]) Contains(v V) bool {
	_, ok := s.Items[v]
	return ok
}

// Multiset collects values counting occurrences.
type Multiset[V comparable] struct {
	Counts map[V]int
}

func (m *Multiset[V]) Collect(v V) {
	if m.Counts == nil {
		m.Counts = make(map[V]int)
	}
	m.Counts[v]++
}

func (m *Multiset[V]) Reset() { clear(m.Counts) }

// Multimap groups values under their key, keeping duplicates per key.
type Multimap[K comparable, V any] struct {
	Items map[K][]V
}

func (m *Multimap[K, V]) CollectPair(k K, v V) {
	if m.Items == nil {
		m.Items = make(map[K][]V)
	}
	m.Items[k] = append(m.Items[k], v)
}

func (m *Multimap[K, V]) Reset() { clear(m.Items) }

// GroupedSets groups values under their key, collapsing duplicates per key.
type GroupedSets[K, V comparable] struct {
	Items map[K]map[V]struct{}
}

func (g *GroupedSets[K, V]) CollectPair(k K, v V) {
	if g.Items == nil {
		g.Items = make(map[K]map[V]struct{})
	}
	set := g.Items[k]
	if set == nil {
		set = make(map[V]struct{})
		g.Items[k] = set
	}
	set[v] = struct{}{}
}

func (g *GroupedSets[K, V]) Reset() { clear(g.Items) }

// Pairs flattens a map of value slices into a pair sequence, one pair per
// slice element. The inverse of collecting into a Multimap.
func Pairs[K comparable, V any](m map[K][]V) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, vs := range m {
			for _, v := range vs {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}

// SetPairs flattens a map of value sets into a pair sequence. The inverse of
// collecting into GroupedSets.
func SetPairs[K, V comparable](m map[K]map[V]struct{}) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, set := range m {
			for v := range set {
				if !yield(k, v) {
					return
				}
			}
		}
	}
}

// Repeat expands occurrence counts into a value sequence, yielding each
// value count times. The inverse of collecting into a Multiset.
func Repeat[V comparable](counts map[V]int) iter.Seq[V] {
	return func(yield func(V) bool) {
		for v, n := range counts {
			for range n {
				if !yield(v) {
					return
				}
			}
		}
	}
}
