package sqlstash

import (
	"slices"
	"testing"
)

func TestBag_KeepsDuplicatesAndOrder(t *testing.T) {
	var b Bag[int]
	for _, v := range []int{3, 1, 3} {
		b.Collect(v)
	}
	if !slices.Equal(b.Items, []int{3, 1, 3}) {
		t.Errorf("bag %v", b.Items)
	}
	b.Reset()
	if len(b.Items) != 0 {
		t.Errorf("bag after reset %v", b.Items)
	}
}

func TestSet_CollapsesDuplicates(t *testing.T) {
	var s Set[string]
	for _, v := range []string{"a", "b", "a"} {
		s.Collect(v)
	}
	if len(s.Items) != 2 || !s.Contains("a") || !s.Contains("b") {
		t.Errorf("set %v", s.Items)
	}
	s.Reset()
	if s.Contains("a") {
		t.Error("set should be empty after reset")
	}
}

func TestMultiset_CountsDuplicates(t *testing.T) {
	var m Multiset[string]
	for _, v := range []string{"a", "b", "a"} {
		m.Collect(v)
	}
	if m.Counts["a"] != 2 || m.Counts["b"] != 1 {
		t.Errorf("multiset %v", m.Counts)
	}
}

func TestMultimap_GroupsUnderKeys(t *testing.T) {
	var m Multimap[string, int]
	m.CollectPair("k", 1)
	m.CollectPair("k", 1)
	m.CollectPair("j", 2)
	if !slices.Equal(m.Items["k"], []int{1, 1}) || !slices.Equal(m.Items["j"], []int{2}) {
		t.Errorf("multimap %v", m.Items)
	}
}

func TestGroupedSets_CollapsesPerKey(t *testing.T) {
	var g GroupedSets[string, int]
	g.CollectPair("k", 1)
	g.CollectPair("k", 1)
	g.CollectPair("k", 2)
	if len(g.Items["k"]) != 2 {
		t.Errorf("grouped sets %v", g.Items)
	}
}

func TestPairs_FlattensMultimap(t *testing.T) {
	var got []string
	for k, v := range Pairs(map[string][]int{"a": {1, 1}, "b": {2}}) {
		got = append(got, k+string(rune('0'+v)))
	}
	slices.Sort(got)
	if !slices.Equal(got, []string{"a1", "a1", "b2"}) {
		t.Errorf("pairs %v", got)
	}
}

func TestPairs_EarlyStop(t *testing.T) {
	n := 0
	for range Pairs(map[string][]int{"a": {1, 2, 3}}) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("yielded %d pairs after break", n)
	}
}

func TestSetPairs_FlattensGroupedSets(t *testing.T) {
	n := 0
	for k, v := range SetPairs(map[string]map[int]struct{}{"a": {1: {}, 2: {}}}) {
		if k != "a" || (v != 1 && v != 2) {
			t.Errorf("unexpected pair %q %d", k, v)
		}
		n++
	}
	if n != 2 {
		t.Errorf("yielded %d pairs, want 2", n)
	}
}

func TestRepeat_ExpandsCounts(t *testing.T) {
	var got []string
	for v := range Repeat(map[string]int{"a": 2, "b": 1}) {
		got = append(got, v)
	}
	slices.Sort(got)
	if !slices.Equal(got, []string{"a", "a", "b"}) {
		t.Errorf("repeat %v", got)
	}
}
