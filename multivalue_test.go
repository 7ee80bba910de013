package sqlstash

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
)

func newTestMultiValue(t *testing.T) *KeyMultiValue[string, string] {
	t.Helper()
	sess := memorySession(t)
	mv, err := NewKeyMultiValue[string, string](context.Background(), sess)
	if err != nil {
		t.Fatalf("NewKeyMultiValue: %v", err)
	}
	return mv
}

func sortedValues(t *testing.T, mv *KeyMultiValue[string, string], key string) []string {
	t.Helper()
	vs, err := mv.Values(context.Background(), key)
	if err != nil {
		t.Fatalf("Values(%q): %v", key, err)
	}
	slices.Sort(vs)
	return vs
}

func TestKeyMultiValue_InsertAccumulatesMultiplicity(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	for range 3 {
		if err := mv.Insert(ctx, "k", "v"); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	n, err := mv.GetValueCount(ctx, "k", "v")
	if err != nil || n != 3 {
		t.Errorf("GetValueCount: %d err %v, want 3", n, err)
	}

	// A Bag sees the multiplicity expanded, a Set collapses it.
	var bag Bag[string]
	found, err := mv.Find(ctx, "k", &bag)
	if err != nil || !found {
		t.Fatalf("Find: found %v err %v", found, err)
	}
	if len(bag.Items) != 3 {
		t.Errorf("bag %v, want 3 copies", bag.Items)
	}
	var set Set[string]
	if _, err := mv.Find(ctx, "k", &set); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(set.Items) != 1 {
		t.Errorf("set %v, want 1 distinct value", set.Items)
	}
}

func TestKeyMultiValue_SharedValuesAcrossKeys(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Insert(ctx, "k1", "shared"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mv.Insert(ctx, "k2", "shared"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := mv.RemoveKey(ctx, "k1"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}
	// k2 keeps the shared value.
	if got := sortedValues(t, mv, "k2"); !slices.Equal(got, []string{"shared"}) {
		t.Errorf("k2 values %v, want [shared]", got)
	}
	if got := sortedValues(t, mv, "k1"); len(got) != 0 {
		t.Errorf("k1 values %v, want none", got)
	}
}

func TestKeyMultiValue_RemovePair(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	for range 2 {
		if err := mv.Insert(ctx, "k", "a"); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := mv.Insert(ctx, "k", "b"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Remove drops the whole association regardless of multiplicity.
	if err := mv.Remove(ctx, "k", "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := sortedValues(t, mv, "k"); !slices.Equal(got, []string{"b"}) {
		t.Errorf("values %v, want [b]", got)
	}

	// Removing an absent pair is a no-op.
	if err := mv.Remove(ctx, "k", "a"); err != nil {
		t.Errorf("Remove absent pair: %v", err)
	}
}

func TestKeyMultiValue_SetValueCount(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Insert(ctx, "k", "v"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mv.SetValueCount(ctx, "k", "v", 5); err != nil {
		t.Fatalf("SetValueCount: %v", err)
	}
	n, _ := mv.GetValueCount(ctx, "k", "v")
	if n != 5 {
		t.Errorf("count %d, want 5", n)
	}

	// Zero deletes the association.
	if err := mv.SetValueCount(ctx, "k", "v", 0); err != nil {
		t.Fatalf("SetValueCount(0): %v", err)
	}
	n, _ = mv.GetValueCount(ctx, "k", "v")
	if n != 0 {
		t.Errorf("count after delete %d, want 0", n)
	}
	if got := sortedValues(t, mv, "k"); len(got) != 0 {
		t.Errorf("values %v, want none", got)
	}
}

func TestKeyMultiValue_CountAndClear(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Insert(ctx, "k1", "a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mv.Insert(ctx, "k1", "b"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mv.Insert(ctx, "k2", "a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := mv.Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("Count: %d err %v, want 2 distinct keys", n, err)
	}

	if err := mv.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	empty, _ := mv.Empty(ctx)
	if !empty {
		t.Error("store should be empty after Clear")
	}
}

func TestKeyMultiValue_AppendAccumulates(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Append(ctx, Pairs(map[string][]string{"k": {"v", "v"}})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mv.Append(ctx, Pairs(map[string][]string{"k": {"v"}})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, _ := mv.GetValueCount(ctx, "k", "v")
	if n != 3 {
		t.Errorf("count %d, want 3 accumulated", n)
	}
}

func TestKeyMultiValue_ReconcileMultiplicityAccounting(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	// Seed with counts that must be rewritten.
	if err := mv.Append(ctx, Pairs(map[string][]string{"k": {"v", "v", "v", "v"}})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mv.Reconcile(ctx, Pairs(map[string][]string{"k": {"v", "v"}})); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	n, _ := mv.GetValueCount(ctx, "k", "v")
	if n != 2 {
		t.Errorf("count %d, want exactly the source repetition 2", n)
	}

	var bag Bag[string]
	if _, err := mv.Find(ctx, "k", &bag); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(bag.Items) != 2 {
		t.Errorf("bag %v, want 2 copies", bag.Items)
	}
}

func TestKeyMultiValue_ReconcilePurgesStaleAssociations(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	// Both keys and both values survive the reconcile; only the cross
	// pairings disappear.
	if err := mv.Append(ctx, Pairs(map[string][]string{
		"k1": {"a", "b"},
		"k2": {"a", "b"},
	})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mv.Reconcile(ctx, Pairs(map[string][]string{
		"k1": {"a"},
		"k2": {"b"},
	})); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := sortedValues(t, mv, "k1"); !slices.Equal(got, []string{"a"}) {
		t.Errorf("k1 values %v, want [a]", got)
	}
	if got := sortedValues(t, mv, "k2"); !slices.Equal(got, []string{"b"}) {
		t.Errorf("k2 values %v, want [b]", got)
	}
}

func TestKeyMultiValue_ReconcileAbortLeavesStoreIntact(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Append(ctx, Pairs(map[string][]string{
		"k1": {"a", "a"},
		"k2": {"b"},
	})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Cancel after the first pair has been staged and interned inside the
	// transaction: the whole reconcile must roll back.
	cctx, cancel := context.WithCancel(ctx)
	seq := func(yield func(string, string) bool) {
		if !yield("k3", "c") {
			return
		}
		cancel()
		yield("k4", "d")
	}
	err := mv.Reconcile(cctx, seq)
	if err == nil {
		t.Fatal("canceled Reconcile should fail")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err %v, want context.Canceled in chain", err)
	}

	var mm Multimap[string, string]
	if err := mv.Load(ctx, &mm); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, vs := range mm.Items {
		slices.Sort(vs)
	}
	want := map[string][]string{"k1": {"a", "a"}, "k2": {"b"}}
	if !maps.EqualFunc(mm.Items, want, slices.Equal) {
		t.Errorf("contents after aborted reconcile %v, want %v", mm.Items, want)
	}

	// The session stays usable.
	if err := mv.Reconcile(ctx, Pairs(map[string][]string{"z": {"y"}})); err != nil {
		t.Fatalf("Reconcile after abort: %v", err)
	}
	n, _ := mv.GetValueCount(ctx, "z", "y")
	if n != 1 {
		t.Errorf("count %d, want 1", n)
	}
}

func TestKeyMultiValue_FindReportsKeyPresence(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	var bag Bag[string]
	found, err := mv.Find(ctx, "absent", &bag)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found {
		t.Error("absent key reported present")
	}

	if err := mv.Insert(ctx, "k", "v"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	found, err = mv.Find(ctx, "k", &bag)
	if err != nil || !found {
		t.Fatalf("Find: found %v err %v, want present", found, err)
	}

	// Removing the only association keeps the key interned: present with
	// no values, distinguishable from an absent key.
	if err := mv.Remove(ctx, "k", "v"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	var none Bag[string]
	found, err = mv.Find(ctx, "k", &none)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found || len(none.Items) != 0 {
		t.Errorf("found %v values %v, want present with no values", found, none.Items)
	}

	// RemoveKey deletes the key record itself.
	if err := mv.RemoveKey(ctx, "k"); err != nil {
		t.Fatalf("RemoveKey: %v", err)
	}
	found, err = mv.Find(ctx, "k", &none)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found {
		t.Error("removed key reported present")
	}
}

func TestKeyMultiValue_ReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	src := map[string][]string{"k1": {"a", "a"}, "k2": {"b"}}
	for range 2 {
		if err := mv.Reconcile(ctx, Pairs(src)); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		var mm Multimap[string, string]
		if err := mv.Load(ctx, &mm); err != nil {
			t.Fatalf("Load: %v", err)
		}
		for _, vs := range mm.Items {
			slices.Sort(vs)
		}
		want := map[string][]string{"k1": {"a", "a"}, "k2": {"b"}}
		if !maps.EqualFunc(mm.Items, want, slices.Equal) {
			t.Errorf("contents %v, want %v", mm.Items, want)
		}
	}
}

func TestKeyMultiValue_ReconcileEmptySource(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Append(ctx, Pairs(map[string][]string{"k": {"a", "b"}})); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mv.Reconcile(ctx, Pairs(map[string][]string(nil))); err != nil {
		t.Fatalf("Reconcile empty: %v", err)
	}
	empty, err := mv.Empty(ctx)
	if err != nil || !empty {
		t.Errorf("Empty: %v err %v, want true", empty, err)
	}
}

func TestKeyMultiValue_LoadExpandsMultiplicity(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	if err := mv.Append(ctx, Pairs(map[string][]string{"k": {"v", "v"}})); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var ms Multiset[string]
	if _, err := mv.Find(ctx, "k", &ms); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ms.Counts["v"] != 2 {
		t.Errorf("multiset %v, want v:2", ms.Counts)
	}

	var gs GroupedSets[string, string]
	if err := mv.Load(ctx, &gs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(gs.Items["k"]) != 1 {
		t.Errorf("grouped sets %v, want one distinct value under k", gs.Items)
	}
}

func TestKeyMultiValue_GroupedSetsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mv := newTestMultiValue(t)

	src := map[string]map[string]struct{}{
		"k1": {"a": {}, "b": {}},
		"k2": {"b": {}},
	}
	if err := mv.Reconcile(ctx, SetPairs(src)); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var gs GroupedSets[string, string]
	if err := mv.Load(ctx, &gs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !maps.EqualFunc(gs.Items, src, maps.Equal) {
		t.Errorf("contents %v, want %v", gs.Items, src)
	}
}

func TestKeyMultiValue_IntegerKeysFloatValues(t *testing.T) {
	ctx := context.Background()
	sess := memorySession(t)
	mv, err := NewKeyMultiValue[int64, float64](ctx, sess)
	if err != nil {
		t.Fatalf("NewKeyMultiValue: %v", err)
	}

	if err := mv.Insert(ctx, 1, 0.5); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mv.Insert(ctx, 1, 2.25); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	vs, err := mv.Values(ctx, 1)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	slices.Sort(vs)
	if !slices.Equal(vs, []float64{0.5, 2.25}) {
		t.Errorf("values %v", vs)
	}
}
