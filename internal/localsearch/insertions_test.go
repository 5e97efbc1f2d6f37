package localsearch

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestInsertionIndexGeneratorCount(t *testing.T) {
	cases := []struct {
		k, n, start int
		want        int64
	}{
		{k: 0, n: 5, start: 2},
		{k: 1, n: 3, start: 0},
		{k: 2, n: 3, start: 0},
		{k: 3, n: 3, start: 3}, // start == n: single emission of k copies of n
	}
	for _, c := range cases {
		g := NewInsertionIndexGenerator(c.k, c.n, c.start)
		var got int64
		for {
			_, ok := g.Next()
			if !ok {
				break
			}
			got++
		}
		if got != g.Count() {
			t.Fatalf("k=%d n=%d start=%d: emitted %d, Count() reports %d", c.k, c.n, c.start, got, g.Count())
		}
	}
}

func TestInsertionIndexGeneratorKZeroEdgeCase(t *testing.T) {
	g := NewInsertionIndexGenerator(0, 5, 2)
	first, ok := g.Next()
	if !ok || len(first) != 0 {
		t.Fatalf("k=0 should emit a single empty IndexList, got %v, ok=%v", first, ok)
	}
	if _, ok := g.Next(); ok {
		t.Fatal("k=0 should emit exactly once")
	}
}

func TestInsertionIndexGeneratorStartEqualsN(t *testing.T) {
	g := NewInsertionIndexGenerator(3, 4, 4)
	first, ok := g.Next()
	if !ok {
		t.Fatal("expected one emission")
	}
	want := []int{4, 4, 4}
	if !reflect.DeepEqual(first, want) {
		t.Fatalf("got %v, want %v", first, want)
	}
	if _, ok := g.Next(); ok {
		t.Fatal("start==n should emit exactly once")
	}
}

func TestInsertionIndexGeneratorLexOrderNoDuplicates(t *testing.T) {
	g := NewInsertionIndexGenerator(2, 3, 0)
	var all [][]int
	for {
		idx, ok := g.Next()
		if !ok {
			break
		}
		all = append(all, idx)
	}
	seen := map[string]bool{}
	for i, idx := range all {
		key := fmt.Sprint(idx)
		if seen[key] {
			t.Fatalf("duplicate emission at position %d: %v", i, idx)
		}
		seen[key] = true
		for j := 1; j < len(idx); j++ {
			if idx[j] < idx[j-1] {
				t.Fatalf("emission %v not non-decreasing", idx)
			}
		}
		if i > 0 {
			prev := all[i-1]
			if lexLess(idx, prev) {
				t.Fatalf("emission %v is out of lexicographic order after %v", idx, prev)
			}
		}
	}
}

func lexLess(a, b []int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func TestInsertBasic(t *testing.T) {
	list := []string{"a", "b", "c"}
	got, err := Insert(list, []int{0, 2, 3}, "X")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"X", "a", "b", "X", "c", "X"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestInsertSamePositionTwice(t *testing.T) {
	list := []string{"a", "b"}
	got, err := Insert(list, []int{1, 1}, "X")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "X", "X", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestInsertRoundTrip(t *testing.T) {
	list := []string{"a", "b", "c"}
	indices := []int{1, 2}
	inserted, err := Insert(list, indices, "X")
	if err != nil {
		t.Fatal(err)
	}
	back, _ := removeAll(inserted, "X")
	if !reflect.DeepEqual(back, list) {
		t.Fatalf("round trip failed: got %v, want %v", back, list)
	}
}

func TestInsertRejectsEmptyIndices(t *testing.T) {
	_, err := Insert([]string{"a"}, nil, "X")
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}

func TestInsertRejectsNonAscending(t *testing.T) {
	_, err := Insert([]string{"a", "b"}, []int{1, 0}, "X")
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}

func TestInsertRejectsOutOfRange(t *testing.T) {
	_, err := Insert([]string{"a", "b"}, []int{3}, "X")
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("expected ErrContractViolation, got %v", err)
	}
}
