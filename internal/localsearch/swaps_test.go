package localsearch

import "testing"

func schedule(rows [][]string, starts []int) Schedule[string] {
	costs := make([]float64, len(rows))
	s, err := NewSchedule(rows, starts, costs)
	if err != nil {
		panic(err)
	}
	return s
}

func TestEnumerateSwapsCountMatchesMultichoose(t *testing.T) {
	// Single row [A,B,C], no frozen prefix: A,B,C each appear once, so
	// each may only move within the row. For each, toRow range is just
	// the row itself, rowSize after removal is 2, start 0 -> multichoose
	// count = C(2+1-0,1) = 3 candidate positions, minus 1 identity swap.
	s := schedule([][]string{{"A", "B", "C"}}, []int{0})
	swaps := EnumerateSwaps(s)
	wantPerItem := 3 - 1 // 3 candidate positions minus the identity swap
	want := wantPerItem * 3
	if len(swaps) != want {
		t.Fatalf("got %d swaps, want %d", len(swaps), want)
	}
}

func TestEnumerateSwapsDedupSuppressesRepeats(t *testing.T) {
	s := schedule([][]string{{"A", "A", "B"}}, []int{0})
	swaps := EnumerateSwaps(s)
	items := map[string]int{}
	for _, sw := range swaps {
		items[sw.Item]++
	}
	if len(items) != 2 {
		t.Fatalf("expected exactly 2 distinct source items, got %d (%v)", len(items), items)
	}
}

func TestEnumerateSwapsFrozenPrefixNeverSource(t *testing.T) {
	// X only ever appears in the frozen prefix: it must never be a swap
	// source (scenario 3 from spec.md §8).
	s := schedule([][]string{{"X", "A", "B"}}, []int{1})
	swaps := EnumerateSwaps(s)
	for _, sw := range swaps {
		if sw.Item == "X" {
			t.Fatalf("item confined to frozen prefix was proposed as a swap source: %+v", sw)
		}
	}
}

func TestEnumerateSwapsSingleOccurrenceStaysIntraRow(t *testing.T) {
	s := schedule([][]string{{"A"}, {"B"}}, []int{0, 0})
	swaps := EnumerateSwaps(s)
	for _, sw := range swaps {
		if sw.FromRow != sw.ToRow {
			t.Fatalf("single-occurrence item proposed an inter-row swap: %+v", sw)
		}
	}
}

func TestEnumerateSwapsMultiOccurrenceCanCrossRows(t *testing.T) {
	s := schedule([][]string{{"A", "A", "B"}, {"C"}}, []int{0, 0})
	swaps := EnumerateSwaps(s)
	sawInterRow := false
	for _, sw := range swaps {
		if sw.Item == "A" && sw.FromRow != sw.ToRow {
			sawInterRow = true
		}
	}
	if !sawInterRow {
		t.Fatal("multi-occurrence item never proposed an inter-row swap")
	}
}

func TestEnumerateSwapsNoIdentitySwap(t *testing.T) {
	s := schedule([][]string{{"A", "B", "C"}}, []int{0})
	swaps := EnumerateSwaps(s)
	for _, sw := range swaps {
		if sw.FromRow != sw.ToRow {
			continue
		}
		// Reconstruct the original occurrence positions and check the
		// candidate doesn't reproduce them exactly.
		occs := indicesOf(s.Rows[sw.FromRow], sw.Item)
		if intSliceEqual(occs, sw.InsertionIndices) {
			t.Fatalf("identity swap leaked through: %+v", sw)
		}
	}
}

func TestEnumerateSwapsEveryTupleUnique(t *testing.T) {
	s := schedule([][]string{{"A", "B"}, {"A", "C"}}, []int{0, 0})
	swaps := EnumerateSwaps(s)
	seen := map[string]bool{}
	for _, sw := range swaps {
		key := sw.Item
		for _, idx := range sw.InsertionIndices {
			key += "|" + string(rune('a'+idx))
		}
		key += "#" + string(rune('0'+sw.FromRow)) + string(rune('0'+sw.ToRow))
		if seen[key] {
			t.Fatalf("duplicate swap tuple emitted: %+v", sw)
		}
		seen[key] = true
	}
}
