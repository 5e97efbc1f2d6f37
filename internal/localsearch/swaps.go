package localsearch

// Swap is a candidate 2-opt move: relocate every occurrence of Item out
// of FromRow and insert it at InsertionIndices in ToRow. If FromRow ==
// ToRow, InsertionIndices is interpreted against the row with the item
// already removed.
type Swap[T comparable] struct {
	Item             T
	FromRow, ToRow   int
	InsertionIndices []int
}

// EnumerateSwaps is C3: it returns every candidate swap for schedule, in
// canonical order (rows outer, positions inner), exactly once per
// distinct item.
//
// Dedup is scoped to positions >= StartIndices[row]: an item is only
// considered "seen" once it has been encountered at or after its row's
// frozen-prefix boundary somewhere in the scan so far. An item that
// appears only inside a frozen prefix (never at a mutable position in any
// row) is therefore never selected as a swap source, matching the source
// behavior described in spec.md's design notes: "distinct-item dedup is
// based on the scan order from startIndex onward."
func EnumerateSwaps[T comparable](schedule Schedule[T]) []Swap[T] {
	var swaps []Swap[T]
	seen := make(map[T]struct{})
	for fromRow, row := range schedule.Rows {
		start := schedule.StartIndices[fromRow]
		for pos := start; pos < len(row); pos++ {
			item := row[pos]
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			swaps = append(swaps, swapsForItem(schedule, item, fromRow)...)
		}
	}
	return swaps
}

// swapsForItem emits every swap relocating item out of fromRow. occs is
// computed across the item's *entire* fromRow, including any frozen-
// prefix occurrences — only the insertion side is restricted to
// positions >= startIndex (rule 4). A single-occurrence item may only
// move within its own row (rule 3); a multi-occurrence item may move to
// any row, including its own.
func swapsForItem[T comparable](schedule Schedule[T], item T, fromRow int) []Swap[T] {
	occs := indicesOf(schedule.Rows[fromRow], item)

	var toRows []int
	if len(occs) == 1 {
		toRows = []int{fromRow}
	} else {
		toRows = make([]int, len(schedule.Rows))
		for i := range toRows {
			toRows[i] = i
		}
	}

	var swaps []Swap[T]
	for _, toRow := range toRows {
		rowSize := len(schedule.Rows[toRow])
		if toRow == fromRow {
			rowSize -= len(occs)
		}
		gen := NewInsertionIndexGenerator(len(occs), rowSize, schedule.StartIndices[toRow])
		for {
			indices, ok := gen.Next()
			if !ok {
				break
			}
			if toRow == fromRow && intSliceEqual(indices, occs) {
				// identity swap: would leave the row unchanged (rule 5).
				continue
			}
			swaps = append(swaps, Swap[T]{
				Item:             item,
				FromRow:          fromRow,
				ToRow:            toRow,
				InsertionIndices: indices,
			})
		}
	}
	return swaps
}

func indicesOf[T comparable](row []T, item T) []int {
	var out []int
	for i, v := range row {
		if v == item {
			out = append(out, i)
		}
	}
	return out
}

func intSliceEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
