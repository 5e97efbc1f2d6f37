package localsearch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
)

// Scenario 1: no-improvement fixed point.
func TestBFSOpt2NoImprovementFixedPoint(t *testing.T) {
	s, _ := NewSchedule([][]string{{"A", "B"}}, []int{0}, []float64{1})
	called := false
	listener := func(Schedule[string], float64) { called = true }
	out, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, constantEvaluator(1.0), nil, listener)
	if err != nil {
		t.Fatal(err)
	}
	if !sliceEqual(out.Rows[0], []string{"A", "B"}) {
		t.Fatalf("schedule changed: %v", out.Rows[0])
	}
	if called {
		t.Fatal("listener should never be called when nothing improves")
	}
}

// Scenario 2: trivial intra-row improvement converges to [C,B,A].
func TestBFSOpt2TrivialIntraRowImprovement(t *testing.T) {
	s, _ := NewSchedule([][]string{{"A", "B", "C"}}, []int{0}, []float64{
		targetCost([]string{"A", "B", "C"}, map[string]int{"A": 2, "B": 1, "C": 0}),
	})
	eval := targetPositionEvaluator(map[string]int{"A": 2, "B": 1, "C": 0})
	out, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !sliceEqual(out.Rows[0], []string{"C", "B", "A"}) {
		t.Fatalf("got %v, want [C B A]", out.Rows[0])
	}
	if out.Objective != 0 {
		t.Fatalf("expected objective 0 at optimum, got %v", out.Objective)
	}
}

func targetCost(seq []string, target map[string]int) float64 {
	total := 0.0
	for pos, item := range seq {
		total += math.Abs(float64(pos - target[item]))
	}
	return total
}

// Scenario 3: frozen prefix respected, X never moves.
func TestBFSOpt2FrozenPrefixRespected(t *testing.T) {
	// evaluator prefers [X,B,A] over [X,A,B] over anything not starting with X.
	eval := func(_ struct{}, _ int, seq []string) (float64, error) {
		if len(seq) == 0 || seq[0] != "X" {
			return 1000, nil
		}
		if len(seq) == 3 && seq[1] == "B" && seq[2] == "A" {
			return 0, nil
		}
		return 1, nil
	}
	s, _ := NewSchedule([][]string{{"X", "A", "B"}}, []int{1}, []float64{1})
	out, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !sliceEqual(out.Rows[0], []string{"X", "B", "A"}) {
		t.Fatalf("got %v, want [X B A]", out.Rows[0])
	}
	if out.Rows[0][0] != "X" {
		t.Fatal("frozen item X moved")
	}
}

// Scenario 4: inter-row transfer of A into row 1. A occurs twice in row 0
// because the swap enumerator only moves single-occurrence items within
// their own row; each A costs 10 extra while it sits in row 0.
func TestBFSOpt2InterRowTransfer(t *testing.T) {
	eval := func(_ struct{}, row int, seq []string) (float64, error) {
		total := float64(len(seq))
		for _, it := range seq {
			if it == "A" && row == 0 {
				total += 10
			}
		}
		return total, nil
	}
	rows := [][]string{{"A", "A", "B"}, {"C"}}
	costs := make([]float64, 2)
	for i, row := range rows {
		costs[i], _ = eval(struct{}{}, i, row)
	}
	s, _ := NewSchedule(rows, []int{0, 0}, costs)
	out, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	foundA := false
	for _, row := range out.Rows {
		for _, it := range row {
			if it == "A" {
				foundA = true
			}
		}
	}
	if !foundA {
		t.Fatal("item A disappeared from the schedule")
	}
	aInRow1 := false
	for _, it := range out.Rows[1] {
		if it == "A" {
			aInRow1 = true
		}
	}
	if !aInRow1 {
		t.Fatalf("expected A to move to row 1, got rows %v", out.Rows)
	}
	if out.Objective >= s.Objective {
		t.Fatalf("objective did not improve: %v -> %v", s.Objective, out.Objective)
	}
}

// Scenario 5: DFS determinism under a fixed seed.
func TestDFSOpt2DeterministicUnderSeed(t *testing.T) {
	build := func() Schedule[string] {
		s, _ := NewSchedule([][]string{{"A", "B", "C"}}, []int{0}, []float64{
			targetCost([]string{"A", "B", "C"}, map[string]int{"A": 2, "B": 1, "C": 0}),
		})
		return s
	}
	eval := targetPositionEvaluator(map[string]int{"A": 2, "B": 1, "C": 0})

	run := func(seed int64) Schedule[string] {
		rng := rand.New(rand.NewSource(seed))
		out, err := DFSOpt2[struct{}](context.Background(), build(), struct{}{}, eval, rng, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}

	a := run(42)
	b := run(42)
	if !sliceEqual(a.Rows[0], b.Rows[0]) || a.Objective != b.Objective {
		t.Fatalf("same seed produced different results: %v vs %v", a.Rows[0], b.Rows[0])
	}
	if a.Objective > build().Objective {
		t.Fatal("DFS must never worsen the objective")
	}
}

// Scenario 6: cancellation observed before the first swap is processed.
func TestSearchCancellationBeforeFirstSwap(t *testing.T) {
	s, _ := NewSchedule([][]string{{"A", "B", "C"}}, []int{0}, []float64{
		targetCost([]string{"A", "B", "C"}, map[string]int{"A": 2, "B": 1, "C": 0}),
	})
	eval := targetPositionEvaluator(map[string]int{"A": 2, "B": 1, "C": 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := BFSOpt2[struct{}](ctx, s, struct{}{}, eval, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBFSOpt2NeverWorsens(t *testing.T) {
	eval := targetPositionEvaluator(map[string]int{"A": 0, "B": 1, "C": 2, "D": 3})
	rows := [][]string{{"D", "C", "B", "A"}}
	cost := targetCost(rows[0], map[string]int{"A": 0, "B": 1, "C": 2, "D": 3})
	s, _ := NewSchedule(rows, []int{0}, []float64{cost})
	out, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Objective > s.Objective {
		t.Fatalf("BFS worsened objective: %v -> %v", s.Objective, out.Objective)
	}
}

func TestBFSOpt2Deterministic(t *testing.T) {
	build := func() Schedule[string] {
		rows := [][]string{{"D", "C", "B", "A"}}
		cost := targetCost(rows[0], map[string]int{"A": 0, "B": 1, "C": 2, "D": 3})
		s, _ := NewSchedule(rows, []int{0}, []float64{cost})
		return s
	}
	eval := targetPositionEvaluator(map[string]int{"A": 0, "B": 1, "C": 2, "D": 3})
	a, err := BFSOpt2[struct{}](context.Background(), build(), struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := BFSOpt2[struct{}](context.Background(), build(), struct{}{}, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !sliceEqual(a.Rows[0], b.Rows[0]) || a.Objective != b.Objective {
		t.Fatal("BFS is not deterministic on identical inputs")
	}
}

func TestListenerSeesOnlyImprovingSnapshots(t *testing.T) {
	rows := [][]string{{"D", "C", "B", "A"}}
	target := map[string]int{"A": 0, "B": 1, "C": 2, "D": 3}
	cost := targetCost(rows[0], target)
	s, _ := NewSchedule(rows, []int{0}, []float64{cost})
	eval := targetPositionEvaluator(target)

	prevObjective := s.Objective
	listener := func(snap Schedule[string], objective float64) {
		if objective >= prevObjective {
			t.Fatalf("listener saw a non-improving snapshot: %v >= %v", objective, prevObjective)
		}
		prevObjective = objective
	}
	_, err := BFSOpt2[struct{}](context.Background(), s, struct{}{}, eval, nil, listener)
	if err != nil {
		t.Fatal(err)
	}
}

func TestRowLengthStartIndexContextUnchangedAcrossSearch(t *testing.T) {
	type ctxKey struct{ tag string }
	ctx := ctxKey{tag: "immutable"}
	rows := [][]string{{"D", "C", "B", "A"}, {"E"}}
	target := map[string]int{"A": 0, "B": 1, "C": 2, "D": 3, "E": 0}
	costs := []float64{targetCost(rows[0], target), targetCost(rows[1], target)}
	s, _ := NewSchedule(rows, []int{0, 0}, costs)

	var seenCtx ctxKey
	eval := func(c ctxKey, _ int, seq []string) (float64, error) {
		seenCtx = c
		return targetCost(seq, target), nil
	}
	out, err := BFSOpt2[ctxKey](context.Background(), s, ctx, eval, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seenCtx != ctx {
		t.Fatal("context was not threaded through unchanged")
	}
	if len(out.Rows) != len(s.Rows) {
		t.Fatal("row count changed")
	}
	for i := range out.StartIndices {
		if out.StartIndices[i] != s.StartIndices[i] {
			t.Fatal("start indices changed")
		}
	}
}
