package opt

import "testing"

func TestImproveOrder2OptReducesDistance(t *testing.T) {
	nodes := []StopNode{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 3},
		{Lat: 0, Lng: 1},
		{Lat: 0, Lng: 2},
	}
	order := []int{0, 1, 2, 3} // visits 0,3,1,2 in longitude -> crossed path
	improved := ImproveOrder2Opt(nodes, order, 10)

	before := pathDistance(nodes, order)
	after := pathDistance(nodes, improved)
	if after > before {
		t.Fatalf("2-opt made the route worse: %v -> %v", before, after)
	}
}

func TestImproveOrder2OptShortRouteUnchanged(t *testing.T) {
	nodes := []StopNode{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}}
	order := []int{0, 1}
	got := ImproveOrder2Opt(nodes, order, 5)
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected unchanged two-stop route, got %v", got)
	}
}

func TestImproveOrder2OptZeroIterationsStillRunsOnce(t *testing.T) {
	nodes := []StopNode{
		{Lat: 0, Lng: 0},
		{Lat: 0, Lng: 3},
		{Lat: 0, Lng: 1},
		{Lat: 0, Lng: 2},
	}
	order := []int{0, 1, 2, 3}
	got := ImproveOrder2Opt(nodes, order, 0)
	if len(got) != len(order) {
		t.Fatalf("expected a full permutation back, got %v", got)
	}
}
