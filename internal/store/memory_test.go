package store

import (
	"context"
	"errors"
	"testing"

	"gpsnav/internal/model"
)

func TestMemorySaveAndGetOptimizerRun(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	run := model.OptimizerRun{ID: "run1", TenantID: "t1", Status: "running", Policy: "bfs"}
	if err := m.SaveOptimizerRun(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.GetOptimizerRun(ctx, "t1", "run1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "running" {
		t.Fatalf("want status running, got %s", got.Status)
	}

	run.Status = "completed"
	run.BestCost = 42
	if err := m.SaveOptimizerRun(ctx, run); err != nil {
		t.Fatalf("update save: %v", err)
	}
	got, err = m.GetOptimizerRun(ctx, "t1", "run1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Status != "completed" || got.BestCost != 42 {
		t.Fatalf("update not reflected: %+v", got)
	}
}

func TestMemoryGetOptimizerRunWrongTenant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SaveOptimizerRun(ctx, model.OptimizerRun{ID: "run1", TenantID: "t1"})
	_, err := m.GetOptimizerRun(ctx, "t2", "run1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryListOptimizerRunsPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		_ = m.SaveOptimizerRun(ctx, model.OptimizerRun{ID: id, TenantID: "t1"})
	}
	page1, cursor1, err := m.ListOptimizerRuns(ctx, "t1", "", 2)
	if err != nil {
		t.Fatalf("list page1: %v", err)
	}
	if len(page1) != 2 || cursor1 == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page1), cursor1)
	}
	page2, cursor2, err := m.ListOptimizerRuns(ctx, "t1", cursor1, 2)
	if err != nil {
		t.Fatalf("list page2: %v", err)
	}
	if len(page2) != 2 || cursor2 == "" {
		t.Fatalf("expected 2 more items and a cursor, got %d items cursor=%q", len(page2), cursor2)
	}
	page3, cursor3, err := m.ListOptimizerRuns(ctx, "t1", cursor2, 2)
	if err != nil {
		t.Fatalf("list page3: %v", err)
	}
	if len(page3) != 1 || cursor3 != "" {
		t.Fatalf("expected final partial page with no next cursor, got %d items cursor=%q", len(page3), cursor3)
	}
}

func TestMemoryListOptimizerRunsEmptyTenant(t *testing.T) {
	m := NewMemory()
	items, cursor, err := m.ListOptimizerRuns(context.Background(), "nobody", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 || cursor != "" {
		t.Fatalf("expected empty result, got %d items cursor=%q", len(items), cursor)
	}
}
