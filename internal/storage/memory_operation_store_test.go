package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cleanse-io/cleanse/internal/operations"
)

func newRunningOperation(id string, startedAt time.Time) *operations.Operation {
	return &operations.Operation{
		ID:        id,
		Status:    operations.StatusRunning,
		StartedAt: startedAt,
	}
}

func TestInMemoryOperationStoreSingleRunning(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOperationStore()

	if err := store.Insert(ctx, newRunningOperation("op-1", time.Now())); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	err := store.Insert(ctx, newRunningOperation("op-2", time.Now()))
	if !errors.Is(err, operations.ErrAnalysisAlreadyRunning) {
		t.Fatalf("second Insert() error = %v, want ErrAnalysisAlreadyRunning", err)
	}

	// A terminal first operation releases the slot.
	op, err := store.GetByID(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}

	op.Status = operations.StatusCompleted
	if err := store.Update(ctx, op); err != nil {
		t.Fatal(err)
	}

	if err := store.Insert(ctx, newRunningOperation("op-2", time.Now())); err != nil {
		t.Fatalf("Insert() after completion error = %v", err)
	}
}

func TestInMemoryOperationStoreConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOperationStore()

	const workers = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for i := range workers {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			op := newRunningOperation(string(rune('a'+n)), time.Now())
			if err := store.Insert(ctx, op); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted %d concurrent Running inserts, want exactly 1", accepted)
	}
}

func TestInMemoryOperationStoreGetCurrentRunning(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOperationStore()

	if _, err := store.GetCurrentRunning(ctx); !errors.Is(err, operations.ErrNoRunningOperation) {
		t.Fatalf("expected ErrNoRunningOperation, got %v", err)
	}

	if err := store.Insert(ctx, newRunningOperation("op-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	running, err := store.GetCurrentRunning(ctx)
	if err != nil {
		t.Fatalf("GetCurrentRunning() error = %v", err)
	}

	if running.ID != "op-1" {
		t.Errorf("running operation = %s, want op-1", running.ID)
	}
}

func TestInMemoryOperationStoreListSummaries(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOperationStore()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"op-a", "op-b", "op-c"} {
		op := &operations.Operation{
			ID:        id,
			Status:    operations.StatusCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Insert(ctx, op); err != nil {
			t.Fatal(err)
		}
	}

	summaries, err := store.ListSummaries(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListSummaries() error = %v", err)
	}

	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}

	// Most recent first.
	if summaries[0].ID != "op-c" || summaries[1].ID != "op-b" {
		t.Errorf("order = [%s %s], want [op-c op-b]", summaries[0].ID, summaries[1].ID)
	}

	rest, err := store.ListSummaries(ctx, 2, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(rest) != 1 || rest[0].ID != "op-a" {
		t.Errorf("skip=2 returned %v, want [op-a]", rest)
	}

	// Zero top means the default page, never an empty one.
	defaulted, err := store.ListSummaries(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(defaulted) != 3 {
		t.Errorf("top=0 returned %d summaries, want all 3 under the default page", len(defaulted))
	}
}

func TestInMemoryOperationStoreUpdateUnknown(t *testing.T) {
	store := NewInMemoryOperationStore()

	err := store.Update(context.Background(), &operations.Operation{ID: "ghost"})
	if !errors.Is(err, operations.ErrOperationNotFound) {
		t.Errorf("Update(ghost) error = %v, want ErrOperationNotFound", err)
	}
}

func TestInMemoryOperationStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOperationStore()

	if err := store.Insert(ctx, newRunningOperation("op-1", time.Now())); err != nil {
		t.Fatal(err)
	}

	first, err := store.GetByID(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}

	first.Status = operations.StatusFailed

	second, err := store.GetByID(ctx, "op-1")
	if err != nil {
		t.Fatal(err)
	}

	if second.Status != operations.StatusRunning {
		t.Error("mutating a returned operation changed the stored one")
	}
}
