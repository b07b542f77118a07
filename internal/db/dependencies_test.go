package db

import (
	"context"
	"testing"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

func TestAddDependencyCycleRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})

	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	// The reverse edge closes a cycle.
	err := db.AddDependency(ctx, b.ID, a.ID, models.DependencyBlocks)
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
}

func TestAddDependencyTransitiveCycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})
	c := mustCreateTask(t, db, &models.Task{Title: "c"})

	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := db.AddDependency(ctx, b.ID, c.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	// c -> a would close a three-task loop.
	err := db.AddDependency(ctx, c.ID, a.ID, models.DependencyBlocks)
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Fatalf("Expected ConflictError for transitive cycle, got %v", err)
	}
}

func TestRelatedEdgesExemptFromCycleCheck(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})

	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	// Non-blocking kinds carry no scheduling weight and may point
	// anywhere, including back along a blocking edge.
	if err := db.AddDependency(ctx, b.ID, a.ID, models.DependencyRelated); err != nil {
		t.Errorf("Related edge should be allowed, got: %v", err)
	}
	if err := db.AddDependency(ctx, b.ID, a.ID, models.DependencyDiscoveredFrom); err != nil {
		t.Errorf("Discovered_from edge should be allowed, got: %v", err)
	}
}

func TestAddDependencyValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})

	var verr *errs.ValidationError
	if err := db.AddDependency(ctx, a.ID, a.ID, models.DependencyBlocks); !errs.As(err, &verr) {
		t.Errorf("Expected ValidationError for self-dependency, got %v", err)
	}
	if err := db.AddDependency(ctx, a.ID, b.ID, "requires"); !errs.As(err, &verr) {
		t.Errorf("Expected ValidationError for unknown kind, got %v", err)
	}

	var nferr *errs.NotFoundError
	if err := db.AddDependency(ctx, a.ID, "deadbeef", models.DependencyBlocks); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError for missing task, got %v", err)
	}

	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	var cerr *errs.ConflictError
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); !errs.As(err, &cerr) {
		t.Errorf("Expected ConflictError for duplicate edge, got %v", err)
	}
}

func TestRemoveDependency(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if err := db.RemoveDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}

	var nferr *errs.NotFoundError
	if err := db.RemoveDependency(ctx, a.ID, b.ID, models.DependencyBlocks); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError for absent edge, got %v", err)
	}

	// Removing the edge reopens the cycle-free path both ways.
	if err := db.AddDependency(ctx, b.ID, a.ID, models.DependencyBlocks); err != nil {
		t.Errorf("Reverse edge should be allowed after removal, got: %v", err)
	}
}

func TestGetBlockers(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})
	c := mustCreateTask(t, db, &models.Task{Title: "c"})
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if err := db.AddDependency(ctx, a.ID, c.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if err := db.CloseTask(ctx, b.ID, models.TaskStatusDone, "", "test"); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	// Only live blockers count.
	blockers, err := db.GetBlockers(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetBlockers failed: %v", err)
	}
	if len(blockers) != 1 || blockers[0].ID != c.ID {
		t.Errorf("Expected only c blocking, got %+v", blockers)
	}
}
