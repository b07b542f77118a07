package db

import (
	"context"
	"testing"

	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

func mustCreateTask(t *testing.T, db *DB, task *models.Task) *models.Task {
	t.Helper()
	if err := db.CreateTask(context.Background(), task, "test"); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestCreateTask(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "build the thing"})

	if len(task.ID) != 8 {
		t.Errorf("Expected 8-char id, got %q", task.ID)
	}
	if task.Status != models.TaskStatusOpen {
		t.Errorf("Expected open status, got %s", task.Status)
	}
	if task.Type != models.TaskTypeTask {
		t.Errorf("Expected default type task, got %s", task.Type)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be populated")
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil || got.Title != "build the thing" {
		t.Fatalf("Round trip failed: %+v", got)
	}

	activity, err := db.GetTaskActivity(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("GetTaskActivity failed: %v", err)
	}
	if len(activity) != 1 || activity[0].Activity != models.ActivityCreated {
		t.Errorf("Expected one 'created' activity, got %+v", activity)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	cases := []struct {
		name string
		task *models.Task
	}{
		{"empty title", &models.Task{Title: "  "}},
		{"priority too high", &models.Task{Title: "x", Priority: 5}},
		{"priority negative", &models.Task{Title: "x", Priority: -1}},
		{"bad type", &models.Task{Title: "x", Type: "milestone"}},
		{"terminal status", &models.Task{Title: "x", Status: models.TaskStatusDone}},
	}
	for _, tc := range cases {
		err := db.CreateTask(ctx, tc.task, "test")
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		var verr *errs.ValidationError
		if !errs.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %T", tc.name, err)
		}
	}
}

func TestGetTaskMissing(t *testing.T) {
	db := testDB(t)

	got, err := db.GetTask(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing task, got %+v", got)
	}
}

func TestListTasksFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustCreateTask(t, db, &models.Task{Title: "bug one", Type: models.TaskTypeBug, Priority: 1, Labels: []string{"auth"}})
	mustCreateTask(t, db, &models.Task{Title: "chore one", Type: models.TaskTypeChore, Priority: 3})

	typ := models.TaskTypeBug
	tasks, err := db.ListTasks(ctx, models.TaskFilter{Type: &typ})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "bug one" {
		t.Errorf("Type filter returned %+v", tasks)
	}

	label := "auth"
	tasks, err = db.ListTasks(ctx, models.TaskFilter{Label: &label})
	if err != nil {
		t.Fatalf("ListTasks by label failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Title != "bug one" {
		t.Errorf("Label filter returned %+v", tasks)
	}

	tasks, err = db.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks unfiltered failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(tasks))
	}
	// Highest urgency first.
	if tasks[0].Title != "bug one" {
		t.Errorf("Expected priority ordering, got %s first", tasks[0].Title)
	}
}

func TestUpdateTaskHistory(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "original", Priority: 2})

	task.Title = "renamed"
	task.Priority = 0
	if err := db.UpdateTask(ctx, task, "agent-1"); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	history, err := db.GetTaskHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 history rows, got %d", len(history))
	}
	fields := map[string]bool{}
	for _, h := range history {
		fields[h.Field] = true
		if h.Actor != "agent-1" {
			t.Errorf("Expected actor agent-1, got %s", h.Actor)
		}
	}
	if !fields["title"] || !fields["priority"] {
		t.Errorf("Expected title and priority changes, got %v", fields)
	}
}

func TestUpdateTaskTerminalRejected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "closing"})
	if err := db.CloseTask(ctx, task.ID, models.TaskStatusDone, "shipped", "test"); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	task.Title = "too late"
	err := db.UpdateTask(ctx, task, "test")
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Errorf("Expected ConflictError updating closed task, got %v", err)
	}

	// Terminal status cannot be entered through update either.
	other := mustCreateTask(t, db, &models.Task{Title: "still open"})
	other.Status = models.TaskStatusDone
	err = db.UpdateTask(ctx, other, "test")
	var verr *errs.ValidationError
	if !errs.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestUpdateTaskRejectsUnknownStatus(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "status check"})
	task.Status = "banana"
	err := db.UpdateTask(ctx, task, "test")
	var verr *errs.ValidationError
	if !errs.As(err, &verr) {
		t.Fatalf("Expected ValidationError for unknown status, got %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusOpen {
		t.Errorf("Rejected status persisted: %s", got.Status)
	}
	history, err := db.GetTaskHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Rejected update left history rows: %+v", history)
	}
}

func TestCreateTaskRetriesOnIDCollision(t *testing.T) {
	db := testDB(t)

	seq := [][]byte{
		{0xde, 0xad, 0xbe, 0xef},
		{0xde, 0xad, 0xbe, 0xef},
		{0x01, 0x02, 0x03, 0x04},
	}
	calls := 0
	orig := randRead
	randRead = func(b []byte) (int, error) {
		i := calls
		if i >= len(seq) {
			i = len(seq) - 1
		}
		copy(b, seq[i])
		calls++
		return len(b), nil
	}
	defer func() { randRead = orig }()

	first := mustCreateTask(t, db, &models.Task{Title: "first"})
	if first.ID != "deadbeef" {
		t.Fatalf("Expected generated id deadbeef, got %q", first.ID)
	}

	// The second create collides once and retries with a fresh id.
	second := mustCreateTask(t, db, &models.Task{Title: "second"})
	if second.ID != "01020304" {
		t.Errorf("Expected retried id 01020304, got %q", second.ID)
	}
	if calls != 3 {
		t.Errorf("Expected 3 id draws, got %d", calls)
	}

	// A generator stuck on a taken id exhausts its retries.
	randRead = func(b []byte) (int, error) {
		copy(b, seq[0])
		return len(b), nil
	}
	err := db.CreateTask(context.Background(), &models.Task{Title: "doomed"}, "test")
	var serr *errs.StoreError
	if !errs.As(err, &serr) {
		t.Errorf("Expected StoreError after exhausting retries, got %v", err)
	}
}

func TestCloseTaskIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "close me"})

	if err := db.CloseTask(ctx, task.ID, models.TaskStatusDone, "finished", "test"); err != nil {
		t.Fatalf("First close failed: %v", err)
	}
	if err := db.CloseTask(ctx, task.ID, models.TaskStatusDone, "again", "test"); err != nil {
		t.Fatalf("Second close should be a no-op, got: %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusDone {
		t.Errorf("Expected done, got %s", got.Status)
	}
	if got.ClosedAt == nil {
		t.Error("Expected closed_at to be set")
	}
	if got.CloseReason == nil || *got.CloseReason != "finished" {
		t.Errorf("Expected original close reason to survive, got %v", got.CloseReason)
	}

	if err := db.CloseTask(ctx, task.ID, models.TaskStatusOpen, "", "test"); err == nil {
		t.Error("Expected error closing with non-terminal status")
	}
}

func TestCloseTaskRecordsAudit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "audited"})
	if err := db.CloseTask(ctx, task.ID, models.TaskStatusWontDo, "superseded", "test"); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	history, err := db.GetTaskHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTaskHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 history row, got %d", len(history))
	}
	h := history[0]
	if h.Field != "status" || h.OldValue != "open" || h.NewValue != "wont_do" {
		t.Errorf("Unexpected history row: %+v", h)
	}

	activity, err := db.GetTaskActivity(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("GetTaskActivity failed: %v", err)
	}
	var sawClosed bool
	for _, a := range activity {
		if a.Activity == models.ActivityClosed && a.Detail == "superseded" {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Errorf("Expected a closed activity entry, got %+v", activity)
	}
}

func TestReadyAndBlocked(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	b := mustCreateTask(t, db, &models.Task{Title: "b"})
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	ready, err := db.ReadyTasks(ctx)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Errorf("Expected only b ready, got %+v", ready)
	}

	blocked, err := db.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].ID != a.ID {
		t.Errorf("Expected only a blocked, got %+v", blocked)
	}

	// Closing the blocker frees the dependent.
	if err := db.CloseTask(ctx, b.ID, models.TaskStatusDone, "", "test"); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}
	ready, err = db.ReadyTasks(ctx)
	if err != nil {
		t.Fatalf("ReadyTasks failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Errorf("Expected a ready after blocker closed, got %+v", ready)
	}
}

func TestGetTaskWithRelations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	parent := mustCreateTask(t, db, &models.Task{Title: "epic", Type: models.TaskTypeEpic})
	child := mustCreateTask(t, db, &models.Task{Title: "child", ParentID: &parent.ID})
	blocker := mustCreateTask(t, db, &models.Task{Title: "blocker"})
	if err := db.AddDependency(ctx, child.ID, blocker.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	r, err := db.GetTaskWithRelations(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetTaskWithRelations failed: %v", err)
	}
	if !r.IsBlocked || r.IsReady {
		t.Errorf("Expected blocked and not ready, got blocked=%v ready=%v", r.IsBlocked, r.IsReady)
	}
	if len(r.BlockedBy) != 1 || r.BlockedBy[0].ID != blocker.ID {
		t.Errorf("Expected blocker in BlockedBy, got %+v", r.BlockedBy)
	}
	if r.Parent == nil || r.Parent.ID != parent.ID {
		t.Errorf("Expected parent resolved, got %+v", r.Parent)
	}

	pr, err := db.GetTaskWithRelations(ctx, parent.ID)
	if err != nil {
		t.Fatalf("GetTaskWithRelations failed: %v", err)
	}
	if len(pr.Children) != 1 || pr.Children[0].ID != child.ID {
		t.Errorf("Expected child listed, got %+v", pr.Children)
	}

	var nferr *errs.NotFoundError
	if _, err := db.GetTaskWithRelations(ctx, "deadbeef"); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestClaimTask(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "claim me"})

	claimed, err := db.ClaimTask(ctx, task.ID, "agent-1")
	if err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}
	if claimed.Status != models.TaskStatusInProgress || claimed.Assignee != "agent-1" {
		t.Errorf("Unexpected claim result: %+v", claimed)
	}

	// Second claimant is told who holds it.
	_, err = db.ClaimTask(ctx, task.ID, "agent-2")
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	if cerr.Holder != "agent-1" {
		t.Errorf("Expected holder agent-1, got %q", cerr.Holder)
	}

	// Unknown task.
	var nferr *errs.NotFoundError
	if _, err := db.ClaimTask(ctx, "deadbeef", "agent-1"); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestClaimBlockedTask(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "dependent"})
	b := mustCreateTask(t, db, &models.Task{Title: "prerequisite"})
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	_, err := db.ClaimTask(ctx, a.ID, "agent-1")
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Fatalf("Expected ConflictError for blocked task, got %v", err)
	}
	if len(cerr.TaskIDs) != 1 || cerr.TaskIDs[0] != b.ID {
		t.Errorf("Expected blocker id %s, got %v", b.ID, cerr.TaskIDs)
	}
}

func TestReleaseTask(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	task := mustCreateTask(t, db, &models.Task{Title: "release me"})
	if _, err := db.ClaimTask(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ClaimTask failed: %v", err)
	}

	// The wrong agent cannot release.
	err := db.ReleaseTask(ctx, task.ID, "agent-2")
	var cerr *errs.ConflictError
	if !errs.As(err, &cerr) {
		t.Errorf("Expected ConflictError, got %v", err)
	}

	if err := db.ReleaseTask(ctx, task.ID, "agent-1"); err != nil {
		t.Fatalf("ReleaseTask failed: %v", err)
	}
	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusOpen || got.Assignee != "" {
		t.Errorf("Expected task back in the pool, got %+v", got)
	}

	claims, err := db.CountActiveClaims(ctx)
	if err != nil {
		t.Fatalf("CountActiveClaims failed: %v", err)
	}
	if claims != 0 {
		t.Errorf("Expected 0 claims after release, got %d", claims)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "doomed"})
	b := mustCreateTask(t, db, &models.Task{Title: "survivor"})
	if err := db.AddDependency(ctx, a.ID, b.ID, models.DependencyBlocks); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if err := db.DeleteTask(ctx, a.ID); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}

	deps, err := db.GetDependencies(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetDependencies failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("Expected dependency rows gone, got %+v", deps)
	}

	var nferr *errs.NotFoundError
	if err := db.DeleteTask(ctx, a.ID); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError on second delete, got %v", err)
	}
}

func TestStats(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateTask(t, db, &models.Task{Title: "a"})
	mustCreateTask(t, db, &models.Task{Title: "b"})
	if err := db.CloseTask(ctx, a.ID, models.TaskStatusDone, "", "test"); err != nil {
		t.Fatalf("CloseTask failed: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Expected 2 total, got %d", stats.Total)
	}
	if stats.ByStatus[models.TaskStatusDone] != 1 || stats.ByStatus[models.TaskStatusOpen] != 1 {
		t.Errorf("Unexpected status breakdown: %+v", stats.ByStatus)
	}
	if stats.Ready != 1 {
		t.Errorf("Expected 1 ready, got %d", stats.Ready)
	}
}
