package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

// stubRunner records every command and fails the ones whose joined
// command line contains failOn.
type stubRunner struct {
	mu     sync.Mutex
	calls  []string
	failOn string
}

func (r *stubRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, line)
	r.mu.Unlock()
	if r.failOn != "" && strings.Contains(line, r.failOn) {
		return "exit status 1", errors.New("exit status 1")
	}
	return "", nil
}

func (r *stubRunner) called(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func testBatcher(t *testing.T, opts ...Option) (*Batcher, *stubRunner, *db.DB) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	runner := &stubRunner{}
	opts = append([]Option{WithRunner(runner)}, opts...)
	return NewBatcher(database, opts...), runner, database
}

func TestQueueMergesPendingCommits(t *testing.T) {
	b, _, database := testBatcher(t)
	ctx := context.Background()

	first, err := b.Queue(ctx, &models.DeployAction{
		Kind:    models.DeployCommit,
		Target:  "main",
		Payload: models.DeployPayload{Messages: []string{"fix a"}, Files: []string{"a.ts"}},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	second, err := b.Queue(ctx, &models.DeployAction{
		Kind:    models.DeployCommit,
		Target:  "main",
		Payload: models.DeployPayload{Messages: []string{"fix b"}, Files: []string{"b.ts"}},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("Expected merge into the pending action, got new id %s", second.ID)
	}
	if len(second.Payload.Messages) != 2 || len(second.Payload.Files) != 2 {
		t.Errorf("Expected merged payload, got %+v", second.Payload)
	}

	pending, err := database.CountPendingDeploys(ctx)
	if err != nil {
		t.Fatalf("CountPendingDeploys failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("Expected 1 pending action after merge, got %d", pending)
	}
}

func TestQueueValidation(t *testing.T) {
	b, _, _ := testBatcher(t)
	ctx := context.Background()

	var verr *errs.ValidationError
	_, err := b.Queue(ctx, &models.DeployAction{Kind: "teleport", Target: "main"})
	if !errs.As(err, &verr) {
		t.Errorf("Expected ValidationError for unknown kind, got %v", err)
	}
	_, err = b.Queue(ctx, &models.DeployAction{Kind: models.DeployPush})
	if !errs.As(err, &verr) {
		t.Errorf("Expected ValidationError for missing target, got %v", err)
	}
}

func TestDebounceDelaysBatching(t *testing.T) {
	b, _, _ := testBatcher(t, WithDebounce(time.Hour))
	ctx := context.Background()

	if _, err := b.Queue(ctx, &models.DeployAction{Kind: models.DeployCommit, Target: "main"}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil {
		t.Fatalf("CreateBatch failed: %v", err)
	}
	if batch != nil {
		t.Errorf("Expected no batch while debounce holds, got %+v", batch)
	}
}

func TestExecuteBatchRunsMergedCommit(t *testing.T) {
	b, runner, _ := testBatcher(t, WithDebounce(0))
	ctx := context.Background()

	for _, c := range []struct{ msg, file string }{{"fix a", "a.ts"}, {"fix b", "b.ts"}} {
		_, err := b.Queue(ctx, &models.DeployAction{
			Kind:    models.DeployCommit,
			Target:  "main",
			Payload: models.DeployPayload{Messages: []string{c.msg}, Files: []string{c.file}},
		})
		if err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}
	result, err := b.ExecuteBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if result.Executed != 1 || result.Failed != 0 {
		t.Errorf("Expected 1 executed, got %+v", result)
	}

	if !runner.called("git add -- a.ts b.ts") {
		t.Errorf("Expected both files staged, calls: %v", runner.calls)
	}
	if !runner.called("Batch commit (2 changes)") {
		t.Errorf("Expected itemized commit message, calls: %v", runner.calls)
	}
}

func TestExecuteBatchPartialFailure(t *testing.T) {
	b, runner, database := testBatcher(t, WithDebounce(0))
	runner.failOn = "git push"
	ctx := context.Background()

	actions := []*models.DeployAction{
		{Kind: models.DeployCommit, Target: "main", Payload: models.DeployPayload{Messages: []string{"fix"}}},
		{Kind: models.DeployPush, Target: "main"},
		{Kind: models.DeployDeploy, Target: "prod", Payload: models.DeployPayload{Command: "true"}},
	}
	for _, a := range actions {
		if _, err := b.Queue(ctx, a); err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}
	result, err := b.ExecuteBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	if result.Executed+result.Failed != 3 {
		t.Errorf("Expected all 3 actions accounted for, got executed=%d failed=%d", result.Executed, result.Failed)
	}
	if result.Executed != 2 || result.Failed != 1 {
		t.Errorf("Expected 2 executed and 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "push") {
		t.Errorf("Expected the push failure recorded, got %v", result.Errors)
	}

	// One failure does not fail the batch.
	got, err := database.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Status != models.BatchCompleted {
		t.Errorf("Expected completed batch, got %s", got.Status)
	}
	for _, a := range got.Actions {
		switch a.Kind {
		case models.DeployPush:
			if a.Status != models.ActionFailed {
				t.Errorf("Expected push failed, got %s", a.Status)
			}
		default:
			if a.Status != models.ActionCompleted {
				t.Errorf("Expected %s completed, got %s", a.Kind, a.Status)
			}
		}
	}
}

func TestExecuteBatchAllFailed(t *testing.T) {
	b, runner, database := testBatcher(t, WithDebounce(0))
	runner.failOn = "git"
	ctx := context.Background()

	if _, err := b.Queue(ctx, &models.DeployAction{Kind: models.DeployPush, Target: "main"}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}
	result, err := b.ExecuteBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if result.Executed != 0 || result.Failed != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}

	got, err := database.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Status != models.BatchFailed {
		t.Errorf("Expected failed batch when nothing succeeded, got %s", got.Status)
	}
}

func TestExecuteBatchErrors(t *testing.T) {
	b, _, _ := testBatcher(t, WithDebounce(0))
	ctx := context.Background()

	var nferr *errs.NotFoundError
	if _, err := b.ExecuteBatch(ctx, "nope"); !errs.As(err, &nferr) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	if _, err := b.Queue(ctx, &models.DeployAction{Kind: models.DeployCommit, Target: "main"}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}
	if _, err := b.ExecuteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	var cerr *errs.ConflictError
	if _, err := b.ExecuteBatch(ctx, batch.ID); !errs.As(err, &cerr) {
		t.Errorf("Expected ConflictError on re-execution, got %v", err)
	}
}

func TestFlushAllDrainsQueue(t *testing.T) {
	b, _, database := testBatcher(t, WithMaxBatchSize(2))
	ctx := context.Background()

	// Distinct targets so nothing merges at queue time; the default
	// debounce would otherwise hold all of these back.
	for _, target := range []string{"a", "b", "c", "d", "e"} {
		if _, err := b.Queue(ctx, &models.DeployAction{Kind: models.DeployPush, Target: target}); err != nil {
			t.Fatalf("Queue failed: %v", err)
		}
	}

	results, err := b.FlushAll(ctx)
	if err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Expected 3 batches of at most 2, got %d", len(results))
	}
	total := 0
	for _, r := range results {
		total += r.Executed + r.Failed
	}
	if total != 5 {
		t.Errorf("Expected all 5 actions flushed, got %d", total)
	}

	pending, err := database.CountPendingDeploys(ctx)
	if err != nil {
		t.Fatalf("CountPendingDeploys failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty queue after flush, got %d", pending)
	}
}

func TestSquashCollapsesDuplicates(t *testing.T) {
	b, runner, database := testBatcher(t, WithDebounce(0))
	ctx := context.Background()

	// Insert both directly so they stay distinct rows; queue-time
	// merging would fold them before a batch ever forms.
	for _, msg := range []string{"fix a", "fix b"} {
		a := &models.DeployAction{
			Kind:    models.DeployCommit,
			Target:  "main",
			Payload: models.DeployPayload{Messages: []string{msg}},
		}
		a.ID = msg[len(msg)-1:] + "-action"
		if err := database.InsertAction(ctx, a); err != nil {
			t.Fatalf("InsertAction failed: %v", err)
		}
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil || len(batch.Actions) != 2 {
		t.Fatalf("CreateBatch failed: %v (batch=%+v)", err, batch)
	}
	result, err := b.ExecuteBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	// One commit ran; the absorbed action still counts as executed.
	if result.Executed != 2 || result.Failed != 0 {
		t.Errorf("Unexpected result: %+v", result)
	}
	commits := 0
	runner.mu.Lock()
	for _, c := range runner.calls {
		if strings.Contains(c, "git commit") {
			commits++
		}
	}
	runner.mu.Unlock()
	if commits != 1 {
		t.Errorf("Expected exactly one git commit, got %d (%v)", commits, runner.calls)
	}
	if !runner.called("Batch commit (2 changes)") {
		t.Errorf("Expected squashed commit message, calls: %v", runner.calls)
	}
}

func TestSquashFailureFailsAbsorbedMembers(t *testing.T) {
	b, runner, database := testBatcher(t, WithDebounce(0))
	runner.failOn = "git"
	ctx := context.Background()

	for _, id := range []string{"a-action", "b-action"} {
		a := &models.DeployAction{
			ID:      id,
			Kind:    models.DeployCommit,
			Target:  "main",
			Payload: models.DeployPayload{Messages: []string{id}},
		}
		if err := database.InsertAction(ctx, a); err != nil {
			t.Fatalf("InsertAction failed: %v", err)
		}
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil || len(batch.Actions) != 2 {
		t.Fatalf("CreateBatch failed: %v (batch=%+v)", err, batch)
	}
	result, err := b.ExecuteBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}

	// Nothing ran, so the absorbed member fails with its
	// representative and the batch fails too.
	if result.Executed != 0 || result.Failed != 2 {
		t.Errorf("Unexpected result: %+v", result)
	}

	got, err := database.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Status != models.BatchFailed {
		t.Errorf("Expected failed batch, got %s", got.Status)
	}
	for _, a := range got.Actions {
		if a.Status != models.ActionFailed {
			t.Errorf("Expected action %s failed, got %s", a.ID, a.Status)
		}
		if a.Error == nil {
			t.Errorf("Expected action %s to carry the failure message", a.ID)
		}
	}
}

func TestGetPendingBatchesIncludesMembers(t *testing.T) {
	b, _, _ := testBatcher(t, WithDebounce(0))
	ctx := context.Background()

	if _, err := b.Queue(ctx, &models.DeployAction{Kind: models.DeployCommit, Target: "main"}); err != nil {
		t.Fatalf("Queue failed: %v", err)
	}
	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}

	pending, err := b.GetPendingBatches(ctx)
	if err != nil {
		t.Fatalf("GetPendingBatches failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != batch.ID {
		t.Fatalf("Expected the new batch pending, got %+v", pending)
	}
	if len(pending[0].Actions) != 1 || pending[0].Actions[0].Kind != models.DeployCommit {
		t.Errorf("Expected member actions joined, got %+v", pending[0].Actions)
	}
}

func TestWorkflowInputsOrdered(t *testing.T) {
	b, runner, _ := testBatcher(t, WithDebounce(0))
	ctx := context.Background()

	_, err := b.Queue(ctx, &models.DeployAction{
		Kind:   models.DeployWorkflow,
		Target: "ci.yml",
		Payload: models.DeployPayload{
			WorkflowInputs: map[string]string{"env": "prod", "dry_run": "false"},
		},
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	batch, err := b.CreateBatch(ctx)
	if err != nil || batch == nil {
		t.Fatalf("CreateBatch failed: %v (batch=%v)", err, batch)
	}
	if _, err := b.ExecuteBatch(ctx, batch.ID); err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if !runner.called("gh workflow run ci.yml -f dry_run=false -f env=prod") {
		t.Errorf("Expected sorted workflow inputs, calls: %v", runner.calls)
	}
}

func TestCommitMessage(t *testing.T) {
	if got := commitMessage(models.DeployPayload{}); got != "Automated commit" {
		t.Errorf("Empty payload: got %q", got)
	}
	if got := commitMessage(models.DeployPayload{Messages: []string{"fix it"}}); got != "fix it" {
		t.Errorf("Single message: got %q", got)
	}
	got := commitMessage(models.DeployPayload{Messages: []string{"fix a", "fix b"}})
	want := "Batch commit (2 changes):\n- fix a\n- fix b"
	if got != want {
		t.Errorf("Itemized message: got %q, want %q", got, want)
	}
}
