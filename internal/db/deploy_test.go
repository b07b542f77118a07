package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/pkg/models"
)

func insertAction(t *testing.T, db *DB, kind models.DeployKind, target string, eligible time.Time) *models.DeployAction {
	t.Helper()
	a := &models.DeployAction{
		ID:            uuid.New().String(),
		AgentID:       "test",
		Kind:          kind,
		Target:        target,
		EligibleAfter: eligible,
	}
	if err := db.InsertAction(context.Background(), a); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}
	return a
}

func TestTryMergeActionPayload(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := insertAction(t, db, models.DeployCommit, "main", time.Now())

	merged := models.DeployPayload{Messages: []string{"fix a", "fix b"}, Files: []string{"a.ts", "b.ts"}}
	ok, err := db.TryMergeActionPayload(ctx, a.ID, merged, time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("TryMergeActionPayload failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected merge into pending action to succeed")
	}

	got, err := db.GetPendingAction(ctx, models.DeployCommit, "main")
	if err != nil {
		t.Fatalf("GetPendingAction failed: %v", err)
	}
	if got == nil || len(got.Payload.Messages) != 2 || len(got.Payload.Files) != 2 {
		t.Errorf("Merged payload not persisted: %+v", got)
	}

	// Once the action leaves pending, the merge loses.
	if err := db.MarkActionStatus(ctx, a.ID, models.ActionBatched, ""); err != nil {
		t.Fatalf("MarkActionStatus failed: %v", err)
	}
	ok, err = db.TryMergeActionPayload(ctx, a.ID, merged, time.Now())
	if err != nil {
		t.Fatalf("TryMergeActionPayload failed: %v", err)
	}
	if ok {
		t.Error("Expected merge into batched action to fail")
	}
}

func TestClaimEligibleActions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	ready1 := insertAction(t, db, models.DeployCommit, "main", now.Add(-time.Minute))
	ready2 := insertAction(t, db, models.DeployPush, "main", now.Add(-time.Minute))
	waiting := insertAction(t, db, models.DeployCommit, "dev", now.Add(time.Hour))

	batchID := uuid.New().String()
	claimed, err := db.ClaimEligibleActions(ctx, batchID, now, 10)
	if err != nil {
		t.Fatalf("ClaimEligibleActions failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("Expected 2 claimed, got %d", len(claimed))
	}
	claimedIDs := map[string]bool{}
	for _, a := range claimed {
		claimedIDs[a.ID] = true
		if a.Status != models.ActionBatched || a.BatchID == nil || *a.BatchID != batchID {
			t.Errorf("Claimed action not batched: %+v", a)
		}
	}
	if !claimedIDs[ready1.ID] || !claimedIDs[ready2.ID] {
		t.Errorf("Expected both eligible actions claimed, got %v", claimedIDs)
	}
	if claimedIDs[waiting.ID] {
		t.Error("Debounced action claimed too early")
	}

	// A second claim finds nothing: the queue moves exactly once.
	again, err := db.ClaimEligibleActions(ctx, uuid.New().String(), now, 10)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected nothing left to claim, got %d", len(again))
	}
}

func TestClaimOrdersByPriority(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now()

	low := &models.DeployAction{
		ID: uuid.New().String(), Kind: models.DeployCommit, Target: "a",
		Priority: 0, EligibleAfter: now.Add(-time.Minute),
	}
	high := &models.DeployAction{
		ID: uuid.New().String(), Kind: models.DeployCommit, Target: "b",
		Priority: 5, EligibleAfter: now.Add(-time.Minute),
	}
	if err := db.InsertAction(ctx, low); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}
	if err := db.InsertAction(ctx, high); err != nil {
		t.Fatalf("InsertAction failed: %v", err)
	}

	claimed, err := db.ClaimEligibleActions(ctx, uuid.New().String(), now, 10)
	if err != nil {
		t.Fatalf("ClaimEligibleActions failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != high.ID {
		t.Errorf("Expected high-priority action first, got %+v", claimed)
	}
}

func TestBatchLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := &models.DeployBatch{ID: uuid.New().String(), Status: models.BatchPending}
	if err := db.InsertBatch(ctx, batch); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	a := insertAction(t, db, models.DeployCommit, "main", time.Now().Add(-time.Minute))
	claimed, err := db.ClaimEligibleActions(ctx, batch.ID, time.Now(), 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimEligibleActions failed: %v (%d claimed)", err, len(claimed))
	}

	if err := db.MarkActionStatus(ctx, a.ID, models.ActionFailed, "boom"); err != nil {
		t.Fatalf("MarkActionStatus failed: %v", err)
	}
	if err := db.FinishBatch(ctx, batch.ID, models.BatchFailed, 0, 1, []string{"boom"}); err != nil {
		t.Fatalf("FinishBatch failed: %v", err)
	}

	got, err := db.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if got.Status != models.BatchFailed || got.Failed != 1 {
		t.Errorf("Unexpected batch state: %+v", got)
	}
	if len(got.Actions) != 1 {
		t.Fatalf("Expected member action, got %d", len(got.Actions))
	}
	member := got.Actions[0]
	if member.Status != models.ActionFailed || member.Error == nil || *member.Error != "boom" {
		t.Errorf("Unexpected member state: %+v", member)
	}
	if member.ExecutedAt == nil {
		t.Error("Expected executed_at on failed action")
	}

	missing, err := db.GetBatch(ctx, "nope")
	if err != nil {
		t.Fatalf("GetBatch failed: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for missing batch, got %+v", missing)
	}
}
