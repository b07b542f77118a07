// Package deploy queues side-effecting actions, folds duplicates
// against the same target while they wait out a debounce window, and
// executes them serially in claimed batches. One git push instead of
// five is the whole point.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/harbor/internal/db"
	"github.com/ldi/harbor/internal/errs"
	"github.com/ldi/harbor/pkg/models"
)

const (
	defaultDebounce      = 30 * time.Second
	defaultMaxBatchSize  = 10
	defaultActionTimeout = 2 * time.Minute
)

// Batcher owns the deploy queue.
type Batcher struct {
	db            *db.DB
	runner        Runner
	workDir       string
	debounce      time.Duration
	maxBatchSize  int
	actionTimeout time.Duration
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithDebounce sets how long a queued action waits for more work to
// merge into it before becoming eligible.
func WithDebounce(d time.Duration) Option {
	return func(b *Batcher) {
		if d >= 0 {
			b.debounce = d
		}
	}
}

// WithMaxBatchSize caps how many actions one batch claims.
func WithMaxBatchSize(n int) Option {
	return func(b *Batcher) {
		if n > 0 {
			b.maxBatchSize = n
		}
	}
}

// WithActionTimeout bounds each external command.
func WithActionTimeout(d time.Duration) Option {
	return func(b *Batcher) {
		if d > 0 {
			b.actionTimeout = d
		}
	}
}

// WithWorkDir sets the working tree commands run in.
func WithWorkDir(dir string) Option {
	return func(b *Batcher) { b.workDir = dir }
}

// WithRunner swaps the command runner, used by tests.
func WithRunner(r Runner) Option {
	return func(b *Batcher) { b.runner = r }
}

func NewBatcher(database *db.DB, opts ...Option) *Batcher {
	b := &Batcher{
		db:            database,
		runner:        execRunner{},
		debounce:      defaultDebounce,
		maxBatchSize:  defaultMaxBatchSize,
		actionTimeout: defaultActionTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Queue adds an action. A mergeable action folds into an existing
// pending action for the same kind and target instead of inserting a
// duplicate; the merge resets the debounce window. The conditional
// update can lose to a concurrent batch claim, in which case the
// action is inserted fresh.
func (b *Batcher) Queue(ctx context.Context, a *models.DeployAction) (*models.DeployAction, error) {
	if !a.Kind.Valid() {
		return nil, errs.NewValidation("kind", fmt.Sprintf("unknown deploy kind %q", a.Kind))
	}
	if a.Target == "" {
		return nil, errs.NewValidation("target", "target is required")
	}

	now := time.Now()
	eligible := now.Add(b.debounce)

	if a.Kind.Mergeable() {
		existing, err := b.db.GetPendingAction(ctx, a.Kind, a.Target)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			merged := existing.Payload
			merged.Merge(a.Payload)
			ok, err := b.db.TryMergeActionPayload(ctx, existing.ID, merged, eligible)
			if err != nil {
				return nil, err
			}
			if ok {
				existing.Payload = merged
				existing.EligibleAfter = eligible
				return existing, nil
			}
			// Lost the race to a batch claim; fall through and
			// queue a fresh action.
		}
	}

	a.ID = uuid.New().String()
	a.Status = models.ActionPending
	a.EligibleAfter = eligible
	if err := b.db.InsertAction(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// CreateBatch claims eligible pending actions into a new batch.
// Returns nil when nothing is eligible. The claim is one conditional
// update, so two concurrent callers split the queue instead of
// double-claiming.
func (b *Batcher) CreateBatch(ctx context.Context) (*models.DeployBatch, error) {
	return b.createBatch(ctx, time.Now())
}

func (b *Batcher) createBatch(ctx context.Context, horizon time.Time) (*models.DeployBatch, error) {
	batchID := uuid.New().String()
	actions, err := b.db.ClaimEligibleActions(ctx, batchID, horizon, b.maxBatchSize)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}

	batch := &models.DeployBatch{ID: batchID, Status: models.BatchPending, Actions: actions}
	if err := b.db.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// ExecuteBatch squashes mergeable members and runs the batch
// serially. Partial failure is normal: each action records its own
// outcome and the batch only counts as failed when nothing succeeded.
func (b *Batcher) ExecuteBatch(ctx context.Context, batchID string) (*models.BatchResult, error) {
	batch, err := b.db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, errs.NewNotFound("batch", batchID)
	}
	if batch.Status != models.BatchPending {
		return nil, errs.NewConflict(fmt.Sprintf("batch %s is %s, not pending", batchID, batch.Status))
	}

	if err := b.db.UpdateBatchStatus(ctx, batchID, models.BatchExecuting); err != nil {
		return nil, err
	}

	runnable, absorbed, err := b.squash(ctx, batch.Actions)
	if err != nil {
		return nil, err
	}

	result := &models.BatchResult{BatchID: batchID}
	for _, a := range runnable {
		if err := b.db.MarkActionStatus(ctx, a.ID, models.ActionExecuting, ""); err != nil {
			return nil, err
		}

		actionCtx, cancel := context.WithTimeout(ctx, b.actionTimeout)
		runErr := b.execute(actionCtx, a)
		cancel()

		// An absorbed member lands or fails with its representative;
		// its status must reflect the command that carried its work.
		members := append([]*models.DeployAction{a}, absorbed[a.ID]...)
		if runErr != nil {
			msg := fmt.Sprintf("%s %s: %v", a.Kind, a.Target, runErr)
			for _, m := range members {
				if err := b.db.MarkActionStatus(ctx, m.ID, models.ActionFailed, msg); err != nil {
					return nil, err
				}
			}
			result.Failed += len(members)
			result.Errors = append(result.Errors, msg)
			continue
		}
		for _, m := range members {
			if err := b.db.MarkActionStatus(ctx, m.ID, models.ActionCompleted, ""); err != nil {
				return nil, err
			}
		}
		result.Executed += len(members)
	}

	status := models.BatchCompleted
	if result.Executed == 0 && result.Failed > 0 {
		status = models.BatchFailed
	}
	if err := b.db.FinishBatch(ctx, batchID, status, result.Executed, result.Failed, result.Errors); err != nil {
		return nil, err
	}
	return result, nil
}

// squash collapses mergeable members sharing a kind and target into
// their first-queued representative. Absorbed actions keep their
// claimed status until the representative runs; their work rides
// along in its payload and they share its outcome.
func (b *Batcher) squash(ctx context.Context, actions []*models.DeployAction) (runnable []*models.DeployAction, absorbed map[string][]*models.DeployAction, err error) {
	reps := make(map[string]*models.DeployAction)
	dirty := make(map[string]bool)
	absorbed = make(map[string][]*models.DeployAction)

	for _, a := range actions {
		if !a.Kind.Mergeable() {
			runnable = append(runnable, a)
			continue
		}
		key := string(a.Kind) + "\x00" + a.Target
		rep, ok := reps[key]
		if !ok {
			reps[key] = a
			runnable = append(runnable, a)
			continue
		}
		rep.Payload.Merge(a.Payload)
		dirty[rep.ID] = true
		absorbed[rep.ID] = append(absorbed[rep.ID], a)
	}

	for _, a := range runnable {
		if dirty[a.ID] {
			if err := b.db.UpdateActionPayload(ctx, a.ID, a.Payload); err != nil {
				return nil, nil, err
			}
		}
	}
	return runnable, absorbed, nil
}

// FlushAll drains the queue regardless of debounce, batch by batch,
// and returns every batch result. Terminates because each pass
// claims pending actions into a batch and executed actions never
// return to pending.
func (b *Batcher) FlushAll(ctx context.Context) ([]*models.BatchResult, error) {
	var results []*models.BatchResult
	for {
		// Anything queued so far has eligible_after at most
		// now+debounce, so this horizon covers the whole queue.
		batch, err := b.createBatch(ctx, time.Now().Add(b.debounce))
		if err != nil {
			return results, err
		}
		if batch == nil {
			return results, nil
		}
		result, err := b.ExecuteBatch(ctx, batch.ID)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
}

// GetBatch returns a batch with its members.
func (b *Batcher) GetBatch(ctx context.Context, batchID string) (*models.DeployBatch, error) {
	batch, err := b.db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, errs.NewNotFound("batch", batchID)
	}
	return batch, nil
}

// GetPendingBatches lists batches awaiting execution.
func (b *Batcher) GetPendingBatches(ctx context.Context) ([]*models.DeployBatch, error) {
	return b.db.PendingBatches(ctx)
}
