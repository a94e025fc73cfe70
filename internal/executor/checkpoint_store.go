package executor

import (
	"context"

	"github.com/discernus/discernus/internal/store"
)

// StoreCheckpointManager persists checkpoints using the shared store.
type checkpointStore interface {
	UpsertCheckpoint(ctx context.Context, cp store.Checkpoint) error
	MarkCheckpointStatus(ctx context.Context, runID, phase, status string) error
}

type StoreCheckpointManager struct {
	store checkpointStore
}

// NewStoreCheckpointManager constructs a CheckpointManager backed by store.Store.
func NewStoreCheckpointManager(st checkpointStore) *StoreCheckpointManager {
	return &StoreCheckpointManager{store: st}
}

func (m *StoreCheckpointManager) StartRun(ctx context.Context, runID string) error {
	// no-op: we track work at task granularity
	return nil
}

func (m *StoreCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error {
	if m.store == nil {
		return nil
	}
	cp := store.Checkpoint{
		RunID:           runID,
		Phase:           taskPhase(task),
		Status:          store.CheckpointStatusDispatched,
		CheckpointToken: taskToken(task),
		Payload: map[string]interface{}{
			"task_id":     task.ID,
			"document_id": task.DocumentID,
			"payload":     task.Payload,
		},
		Retries: attempt,
	}
	return m.store.UpsertCheckpoint(ctx, cp)
}

func (m *StoreCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error {
	if m.store == nil {
		return nil
	}
	return m.store.MarkCheckpointStatus(ctx, runID, taskPhase(task), store.CheckpointStatusCompleted)
}

func (m *StoreCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error {
	if m.store == nil {
		return nil
	}
	payload := map[string]interface{}{"task_id": task.ID}
	if task.DocumentID != "" {
		payload["document_id"] = task.DocumentID
	}
	if len(task.Payload) > 0 {
		payload["payload"] = task.Payload
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	cp := store.Checkpoint{
		RunID:           runID,
		Phase:           taskPhase(task),
		Status:          store.CheckpointStatusFailed,
		CheckpointToken: taskToken(task),
		Payload:         payload,
		Retries:         attempt,
	}
	return m.store.UpsertCheckpoint(ctx, cp)
}

func taskPhase(task Task) string {
	if task.Phase != "" {
		return task.Phase
	}
	return task.ID
}

func taskToken(task Task) string {
	if task.CheckpointToken != "" {
		return task.CheckpointToken
	}
	return task.ID
}

var _ CheckpointManager = (*StoreCheckpointManager)(nil)
