package executor

import "context"

// CheckpointManager records task-level progress durably. Workers replay
// dispatched-but-unfinished checkpoints after a crash, so implementations
// must tolerate repeated StartRun and SaveTaskStart calls for the same run.
type CheckpointManager interface {
	StartRun(ctx context.Context, runID string) error
	SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error
	SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error
	SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error
}

// NoopCheckpointManager discards all checkpoints. Local one-shot runs use it
// when no durable store is wired in.
type NoopCheckpointManager struct{}

// NewNoopCheckpointManager returns a checkpoint manager that records nothing.
func NewNoopCheckpointManager() *NoopCheckpointManager { return &NoopCheckpointManager{} }

func (NoopCheckpointManager) StartRun(ctx context.Context, runID string) error { return nil }

func (NoopCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error {
	return nil
}

func (NoopCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int) error {
	return nil
}

func (NoopCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error {
	return nil
}
