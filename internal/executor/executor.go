// Package executor schedules the phase tasks of an analysis run. A run's
// graph carries one analysis-evidence-verification chain per corpus document
// plus a synthesis task that fans in on every verification, and chains for
// independent documents may run concurrently up to a configured width.
package executor

import (
	"context"
	"fmt"
	"time"
)

// Task is one unit of pipeline work: a single phase applied to a single
// document, or the corpus-level synthesis.
type Task struct {
	ID              string
	Phase           string
	DocumentID      string
	DependsOn       []string
	Payload         map[string]interface{}
	CheckpointToken string
	MaxRetries      int
	RetryDelay      time.Duration
}

// Graph is the set of tasks for one run, keyed by task ID.
type Graph struct {
	Tasks map[string]Task
}

// TaskRunner executes the concrete work for a task.
type TaskRunner interface {
	RunTask(ctx context.Context, runID string, task Task) error
}

// Executor dispatches a run's tasks in dependency order, recording progress
// through the checkpoint manager so interrupted runs can resume.
type Executor struct {
	checkpoints CheckpointManager
	metrics     Metrics
	concurrency int
}

// Metrics aggregates optional telemetry callbacks.
type Metrics struct {
	RetryCounter func(context.Context, Task, int)
	Duration     func(context.Context, Task, time.Duration)
}

// Option configures executor behaviour.
type Option func(*Executor)

// WithCheckpointManager sets the checkpoint manager implementation.
func WithCheckpointManager(mgr CheckpointManager) Option {
	return func(ex *Executor) {
		ex.checkpoints = mgr
	}
}

// WithMetrics sets executor metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(ex *Executor) {
		ex.metrics = m
	}
}

// WithConcurrency caps how many ready tasks run at once. Values below 1
// fall back to serial execution.
func WithConcurrency(n int) Option {
	return func(ex *Executor) {
		ex.concurrency = n
	}
}

// New creates a new Executor instance.
func New(opts ...Option) *Executor {
	ex := &Executor{}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// ErrUnknownDependency indicates a dependency reference that is missing from the graph.
var ErrUnknownDependency = fmt.Errorf("unknown dependency")

// ErrCycleDetected indicates the graph contains a cycle.
var ErrCycleDetected = fmt.Errorf("cycle detected")

// Execute runs the graph and returns the IDs of completed tasks in the order
// they finished. The order is always a valid topological order; with
// concurrency above 1 it also depends on task timing. The first task error
// stops new dispatches, in-flight tasks drain, and that error is returned.
func (e *Executor) Execute(ctx context.Context, runID string, g Graph, runner TaskRunner) ([]string, error) {
	indegree, dependents, err := linkGraph(g)
	if err != nil {
		return nil, err
	}

	if e.checkpoints == nil {
		e.checkpoints = NewNoopCheckpointManager()
	}
	if err := e.checkpoints.StartRun(ctx, runID); err != nil {
		return nil, err
	}

	width := e.concurrency
	if width < 1 {
		width = 1
	}

	ready := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome)
	order := make([]string, 0, len(g.Tasks))
	running := 0
	var firstErr error

	for len(ready) > 0 || running > 0 {
		for firstErr == nil && running < width && len(ready) > 0 {
			id := ready[0]
			ready = ready[1:]
			running++
			go func(task Task) {
				done <- outcome{id: task.ID, err: e.runTask(ctx, runID, task, runner)}
			}(g.Tasks[id])
		}
		if running == 0 {
			break
		}
		out := <-done
		running--
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		order = append(order, out.id)
		for _, next := range dependents[out.id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if len(order) != len(g.Tasks) {
		return nil, ErrCycleDetected
	}
	return order, nil
}

// linkGraph validates dependency references and builds the indegree and
// dependents maps used for topological dispatch.
func linkGraph(g Graph) (map[string]int, map[string][]string, error) {
	indegree := make(map[string]int, len(g.Tasks))
	dependents := make(map[string][]string, len(g.Tasks))
	for id := range g.Tasks {
		indegree[id] = 0
	}
	for id, task := range g.Tasks {
		for _, dep := range task.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, nil, fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
			indegree[id]++
		}
	}
	return indegree, dependents, nil
}

// runTask drives one task through its retry loop, checkpointing every
// attempt. It returns nil once an attempt succeeds, or the last run error
// after retries are exhausted.
func (e *Executor) runTask(ctx context.Context, runID string, task Task, runner TaskRunner) error {
	if task.Phase == "" {
		task.Phase = task.ID
	}
	if task.CheckpointToken == "" {
		task.CheckpointToken = task.ID
	}
	maxRetries := task.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		attemptStart := time.Now()
		if err := e.checkpoints.SaveTaskStart(ctx, runID, task, attempt); err != nil {
			return err
		}
		var runErr error
		if runner != nil {
			runErr = runner.RunTask(ctx, runID, task)
		}
		if runErr == nil {
			if err := e.checkpoints.SaveTaskSuccess(ctx, runID, task, attempt); err != nil {
				return err
			}
			if e.metrics.Duration != nil {
				e.metrics.Duration(ctx, task, time.Since(attemptStart))
			}
			return nil
		}
		if err := e.checkpoints.SaveTaskFailure(ctx, runID, task, attempt+1, runErr); err != nil {
			return err
		}
		if e.metrics.RetryCounter != nil {
			e.metrics.RetryCounter(ctx, task, attempt+1)
		}
		if attempt >= maxRetries {
			return runErr
		}
		if task.RetryDelay > 0 {
			time.Sleep(task.RetryDelay)
		}
	}
}
