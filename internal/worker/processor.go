package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/discernus/discernus/internal/agent/core"
	"github.com/discernus/discernus/internal/budget"
	"github.com/discernus/discernus/internal/manifest"
	"github.com/discernus/discernus/internal/queue/streams"
	"github.com/discernus/discernus/internal/store"
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	GetExperiment(ctx context.Context, id string) (store.Experiment, bool, error)
	GetRun(ctx context.Context, runID string) (store.Run, bool, error)
	CreateRun(ctx context.Context, experimentID, status string) (string, error)
	SetRunStatus(ctx context.Context, runID, status string) error
	FinishRun(ctx context.Context, runID, status string, errMsg *string, costUSD float64, tokens int64) error
	MarkRunPendingApproval(ctx context.Context, runID string) error
	MarkRunBudgetOverrun(ctx context.Context, runID, reason string) error
	ReplaceRunEvidence(ctx context.Context, runID string, evidence []store.EvidenceRecord) error
	UpsertRunResult(ctx context.Context, runID string, result json.RawMessage) error
	InsertRunManifest(ctx context.Context, rec store.RunManifestRecord) error
	ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]store.Checkpoint, error)
}

// RunExecutor executes one run of an experiment end to end.
type RunExecutor interface {
	Execute(ctx context.Context, runID string, exp store.Experiment) (core.RunResult, manifest.SignedRunManifest, error)
}

// Processor drives run execution by consuming run.enqueued events and
// persisting the outcome.
type Processor struct {
	logger   *log.Logger
	store    StoreAPI
	executor RunExecutor

	consumer  *streams.Consumer
	publisher *streams.Publisher
	tracer    trace.Tracer

	runCounter    otelmetric.Int64Counter
	failCounter   otelmetric.Int64Counter
	resumeCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, exec RunExecutor, pub *streams.Publisher, cons *streams.Consumer, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	p := &Processor{
		logger:    logger,
		store:     st,
		executor:  exec,
		consumer:  cons,
		publisher: pub,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		p.runCounter, err = meter.Int64Counter("worker_runs_processed")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		p.failCounter, err = meter.Int64Counter("worker_runs_failed")
		if err != nil {
			logger.Printf("warn: create failure counter failed: %v", err)
		}
		p.resumeCounter, err = meter.Int64Counter("worker_runs_resumed")
		if err != nil {
			logger.Printf("warn: create resume counter failed: %v", err)
		}
	}
	return p
}

// Start blocks, continuously processing run.enqueued events until the context
// is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", streams.RunStream)
	if err := p.resumePending(ctx); err != nil {
		p.logger.Printf("warn: resume pending runs failed: %v", err)
	}

	claimCursor := "0-0"
	var lastClaim time.Time

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		if time.Since(lastClaim) > time.Minute {
			claimCursor = p.claimStale(ctx, claimCursor)
			lastClaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, streams.RunStream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			if err := p.handleRunEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling run message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, streams.RunStream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// claimStale takes over pending messages whose consumer died mid-run.
func (p *Processor) claimStale(ctx context.Context, cursor string) string {
	msgs, next, err := p.consumer.AutoClaim(ctx, streams.RunStream, time.Minute, cursor, 16)
	if err != nil {
		p.logger.Printf("warn: autoclaim: %v", err)
		return cursor
	}
	for _, msg := range msgs {
		if err := p.handleRunEnqueued(ctx, msg); err != nil {
			p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
		}
		if err := p.consumer.Ack(ctx, streams.RunStream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack reclaimed message %s: %v", msg.ID, err)
		}
	}
	if next == "" {
		return "0-0"
	}
	return next
}

func (p *Processor) handleRunEnqueued(ctx context.Context, msg streams.Message) error {
	if msg.Envelope.EventType != streams.EventRunEnqueued {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "worker.handle_run")
	defer span.End()

	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		return nil
	}

	var payload streams.RunEnqueuedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal run payload: %w", err)
	}
	if payload.ExperimentID == "" {
		return fmt.Errorf("event %s missing experiment id", msg.Envelope.EventID)
	}

	exp, ok, err := p.store.GetExperiment(ctx, payload.ExperimentID)
	if err != nil {
		return fmt.Errorf("get experiment: %w", err)
	}
	if !ok {
		return fmt.Errorf("experiment %s not found", payload.ExperimentID)
	}

	runID := payload.RunID
	if runID == "" {
		runID, err = p.store.CreateRun(ctx, exp.ID, store.RunStatusQueued)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
	}
	if err := p.store.SetRunStatus(ctx, runID, store.RunStatusRunning); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}

	result, signed, err := p.executor.Execute(ctx, runID, exp)
	if err != nil {
		return p.recordFailure(ctx, runID, err)
	}
	if err := p.persistResult(ctx, runID, result, signed); err != nil {
		return err
	}
	if err := p.store.FinishRun(ctx, runID, store.RunStatusSucceeded, nil, result.CostEstimate, result.TokensUsed); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	p.publishFinished(ctx, runID, store.RunStatusSucceeded, result.CostEstimate, "")
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1)
	}
	p.logger.Printf("run %s succeeded: cost=$%.4f tokens=%d cache=%d/%d",
		runID, result.CostEstimate, result.TokensUsed, result.CacheHits, result.CacheHits+result.CacheMisses)
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, runID string, runErr error) error {
	if p.failCounter != nil {
		p.failCounter.Add(ctx, 1)
	}

	var approval budget.ErrApprovalRequired
	if errors.As(runErr, &approval) {
		if err := p.store.MarkRunPendingApproval(ctx, runID); err != nil {
			return fmt.Errorf("mark pending approval: %w", err)
		}
		p.publishFinished(ctx, runID, store.RunStatusPendingApproval, 0, runErr.Error())
		p.logger.Printf("run %s awaiting approval: %v", runID, runErr)
		return nil
	}
	var exceeded budget.ErrExceeded
	if errors.As(runErr, &exceeded) {
		if err := p.store.MarkRunBudgetOverrun(ctx, runID, runErr.Error()); err != nil {
			return fmt.Errorf("mark budget overrun: %w", err)
		}
		p.publishFinished(ctx, runID, store.RunStatusBudgetOverrun, 0, runErr.Error())
		p.logger.Printf("run %s stopped on budget: %v", runID, runErr)
		return nil
	}

	msg := runErr.Error()
	if err := p.store.FinishRun(ctx, runID, store.RunStatusFailed, &msg, 0, 0); err != nil {
		return fmt.Errorf("finish failed run: %w", err)
	}
	p.publishFinished(ctx, runID, store.RunStatusFailed, 0, msg)
	return fmt.Errorf("run %s failed: %w", runID, runErr)
}

func (p *Processor) persistResult(ctx context.Context, runID string, result core.RunResult, signed manifest.SignedRunManifest) error {
	var records []store.EvidenceRecord
	for _, v := range result.Verification {
		for _, vq := range v.Verified {
			records = append(records, store.EvidenceRecord{
				RunID:      runID,
				QuoteID:    vq.Quote.ID,
				DocumentID: vq.Quote.DocID,
				Dimension:  vq.Quote.Dimension,
				Quote:      vq.Quote.Text,
				Salience:   vq.Quote.Salience,
				Verified:   vq.Supported,
			})
		}
		for _, rq := range v.Rejected {
			records = append(records, store.EvidenceRecord{
				RunID:      runID,
				QuoteID:    rq.Quote.ID,
				DocumentID: rq.Quote.DocID,
				Dimension:  rq.Quote.Dimension,
				Quote:      rq.Quote.Text,
				Salience:   rq.Quote.Salience,
				Verified:   false,
			})
		}
	}
	if err := p.store.ReplaceRunEvidence(ctx, runID, records); err != nil {
		return fmt.Errorf("persist evidence: %w", err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode run result: %w", err)
	}
	if err := p.store.UpsertRunResult(ctx, runID, raw); err != nil {
		return fmt.Errorf("persist run result: %w", err)
	}

	manifestRaw, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := p.store.InsertRunManifest(ctx, store.RunManifestRecord{
		RunID:     runID,
		Algorithm: signed.Algorithm,
		Checksum:  signed.Checksum,
		Signature: signed.Signature,
		Manifest:  manifestRaw,
	}); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

func (p *Processor) publishFinished(ctx context.Context, runID, status string, cost float64, errMsg string) {
	if p.publisher == nil {
		return
	}
	payload := streams.RunFinishedPayload{RunID: runID, Status: status, CostUSD: cost, Error: errMsg}
	if _, err := p.publisher.PublishRaw(ctx, streams.RunStream, streams.EventRunFinished, streams.PayloadVersionV1, payload); err != nil {
		p.logger.Printf("warn: publish run.finished for %s: %v", runID, err)
	}
}

// resumePending re-enqueues runs that crashed mid-execution, identified by
// checkpoints stuck in dispatched state.
func (p *Processor) resumePending(ctx context.Context) error {
	checkpoints, err := p.store.ListCheckpointsByStatus(ctx, store.CheckpointStatusDispatched)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, cp := range checkpoints {
		if seen[cp.RunID] {
			continue
		}
		seen[cp.RunID] = true
		run, ok, err := p.store.GetRun(ctx, cp.RunID)
		if err != nil || !ok {
			p.logger.Printf("warn: cannot resolve run %s for resume: %v", cp.RunID, err)
			continue
		}
		if p.publisher == nil {
			continue
		}
		if _, err := p.publisher.EnqueueRun(ctx, streams.RunEnqueuedPayload{
			RunID:        run.ID,
			ExperimentID: run.ExperimentID,
			Trigger:      "resume",
		}); err != nil {
			p.logger.Printf("warn: re-enqueue run %s failed: %v", run.ID, err)
			continue
		}
		if p.resumeCounter != nil {
			p.resumeCounter.Add(ctx, 1)
		}
		p.logger.Printf("re-enqueued interrupted run %s (phase %s)", run.ID, cp.Phase)
	}
	return nil
}
