package core

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/agent/telemetry"
	"github.com/discernus/discernus/internal/artifact"
	"github.com/discernus/discernus/internal/audit"
	"github.com/discernus/discernus/internal/budget"
	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/internal/evidence"
	"github.com/discernus/discernus/internal/executor"
	"github.com/discernus/discernus/internal/manifest"
	"github.com/discernus/discernus/provider"
)

// Orchestrator coordinates the four-phase analysis pipeline over a corpus.
type Orchestrator struct {
	config    *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	router    *provider.Router

	store       *artifact.Storage
	checkpoints executor.CheckpointManager

	// Processing state
	processing map[string]*RunStatus
	mu         sync.RWMutex
}

var orchestratorTracer trace.Tracer = otel.Tracer("discernus/internal/agent/orchestrator")

// NewOrchestrator creates a new orchestrator instance backed by the shared
// artifact store.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, router *provider.Router) (*Orchestrator, error) {
	if router == nil {
		return nil, fmt.Errorf("llm router is required")
	}
	store, err := artifact.Open(cfg.Storage.Artifacts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return &Orchestrator{
		config:     cfg,
		logger:     logger,
		telemetry:  tel,
		router:     router,
		store:      store,
		processing: make(map[string]*RunStatus),
	}, nil
}

// SetCheckpointManager wires a durable checkpoint manager into run execution.
func (o *Orchestrator) SetCheckpointManager(mgr executor.CheckpointManager) {
	o.checkpoints = mgr
}

// Store exposes the orchestrator's artifact store.
func (o *Orchestrator) Store() *artifact.Storage { return o.store }

// runState accumulates per-run results shared across phase tasks.
type runState struct {
	req   RunRequest
	audit *audit.Logger
	cache *cache.Manager
	index *evidence.Index

	monitor *budget.Monitor

	mu             sync.Mutex
	analyses       map[string]AnalysisResult
	evidences      map[string]EvidenceResult
	verifications  map[string]VerificationResult
	synthesis      SynthesisResult
	phaseHashes    map[string]string // task id -> response artifact hash
	artifactHashes []string
	modelsUsed     map[string]bool
	cost           float64
	tokens         int64
	cacheHits      int
	cacheMisses    int
}

func (st *runState) recordArtifact(hash string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, h := range st.artifactHashes {
		if h == hash {
			return
		}
	}
	st.artifactHashes = append(st.artifactHashes, hash)
}

func (st *runState) dependencyHashes(taskIDs ...string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		if h, ok := st.phaseHashes[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// ProcessRun executes the full pipeline for a run request.
func (o *Orchestrator) ProcessRun(ctx context.Context, req RunRequest) (RunResult, error) {
	startTime := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Framework == nil || req.Corpus == nil {
		return RunResult{}, fmt.Errorf("run %s: framework and corpus are required", req.RunID)
	}

	ctx, span := orchestratorTracer.Start(ctx, "agent.process_run",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.String("experiment.id", req.ExperimentID),
			attribute.String("framework.name", req.Framework.Name),
			attribute.Int("corpus.documents", len(req.Corpus.Documents)),
		))
	defer span.End()

	status := &RunStatus{
		RunID:       req.RunID,
		Status:      "pending",
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	o.mu.Lock()
	o.processing[req.RunID] = status
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.processing, req.RunID)
		o.mu.Unlock()
	}()

	// Budget guardrails, with the per-request config taking precedence.
	bcfg := budget.FromConfig(o.config.Budget)
	if req.Budget != nil {
		bcfg = req.Budget.Clone()
	}
	estimate := o.EstimateCost(req)
	if bcfg.RequireApproval && bcfg.ApprovalThreshold != nil && estimate > *bcfg.ApprovalThreshold {
		err := budget.ErrApprovalRequired{EstimatedCost: estimate, Threshold: *bcfg.ApprovalThreshold}
		o.updateStatus(status, "pending_approval", 0.0, err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}

	auditLog, err := audit.New(filepath.Join(o.config.Storage.Artifacts.RootDir, req.RunID), req.RunID)
	if err != nil {
		return RunResult{}, fmt.Errorf("open audit trail: %w", err)
	}
	defer auditLog.Close()

	var embedder evidence.Embedder
	if o.config.Evidence.Enabled {
		if _, err := o.router.ModelFor("embedding"); err == nil {
			embedder = o.router
		} else {
			// Index degrades to BM25-only without an embedding route.
			_ = auditLog.Log(audit.CategorySystem, "embedding_unavailable", map[string]interface{}{
				"reason": err.Error(),
			})
		}
	}
	index, err := evidence.NewIndex(embedder)
	if err != nil {
		return RunResult{}, fmt.Errorf("build evidence index: %w", err)
	}

	st := &runState{
		req:           req,
		audit:         auditLog,
		cache:         cache.NewManager(o.store, auditLog),
		index:         index,
		analyses:      make(map[string]AnalysisResult),
		evidences:     make(map[string]EvidenceResult),
		verifications: make(map[string]VerificationResult),
		phaseHashes:   make(map[string]string),
		modelsUsed:    make(map[string]bool),
	}
	if !bcfg.IsZero() {
		st.monitor = budget.NewMonitor(bcfg)
	}

	_ = auditLog.Log(audit.CategoryOrchestrator, "run_started", map[string]interface{}{
		"experiment_id":  req.ExperimentID,
		"framework":      req.Framework.Name,
		"framework_hash": req.Framework.Hash,
		"corpus":         req.Corpus.Name,
		"corpus_hash":    req.Corpus.Hash,
		"documents":      len(req.Corpus.Documents),
		"estimated_cost": estimate,
	})

	graph := o.buildGraph(req)
	status.TotalTasks = len(graph.Tasks)
	o.updateStatus(status, "executing", 0.1, "Executing pipeline phases")
	o.logger.Printf("Starting run %s: %d documents, %d tasks", req.RunID, len(req.Corpus.Documents), len(graph.Tasks))

	// Independent document chains run in parallel up to the configured width;
	// the synthesis task still waits on every verification.
	opts := []executor.Option{executor.WithConcurrency(o.config.Pipeline.MaxConcurrentDocuments)}
	if o.checkpoints != nil {
		opts = append(opts, executor.WithCheckpointManager(o.checkpoints))
	}
	exec := executor.New(opts...)
	runner := &phaseRunner{o: o, st: st, status: status}

	if _, err := exec.Execute(ctx, req.RunID, graph, runner); err != nil {
		o.updateStatus(status, "failed", 0.0, err.Error())
		_ = auditLog.LogError("run_failed", err, map[string]interface{}{"experiment_id": req.ExperimentID})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordRunEvent(ctx, req, st, startTime, false, err)
		return RunResult{}, fmt.Errorf("run %s: %w", req.RunID, err)
	}
	if st.monitor != nil {
		if err := st.monitor.CheckTime(); err != nil {
			o.updateStatus(status, "failed", 0.0, err.Error())
			_ = auditLog.LogError("run_failed", err, nil)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.recordRunEvent(ctx, req, st, startTime, false, err)
			return RunResult{}, err
		}
	}

	result := o.assembleResult(req, st, startTime)
	_ = auditLog.Log(audit.CategoryOrchestrator, "run_completed", map[string]interface{}{
		"cost_usd":     result.CostEstimate,
		"tokens_used":  result.TokensUsed,
		"cache_hits":   result.CacheHits,
		"cache_misses": result.CacheMisses,
		"duration_ms":  result.ProcessingTime.Milliseconds(),
	})
	o.updateStatus(status, "completed", 1.0, "Run completed")
	o.logger.Printf("Completed run %s in %v (cost $%.4f, %d/%d cache hits)",
		req.RunID, result.ProcessingTime, result.CostEstimate, result.CacheHits, result.CacheHits+result.CacheMisses)
	span.SetAttributes(
		attribute.Float64("run.cost_usd", result.CostEstimate),
		attribute.Int64("run.tokens", result.TokensUsed),
		attribute.Int("run.cache_hits", result.CacheHits),
	)
	span.SetStatus(codes.Ok, "completed")
	o.recordRunEvent(ctx, req, st, startTime, true, nil)

	return result, nil
}

// buildGraph lays out the per-document phase chain plus a corpus-level
// synthesis task depending on every verification task.
func (o *Orchestrator) buildGraph(req RunRequest) executor.Graph {
	tasks := make(map[string]executor.Task)
	retries := o.config.Pipeline.MaxRetries
	delay := o.config.Pipeline.RetryDelay
	var verifyIDs []string

	for _, doc := range req.Corpus.Documents {
		analysisID := taskID(PhaseAnalysis, doc.ID)
		evidenceID := taskID(PhaseEvidence, doc.ID)
		verifyID := taskID(PhaseVerification, doc.ID)
		tasks[analysisID] = executor.Task{
			ID: analysisID, Phase: PhaseAnalysis, DocumentID: doc.ID,
			MaxRetries: retries, RetryDelay: delay,
		}
		tasks[evidenceID] = executor.Task{
			ID: evidenceID, Phase: PhaseEvidence, DocumentID: doc.ID,
			DependsOn:  []string{analysisID},
			MaxRetries: retries, RetryDelay: delay,
		}
		tasks[verifyID] = executor.Task{
			ID: verifyID, Phase: PhaseVerification, DocumentID: doc.ID,
			DependsOn:  []string{evidenceID},
			MaxRetries: retries, RetryDelay: delay,
		}
		verifyIDs = append(verifyIDs, verifyID)
	}
	sort.Strings(verifyIDs)
	tasks[PhaseSynthesis] = executor.Task{
		ID: PhaseSynthesis, Phase: PhaseSynthesis,
		DependsOn:  verifyIDs,
		MaxRetries: retries, RetryDelay: delay,
	}
	return executor.Graph{Tasks: tasks}
}

func taskID(phase, docID string) string { return phase + ":" + docID }

// phaseRunner adapts the orchestrator to the executor's TaskRunner contract.
type phaseRunner struct {
	o      *Orchestrator
	st     *runState
	status *RunStatus
}

func (r *phaseRunner) RunTask(ctx context.Context, runID string, task executor.Task) error {
	phaseCtx := ctx
	if r.o.config.Pipeline.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, r.o.config.Pipeline.PhaseTimeout)
		defer cancel()
	}

	var err error
	switch task.Phase {
	case PhaseAnalysis:
		err = r.o.runAnalysis(phaseCtx, r.st, task.DocumentID)
	case PhaseEvidence:
		err = r.o.runEvidence(phaseCtx, r.st, task.DocumentID)
	case PhaseVerification:
		err = r.o.runVerification(phaseCtx, r.st, task.DocumentID)
	case PhaseSynthesis:
		err = r.o.runSynthesis(phaseCtx, r.st)
	default:
		err = fmt.Errorf("unknown phase %q", task.Phase)
	}
	if err != nil {
		return err
	}
	_ = r.st.audit.Log(audit.CategoryAgent, "task_completed", map[string]interface{}{
		"task_id":     task.ID,
		"phase":       task.Phase,
		"document_id": task.DocumentID,
	})

	r.o.mu.Lock()
	r.status.CompletedTasks++
	r.status.CurrentTask = task.ID
	if r.status.TotalTasks > 0 {
		r.status.Progress = float64(r.status.CompletedTasks) / float64(r.status.TotalTasks)
	}
	r.status.LastUpdated = time.Now()
	r.o.mu.Unlock()
	return nil
}

// EstimateCost approximates the run cost assuming no cache hits, for
// approval gating.
func (o *Orchestrator) EstimateCost(req RunRequest) float64 {
	if req.Corpus == nil {
		return 0
	}
	perCall := func(phase string, inK, outK float64) float64 {
		model, err := o.router.ModelFor(phase)
		if err != nil {
			return 0
		}
		mc, ok := o.router.ModelConfig(model)
		if !ok {
			return 0
		}
		return inK*mc.CostPer1K + outK*mc.CostPer1KOutput
	}
	docs := float64(len(req.Corpus.Documents))
	total := docs * (perCall(PhaseAnalysis, 2, 1) + perCall(PhaseEvidence, 2, 1) + perCall(PhaseVerification, 2, 0.5))
	total += perCall(PhaseSynthesis, 4, 2)
	return total
}

// GetStatus returns the live status of a run, if it is in flight.
func (o *Orchestrator) GetStatus(runID string) (RunStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.processing[runID]
	if !ok {
		return RunStatus{}, false
	}
	return *s, true
}

// SignedManifest builds and signs the run manifest for a completed run.
func (o *Orchestrator) SignedManifest(req RunRequest, res RunResult) (manifest.SignedRunManifest, error) {
	payload := o.buildManifest(req, res)
	return manifest.SignRunManifest(payload, o.config.General.ManifestSecret, time.Now().UTC())
}

func (o *Orchestrator) buildManifest(req RunRequest, res RunResult) manifest.RunManifestPayload {
	docs := make([]manifest.ManifestDocument, 0, len(req.Corpus.Documents))
	for _, d := range req.Corpus.Documents {
		docs = append(docs, manifest.ManifestDocument{ID: d.ID, Hash: d.Hash, Title: d.Title})
	}
	arts := make([]manifest.ManifestArtifact, 0, len(res.ArtifactHashes))
	for _, h := range res.ArtifactHashes {
		ma := manifest.ManifestArtifact{Hash: h}
		if entry, ok := o.store.Stat(h); ok {
			ma.Phase = entry.Metadata.Phase
			ma.DocumentID = entry.Metadata.DocumentID
			ma.MediaType = entry.Metadata.MediaType
			ma.Size = entry.Size
		}
		arts = append(arts, ma)
	}
	model, _ := o.router.ModelFor(PhaseAnalysis)
	return manifest.RunManifestPayload{
		Version:       manifest.RunManifestVersion,
		RunID:         res.RunID,
		ExperimentID:  res.ExperimentID,
		FrameworkHash: req.Framework.Hash,
		CorpusHash:    req.Corpus.Hash,
		Model:         model,
		Documents:     docs,
		Artifacts:     arts,
		Result: manifest.RunManifestResult{
			Scores:       res.Scores,
			ModelsUsed:   res.ModelsUsed,
			CostEstimate: res.CostEstimate,
			TokensUsed:   res.TokensUsed,
			CacheHits:    res.CacheHits,
			CacheMisses:  res.CacheMisses,
		},
		CreatedAt: res.CreatedAt,
	}
}

func (o *Orchestrator) assembleResult(req RunRequest, st *runState, startTime time.Time) RunResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	scores := make(map[string]map[string]float64, len(st.analyses))
	for docID, a := range st.analyses {
		scores[docID] = a.Scores
	}
	models := make([]string, 0, len(st.modelsUsed))
	for m := range st.modelsUsed {
		models = append(models, m)
	}
	sort.Strings(models)

	return RunResult{
		RunID:          req.RunID,
		ExperimentID:   req.ExperimentID,
		Scores:         scores,
		Analyses:       st.analyses,
		Evidence:       st.evidences,
		Verification:   st.verifications,
		Synthesis:      st.synthesis,
		ModelsUsed:     models,
		CostEstimate:   st.cost,
		TokensUsed:     st.tokens,
		CacheHits:      st.cacheHits,
		CacheMisses:    st.cacheMisses,
		ArtifactHashes: append([]string(nil), st.artifactHashes...),
		ProcessingTime: time.Since(startTime),
		CreatedAt:      time.Now().UTC(),
	}
}

func (o *Orchestrator) recordRunEvent(ctx context.Context, req RunRequest, st *runState, startTime time.Time, success bool, runErr error) {
	if o.telemetry == nil {
		return
	}
	st.mu.Lock()
	cost, tokens := st.cost, st.tokens
	models := make([]string, 0, len(st.modelsUsed))
	for m := range st.modelsUsed {
		models = append(models, m)
	}
	st.mu.Unlock()
	event := telemetry.RunEvent{
		RunID:        req.RunID,
		ExperimentID: req.ExperimentID,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Duration:     time.Since(startTime),
		Success:      success,
		Cost:         cost,
		TokensUsed:   tokens,
		Documents:    len(req.Corpus.Documents),
		ModelsUsed:   models,
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	o.telemetry.RecordRunEvent(ctx, event)
}

func (o *Orchestrator) updateStatus(status *RunStatus, state string, progress float64, task string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status.Status = state
	status.Progress = progress
	status.CurrentTask = task
	status.LastUpdated = time.Now()
}
