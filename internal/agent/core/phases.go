package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/discernus/discernus/internal/agent/telemetry"
	"github.com/discernus/discernus/internal/artifact"
	"github.com/discernus/discernus/internal/audit"
	"github.com/discernus/discernus/internal/cache"
	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/internal/evidence"
	"github.com/discernus/discernus/provider"
)

const systemPrompt = "You are a careful research analyst. Respond with strict JSON only, no prose."

// cachedCall runs one cache-first LLM interaction for a phase. On a miss it
// renders the prompt, calls the model with JSON-parse retries, applies
// normalize to the decoded value, and stores the canonical result under the
// cache key. The returned hash is the response artifact hash, usable as a
// dependency hash by downstream phases.
func (o *Orchestrator) cachedCall(ctx context.Context, st *runState, phase, docID string, deps []string, data promptData, out interface{}, normalize func() error) (string, bool, error) {
	start := time.Now()
	promptHash, err := st.req.Framework.PromptHash(phase)
	if err != nil {
		return "", false, err
	}
	model, err := o.router.ModelFor(phase)
	if err != nil {
		return "", false, err
	}
	docHash := ""
	if data.Document != nil {
		docHash = data.Document.Hash
	}
	key := cache.Key(cache.KeyInputs{
		FrameworkHash:      st.req.Framework.Hash,
		ExperimentHash:     st.req.ExperimentID,
		DocumentHash:       docHash,
		Model:              model,
		Phase:              phase,
		DependencyHashes:   deps,
		PromptTemplateHash: promptHash,
	})

	if raw, ok, err := st.cache.Lookup(ctx, key, phase); err != nil {
		return "", false, err
	} else if ok {
		if err := json.Unmarshal(raw, out); err != nil {
			return "", false, fmt.Errorf("decode cached %s result: %w", phase, err)
		}
		hash := artifact.HashBytes(raw)
		st.mu.Lock()
		st.cacheHits++
		st.mu.Unlock()
		st.recordArtifact(hash)
		o.recordPhaseEvent(ctx, st, phase, docID, model, start, true, true, nil, 0, 0)
		return hash, true, nil
	}

	prompt, err := renderPrompt(st.req.Framework, phase, data)
	if err != nil {
		return "", false, err
	}
	promptArtifact, err := o.store.Put(ctx, []byte(prompt), artifact.Metadata{
		MediaType:  "text/plain",
		Phase:      phase,
		DocumentID: docID,
		RunID:      st.req.RunID,
	})
	if err != nil {
		return "", false, fmt.Errorf("store %s prompt: %w", phase, err)
	}
	st.recordArtifact(promptArtifact)
	_ = st.audit.Log(audit.CategoryArtifact, "artifact_stored", map[string]interface{}{
		"artifact_hash": promptArtifact,
		"kind":          "prompt",
		"phase":         phase,
		"document_id":   docID,
	})

	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}

	attempts := o.config.Pipeline.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var (
		res     provider.CompletionResult
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		res, lastErr = o.router.Complete(ctx, phase, messages, true)
		if lastErr != nil {
			_ = st.audit.LogError("llm_call_failed", lastErr, map[string]interface{}{
				"phase": phase, "document_id": docID, "attempt": attempt + 1,
			})
			continue
		}
		st.mu.Lock()
		st.cost += res.Usage.CostUSD
		st.tokens += res.Usage.TotalTokens
		st.modelsUsed[res.Model] = true
		st.mu.Unlock()
		if st.monitor != nil {
			if err := st.monitor.Add(res.Usage.CostUSD, res.Usage.TotalTokens); err != nil {
				return "", false, err
			}
		}
		lastErr = json.Unmarshal([]byte(extractJSON(res.Content)), out)
		if lastErr == nil {
			break
		}
		_ = st.audit.LogError("llm_response_invalid", lastErr, map[string]interface{}{
			"phase": phase, "document_id": docID, "attempt": attempt + 1,
		})
	}
	if lastErr != nil {
		o.recordPhaseEvent(ctx, st, phase, docID, model, start, false, false, lastErr, res.Usage.CostUSD, res.Usage.TotalTokens)
		return "", false, fmt.Errorf("%s phase for %q: %w", phase, docID, lastErr)
	}
	if normalize != nil {
		if err := normalize(); err != nil {
			return "", false, fmt.Errorf("%s phase for %q: %w", phase, docID, err)
		}
	}

	canonical, err := json.Marshal(out)
	if err != nil {
		return "", false, fmt.Errorf("encode %s result: %w", phase, err)
	}
	respHash, err := st.cache.Store(ctx, key, canonical, artifact.Metadata{
		MediaType:  "application/json",
		Phase:      phase,
		DocumentID: docID,
		RunID:      st.req.RunID,
	})
	if err != nil {
		return "", false, err
	}
	st.mu.Lock()
	st.cacheMisses++
	st.mu.Unlock()
	st.recordArtifact(respHash)
	_ = st.audit.Log(audit.CategoryArtifact, "artifact_stored", map[string]interface{}{
		"artifact_hash": respHash,
		"kind":          "response",
		"phase":         phase,
		"document_id":   docID,
	})

	_ = st.audit.LogLLM(phase, res.Model, promptArtifact, respHash,
		res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.CostUSD, res.Usage.Latency)
	o.recordPhaseEvent(ctx, st, phase, docID, res.Model, start, true, false, nil, res.Usage.CostUSD, res.Usage.TotalTokens)
	return respHash, false, nil
}

func (o *Orchestrator) recordPhaseEvent(ctx context.Context, st *runState, phase, docID, model string, start time.Time, success, cacheHit bool, err error, cost float64, tokens int64) {
	_ = st.audit.Log(audit.CategoryPerformance, "phase_timing", map[string]interface{}{
		"phase":       phase,
		"document_id": docID,
		"model":       model,
		"duration_ms": time.Since(start).Milliseconds(),
		"success":     success,
		"cache_hit":   cacheHit,
	})
	if o.telemetry == nil {
		return
	}
	event := telemetry.PhaseEvent{
		RunID:      st.req.RunID,
		Phase:      phase,
		DocumentID: docID,
		StartTime:  start,
		EndTime:    time.Now(),
		Duration:   time.Since(start),
		Success:    success,
		CacheHit:   cacheHit,
		Cost:       cost,
		TokensUsed: tokens,
		ModelUsed:  model,
	}
	if err != nil {
		event.Error = err.Error()
	}
	o.telemetry.RecordPhaseEvent(ctx, event)
}

func (o *Orchestrator) document(st *runState, docID string) (corpus.Document, error) {
	doc, ok := st.req.Corpus.Document(docID)
	if !ok {
		return corpus.Document{}, fmt.Errorf("unknown document %q", docID)
	}
	return doc, nil
}

// runAnalysis scores one document against every framework dimension.
func (o *Orchestrator) runAnalysis(ctx context.Context, st *runState, docID string) error {
	doc, err := o.document(st, docID)
	if err != nil {
		return err
	}
	var result AnalysisResult
	normalize := func() error {
		result.DocumentID = docID
		if len(result.Scores) == 0 {
			return fmt.Errorf("analysis returned no scores")
		}
		clamped := make(map[string]float64, len(result.Scores))
		for name, score := range result.Scores {
			dim, ok := st.req.Framework.Dimension(name)
			if !ok {
				continue // undeclared dimension, dropped
			}
			clamped[name] = dim.Clamp(score)
		}
		if len(clamped) == 0 {
			return fmt.Errorf("analysis scored no declared dimensions")
		}
		result.Scores = clamped
		if result.Confidence < 0 {
			result.Confidence = 0
		}
		if result.Confidence > 1 {
			result.Confidence = 1
		}
		return nil
	}

	hash, _, err := o.cachedCall(ctx, st, PhaseAnalysis, docID, nil,
		promptData{Framework: st.req.Framework, Document: &doc}, &result, normalize)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.analyses[docID] = result
	st.phaseHashes[taskID(PhaseAnalysis, docID)] = hash
	st.mu.Unlock()
	return nil
}

// runEvidence extracts supporting quotes for the scored dimensions.
func (o *Orchestrator) runEvidence(ctx context.Context, st *runState, docID string) error {
	doc, err := o.document(st, docID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	analysis := st.analyses[docID]
	st.mu.Unlock()

	var result EvidenceResult
	normalize := func() error {
		result.DocumentID = docID
		kept := result.Quotes[:0]
		n := 0
		for _, q := range result.Quotes {
			if strings.TrimSpace(q.Text) == "" {
				continue
			}
			if _, ok := st.req.Framework.Dimension(q.Dimension); !ok {
				continue
			}
			if q.Salience < o.config.Pipeline.MinSalience {
				continue
			}
			q.DocID = docID
			q.ID = fmt.Sprintf("%s#%d", docID, n)
			n++
			kept = append(kept, q)
		}
		result.Quotes = kept
		return nil
	}

	deps := st.dependencyHashes(taskID(PhaseAnalysis, docID))
	hash, _, err := o.cachedCall(ctx, st, PhaseEvidence, docID, deps,
		promptData{Framework: st.req.Framework, Document: &doc, Analysis: &analysis}, &result, normalize)
	if err != nil {
		return err
	}

	if err := st.index.Add(ctx, result.Quotes); err != nil {
		return fmt.Errorf("index evidence for %q: %w", docID, err)
	}
	st.mu.Lock()
	st.evidences[docID] = result
	st.phaseHashes[taskID(PhaseEvidence, docID)] = hash
	st.mu.Unlock()
	return nil
}

// verificationAssessment is the model's judgement for one quote.
type verificationAssessment struct {
	ID        string `json:"id"`
	Supported bool   `json:"supported"`
	Reason    string `json:"reason,omitempty"`
}

// runVerification checks extracted quotes: first a verbatim containment check
// against the source text, then (when the framework carries a verification
// prompt) a model pass assessing dimensional support.
func (o *Orchestrator) runVerification(ctx context.Context, st *runState, docID string) error {
	doc, err := o.document(st, docID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	ev := st.evidences[docID]
	st.mu.Unlock()

	result := VerificationResult{DocumentID: docID}
	var verbatim []evidence.Quote
	for _, q := range ev.Quotes {
		if evidence.VerifyQuote(q.Text, doc.Text) {
			verbatim = append(verbatim, q)
		} else {
			result.Rejected = append(result.Rejected, RejectedQuote{Quote: q, Reason: "quote not found verbatim in document"})
		}
	}

	hasPrompt := true
	if _, err := st.req.Framework.PromptFor(PhaseVerification); err != nil {
		hasPrompt = false
	}

	if !hasPrompt || len(verbatim) == 0 {
		for _, q := range verbatim {
			result.Verified = append(result.Verified, VerifiedQuote{Quote: q, Supported: true})
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode verification result: %w", err)
		}
		hash, err := o.store.Put(ctx, raw, artifact.Metadata{
			MediaType: "application/json", Phase: PhaseVerification, DocumentID: docID, RunID: st.req.RunID,
		})
		if err != nil {
			return err
		}
		st.recordArtifact(hash)
		_ = st.audit.Log(audit.CategoryArtifact, "artifact_stored", map[string]interface{}{
			"artifact_hash": hash,
			"kind":          "verification",
			"phase":         PhaseVerification,
			"document_id":   docID,
		})
		st.mu.Lock()
		st.verifications[docID] = result
		st.phaseHashes[taskID(PhaseVerification, docID)] = hash
		st.mu.Unlock()
		return nil
	}

	st.mu.Lock()
	analysis := st.analyses[docID]
	st.mu.Unlock()

	var parsed struct {
		Assessments []verificationAssessment `json:"assessments"`
	}
	evForPrompt := EvidenceResult{DocumentID: docID, Quotes: verbatim}
	deps := st.dependencyHashes(taskID(PhaseEvidence, docID))
	hash, _, err := o.cachedCall(ctx, st, PhaseVerification, docID, deps,
		promptData{Framework: st.req.Framework, Document: &doc, Analysis: &analysis, Evidence: &evForPrompt},
		&parsed, nil)
	if err != nil {
		return err
	}

	byID := make(map[string]verificationAssessment, len(parsed.Assessments))
	for _, a := range parsed.Assessments {
		byID[a.ID] = a
	}
	for _, q := range verbatim {
		if a, ok := byID[q.ID]; ok {
			result.Verified = append(result.Verified, VerifiedQuote{Quote: q, Supported: a.Supported, Reason: a.Reason})
		} else {
			// Unassessed quotes stay verified on the strength of the verbatim check.
			result.Verified = append(result.Verified, VerifiedQuote{Quote: q, Supported: true})
		}
	}

	st.mu.Lock()
	st.verifications[docID] = result
	st.phaseHashes[taskID(PhaseVerification, docID)] = hash
	st.mu.Unlock()
	return nil
}

// selectQuotes narrows the evidence fed to synthesis. Small sets pass through
// whole; larger ones are ranked per dimension through the hybrid index so the
// prompt carries the most relevant quotes rather than everything.
func (o *Orchestrator) selectQuotes(ctx context.Context, st *runState, quotes []VerifiedQuote) []VerifiedQuote {
	topK := o.config.Evidence.SearchTopK
	if st.index == nil || topK <= 0 || len(quotes) <= topK {
		return quotes
	}
	supported := make(map[string]VerifiedQuote, len(quotes))
	for _, vq := range quotes {
		supported[vq.Quote.ID] = vq
	}

	var selected []VerifiedQuote
	seen := make(map[string]bool)
	for _, dim := range st.req.Framework.Dimensions {
		query := dim.Description
		if strings.TrimSpace(query) == "" {
			query = dim.Name
		}
		hits, err := st.index.Search(ctx, query, topK)
		if err != nil {
			_ = st.audit.LogError("evidence_search_failed", err, map[string]interface{}{"dimension": dim.Name})
			return quotes
		}
		for _, hit := range hits {
			if seen[hit.QuoteID] {
				continue
			}
			if vq, ok := supported[hit.QuoteID]; ok {
				seen[hit.QuoteID] = true
				selected = append(selected, vq)
			}
		}
	}
	if len(selected) == 0 {
		return quotes
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Quote.ID < selected[j].Quote.ID })
	return selected
}

// runSynthesis produces the corpus-level report from all per-document results.
func (o *Orchestrator) runSynthesis(ctx context.Context, st *runState) error {
	st.mu.Lock()
	scores := make(map[string]map[string]float64, len(st.analyses))
	analyses := make(map[string]AnalysisResult, len(st.analyses))
	for docID, a := range st.analyses {
		scores[docID] = a.Scores
		analyses[docID] = a
	}
	var quotes []VerifiedQuote
	var depIDs []string
	for docID, v := range st.verifications {
		for _, vq := range v.Verified {
			if vq.Supported {
				quotes = append(quotes, vq)
			}
		}
		depIDs = append(depIDs, taskID(PhaseVerification, docID))
	}
	st.mu.Unlock()
	sort.Strings(depIDs)
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Quote.ID < quotes[j].Quote.ID })
	quotes = o.selectQuotes(ctx, st, quotes)

	var result SynthesisResult
	normalize := func() error {
		if strings.TrimSpace(result.Summary) == "" {
			return fmt.Errorf("synthesis returned no summary")
		}
		return nil
	}

	deps := st.dependencyHashes(depIDs...)
	hash, _, err := o.cachedCall(ctx, st, PhaseSynthesis, "", deps,
		promptData{
			Framework: st.req.Framework,
			Documents: st.req.Corpus.Documents,
			Scores:    scores,
			Analyses:  analyses,
			Quotes:    quotes,
		}, &result, normalize)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.synthesis = result
	st.phaseHashes[PhaseSynthesis] = hash
	st.mu.Unlock()
	return nil
}
