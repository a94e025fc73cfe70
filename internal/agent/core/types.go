package core

import (
	"time"

	"github.com/discernus/discernus/internal/budget"
	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/internal/evidence"
	"github.com/discernus/discernus/internal/framework"
)

// Pipeline phase names, in execution order.
const (
	PhaseAnalysis     = "analysis"
	PhaseEvidence     = "evidence"
	PhaseVerification = "verification"
	PhaseSynthesis    = "synthesis"
)

// RunRequest describes one pipeline run: a framework applied to a corpus.
type RunRequest struct {
	RunID        string                 `json:"run_id"`
	ExperimentID string                 `json:"experiment_id"`
	Framework    *framework.Framework   `json:"-"`
	Corpus       *corpus.Corpus         `json:"-"`
	Budget       *budget.Config         `json:"budget,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RunResult is the final output of a pipeline run.
type RunResult struct {
	RunID          string                        `json:"run_id"`
	ExperimentID   string                        `json:"experiment_id"`
	Scores         map[string]map[string]float64 `json:"scores"` // document -> dimension -> score
	Analyses       map[string]AnalysisResult     `json:"analyses"`
	Evidence       map[string]EvidenceResult     `json:"evidence"`
	Verification   map[string]VerificationResult `json:"verification"`
	Synthesis      SynthesisResult               `json:"synthesis"`
	ModelsUsed     []string                      `json:"models_used"`
	CostEstimate   float64                       `json:"cost_estimate"`
	TokensUsed     int64                         `json:"tokens_used"`
	CacheHits      int                           `json:"cache_hits"`
	CacheMisses    int                           `json:"cache_misses"`
	ArtifactHashes []string                      `json:"artifact_hashes"`
	ProcessingTime time.Duration                 `json:"processing_time"`
	CreatedAt      time.Time                     `json:"created_at"`
}

// AnalysisResult is the parsed output of the analysis phase for one document.
type AnalysisResult struct {
	DocumentID string             `json:"document_id"`
	Scores     map[string]float64 `json:"scores"`
	Confidence float64            `json:"confidence"`
	Notes      string             `json:"notes,omitempty"`
}

// EvidenceResult is the parsed output of the evidence phase for one document.
type EvidenceResult struct {
	DocumentID string           `json:"document_id"`
	Quotes     []evidence.Quote `json:"quotes"`
}

// VerificationResult records which extracted quotes survive verification.
type VerificationResult struct {
	DocumentID string          `json:"document_id"`
	Verified   []VerifiedQuote `json:"verified"`
	Rejected   []RejectedQuote `json:"rejected,omitempty"`
}

// VerifiedQuote is an evidence quote confirmed to appear verbatim in its
// source document.
type VerifiedQuote struct {
	Quote     evidence.Quote `json:"quote"`
	Supported bool           `json:"supported"`
	Reason    string         `json:"reason,omitempty"`
}

// RejectedQuote is a quote that failed verification, with the reason.
type RejectedQuote struct {
	Quote  evidence.Quote `json:"quote"`
	Reason string         `json:"reason"`
}

// SynthesisResult is the parsed output of the corpus-level synthesis phase.
type SynthesisResult struct {
	Summary        string   `json:"summary"`
	DetailedReport string   `json:"detailed_report"`
	Themes         []string `json:"themes,omitempty"`
}

// RunStatus tracks the progress of an in-flight run.
type RunStatus struct {
	RunID          string    `json:"run_id"`
	Status         string    `json:"status"`   // pending, executing, synthesizing, completed, failed, pending_approval
	Progress       float64   `json:"progress"` // 0.0 to 1.0
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedTasks int       `json:"completed_tasks"`
	TotalTasks     int       `json:"total_tasks"`
	Error          string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}
