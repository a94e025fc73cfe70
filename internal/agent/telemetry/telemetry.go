package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/discernus/discernus/config"
)

// Telemetry provides run monitoring and cost tracking
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds pipeline performance metrics
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Phase metrics
	PhaseExecutions   map[string]int64
	PhaseSuccessRates map[string]float64
	PhaseAverageTimes map[string]time.Duration

	// Cache metrics
	CacheHits   map[string]int64 // phase -> hits
	CacheMisses map[string]int64 // phase -> misses

	// LLM metrics
	LLMRequests       map[string]int64
	LLMTokensUsed     map[string]int64
	LLMAverageLatency map[string]time.Duration
}

// CostTracker tracks costs across models and phases
type CostTracker struct {
	PhaseCosts map[string]float64 // phase -> cost
	ModelCosts map[string]float64 // model -> cost

	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents a completed pipeline run
type RunEvent struct {
	RunID        string
	ExperimentID string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Success      bool
	Error        string
	Cost         float64
	TokensUsed   int64
	Documents    int
	ModelsUsed   []string
}

// PhaseEvent represents one phase execution over one document
type PhaseEvent struct {
	RunID      string
	Phase      string
	DocumentID string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	CacheHit   bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			PhaseExecutions:   make(map[string]int64),
			PhaseSuccessRates: make(map[string]float64),
			PhaseAverageTimes: make(map[string]time.Duration),
			CacheHits:         make(map[string]int64),
			CacheMisses:       make(map[string]int64),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
			LLMAverageLatency: make(map[string]time.Duration),
		},
		costTracker: &CostTracker{
			PhaseCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
	}

	// Periodic logs can be disabled via config
	if config.Enabled && config.PeriodicLogs {
		go t.startMetricsCollection()
		go t.startCostReporting()
	}

	return t
}

// RecordRunEvent records a completed run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.SuccessfulRuns++
	} else {
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Docs=%d, Cost=$%.4f, Tokens=%d",
		event.RunID, event.Success, event.Duration, event.Documents, event.Cost, event.TokensUsed)
}

// RecordPhaseEvent records one phase execution
func (t *Telemetry) RecordPhaseEvent(ctx context.Context, event PhaseEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.PhaseExecutions[event.Phase]++

	currentSuccess := t.metrics.PhaseSuccessRates[event.Phase]
	currentExecutions := t.metrics.PhaseExecutions[event.Phase]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.PhaseSuccessRates[event.Phase] = currentSuccess / float64(currentExecutions)

	currentAvg := t.metrics.PhaseAverageTimes[event.Phase]
	if currentExecutions == 1 {
		t.metrics.PhaseAverageTimes[event.Phase] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.PhaseAverageTimes[event.Phase] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	if event.CacheHit {
		t.metrics.CacheHits[event.Phase]++
	} else {
		t.metrics.CacheMisses[event.Phase]++
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	t.costTracker.PhaseCosts[event.Phase] += event.Cost

	t.logger.Printf("Phase Event: Phase=%s, Doc=%s, Success=%t, CacheHit=%t, Duration=%v, Cost=$%.4f",
		event.Phase, event.DocumentID, event.Success, event.CacheHit, event.Duration, event.Cost)
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.PhaseExecutions = copyInt64Map(t.metrics.PhaseExecutions)
	metrics.PhaseSuccessRates = copyFloatMap(t.metrics.PhaseSuccessRates)
	metrics.PhaseAverageTimes = copyDurationMap(t.metrics.PhaseAverageTimes)
	metrics.CacheHits = copyInt64Map(t.metrics.CacheHits)
	metrics.CacheMisses = copyInt64Map(t.metrics.CacheMisses)
	metrics.LLMRequests = copyInt64Map(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyInt64Map(t.metrics.LLMTokensUsed)
	metrics.LLMAverageLatency = copyDurationMap(t.metrics.LLMAverageLatency)
	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		PhaseCosts:  copyFloatMap(t.costTracker.PhaseCosts),
		ModelCosts:  copyFloatMap(t.costTracker.ModelCosts),
	}
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	PhaseCosts  map[string]float64
	ModelCosts  map[string]float64
}

// startMetricsCollection starts periodic metrics collection
func (t *Telemetry) startMetricsCollection() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()

		t.logger.Printf("Metrics Snapshot: Runs=%d/%d, AvgTime=%v, TotalCost=$%.4f, TotalTokens=%d",
			metrics.SuccessfulRuns, metrics.TotalRuns,
			metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
	}
}

// startCostReporting starts periodic cost reporting
func (t *Telemetry) startCostReporting() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		costs := t.GetCostSummary()

		t.logger.Printf("Cost Report: Total=$%.4f, Tokens=%d", costs.TotalCost, costs.TotalTokens)

		for model, cost := range costs.ModelCosts {
			t.logger.Printf("  Model %s: $%.4f", model, cost)
		}
		for phase, cost := range costs.PhaseCosts {
			t.logger.Printf("  Phase %s: $%.4f", phase, cost)
		}
	}
}

// Shutdown logs a final report
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Runs: %d", metrics.TotalRuns)
	if metrics.TotalRuns > 0 {
		t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulRuns)/float64(metrics.TotalRuns)*100)
	}
	t.logger.Printf("  Average Run Time: %v", metrics.AverageRunTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

// CacheHitRate returns the hit rate for a phase, or 0 when nothing ran.
func (t *Telemetry) CacheHitRate(phase string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hits := t.metrics.CacheHits[phase]
	misses := t.metrics.CacheMisses[phase]
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	successPct := 0.0
	failedPct := 0.0
	if metrics.TotalRuns > 0 {
		successPct = float64(metrics.SuccessfulRuns) / float64(metrics.TotalRuns) * 100
		failedPct = float64(metrics.FailedRuns) / float64(metrics.TotalRuns) * 100
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Runs: %d
  Successful: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Phase Performance:
`, metrics.TotalRuns, metrics.SuccessfulRuns, successPct,
		metrics.FailedRuns, failedPct,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for phase, executions := range metrics.PhaseExecutions {
		successRate := metrics.PhaseSuccessRates[phase]
		avgTime := metrics.PhaseAverageTimes[phase]
		hits := metrics.CacheHits[phase]
		misses := metrics.CacheMisses[phase]
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %v avg time, %d/%d cache hits\n",
			phase, executions, successRate*100, avgTime, hits, hits+misses)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	return report
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurationMap(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
