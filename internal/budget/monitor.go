package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor accumulates the spend of one run as its phase tasks report usage.
// Phase tasks may run concurrently across documents, so all accounting is
// mutex-guarded. The clock starts when the monitor is created.
type Monitor struct {
	config     Config
	costUsed   float64
	tokensUsed int64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor starts tracking against a private copy of cfg.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{config: cfg.Clone(), startTime: time.Now()}
}

// Add books the cost and tokens of one LLM call. Once a limit is crossed the
// breach is returned and the orchestrator aborts the run; cache hits book
// nothing and so never trip a limit.
func (m *Monitor) Add(cost float64, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costUsed += cost
	m.tokensUsed += tokens
	if lim := m.config.MaxCost; lim != nil && m.costUsed > *lim {
		return ErrExceeded{Kind: "cost", Usage: dollars(m.costUsed), Limit: dollars(*lim)}
	}
	if lim := m.config.MaxTokens; lim != nil && m.tokensUsed > *lim {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", *lim),
		}
	}
	return nil
}

// CheckTime compares elapsed wall-clock time against the run's time limit.
// The orchestrator calls it after the task graph drains.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{Kind: "time", Usage: elapsed.String(), Limit: limit.String()}
	}
	return nil
}

// Usage reports the spend booked so far.
func (m *Monitor) Usage() (cost float64, tokens int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costUsed, m.tokensUsed, time.Since(m.startTime)
}

// Config returns a copy of the limits this monitor enforces.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

func dollars(v float64) string { return fmt.Sprintf("$%.4f", v) }
