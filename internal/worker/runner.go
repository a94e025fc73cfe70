package worker

import (
	"context"
	"fmt"

	"github.com/discernus/discernus/internal/agent/core"
	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/internal/framework"
	"github.com/discernus/discernus/internal/manifest"
	"github.com/discernus/discernus/internal/store"
)

// Runner executes runs through the orchestrator, resolving experiment inputs
// from their recorded paths.
type Runner struct {
	orch *core.Orchestrator
}

// NewRunner wraps an orchestrator as a RunExecutor.
func NewRunner(orch *core.Orchestrator) *Runner {
	return &Runner{orch: orch}
}

func (r *Runner) Execute(ctx context.Context, runID string, exp store.Experiment) (core.RunResult, manifest.SignedRunManifest, error) {
	f, err := framework.Load(exp.FrameworkPath)
	if err != nil {
		return core.RunResult{}, manifest.SignedRunManifest{}, fmt.Errorf("load framework: %w", err)
	}
	if exp.FrameworkHash != "" && exp.FrameworkHash != f.Hash {
		return core.RunResult{}, manifest.SignedRunManifest{}, fmt.Errorf("framework %s changed since experiment registration (hash %s != %s)", exp.FrameworkPath, f.Hash, exp.FrameworkHash)
	}
	c, err := corpus.Load(exp.CorpusPath)
	if err != nil {
		return core.RunResult{}, manifest.SignedRunManifest{}, fmt.Errorf("load corpus: %w", err)
	}
	if exp.CorpusHash != "" && exp.CorpusHash != c.Hash {
		return core.RunResult{}, manifest.SignedRunManifest{}, fmt.Errorf("corpus %s changed since experiment registration (hash %s != %s)", exp.CorpusPath, c.Hash, exp.CorpusHash)
	}

	req := core.RunRequest{
		RunID:        runID,
		ExperimentID: exp.ID,
		Framework:    f,
		Corpus:       c,
	}
	result, err := r.orch.ProcessRun(ctx, req)
	if err != nil {
		return core.RunResult{}, manifest.SignedRunManifest{}, err
	}
	signed, err := r.orch.SignedManifest(req, result)
	if err != nil {
		return core.RunResult{}, manifest.SignedRunManifest{}, fmt.Errorf("sign manifest: %w", err)
	}
	return result, signed, nil
}

var _ RunExecutor = (*Runner)(nil)
