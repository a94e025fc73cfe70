package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/agent/core"
	"github.com/discernus/discernus/internal/agent/telemetry"
	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/internal/framework"
	"github.com/discernus/discernus/internal/queue/streams"
	"github.com/discernus/discernus/internal/store"
	"github.com/redis/go-redis/v9"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var frameworkPath string
	var corpusPath string
	var name string
	var schedule string
	var enqueue bool

	var run = &cobra.Command{
		Use:   "run",
		Short: "Analyze a corpus against a framework",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			f, err := framework.Load(frameworkPath)
			if err != nil {
				return fmt.Errorf("load framework: %w", err)
			}
			c, err := corpus.Load(corpusPath)
			if err != nil {
				return fmt.Errorf("load corpus: %w", err)
			}
			if name == "" {
				name = f.Name + " / " + c.Name
			}

			if enqueue {
				return enqueueRun(ctx, cfg, name, frameworkPath, f, corpusPath, c, schedule)
			}
			return runLocal(ctx, cfg, name, f, c)
		},
	}
	run.Flags().StringVarP(&frameworkPath, "framework", "f", "", "framework spec (yaml)")
	run.Flags().StringVarP(&corpusPath, "corpus", "d", "", "corpus manifest (yaml)")
	run.Flags().StringVar(&name, "name", "", "experiment name")
	run.Flags().StringVar(&schedule, "schedule", "", "cron spec for recurring re-analysis (with --enqueue)")
	run.Flags().BoolVar(&enqueue, "enqueue", false, "register the experiment and enqueue the run for a worker")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	_ = run.MarkFlagRequired("framework")
	_ = run.MarkFlagRequired("corpus")

	return run
}

// runLocal executes the pipeline in-process and prints the result.
func runLocal(ctx context.Context, cfg *config.Config, name string, f *framework.Framework, c *corpus.Corpus) error {
	logger := log.New(os.Stderr, "[RUN] ", log.LstdFlags)
	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	tel := telemetry.NewTelemetry(cfg.Telemetry)
	orch, err := core.NewOrchestrator(cfg, logger, tel, router)
	if err != nil {
		return err
	}

	result, err := orch.ProcessRun(ctx, core.RunRequest{
		ExperimentID: name,
		Framework:    f,
		Corpus:       c,
	})
	if err != nil {
		return err
	}

	printResult(result)
	return nil
}

// enqueueRun registers the experiment in Postgres and publishes a run.enqueued
// event for a worker to pick up.
func enqueueRun(ctx context.Context, cfg *config.Config, name, frameworkPath string, f *framework.Framework, corpusPath string, c *corpus.Corpus, schedule string) error {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	expID, err := st.CreateExperiment(ctx, store.Experiment{
		Name:          name,
		FrameworkPath: frameworkPath,
		FrameworkHash: f.Hash,
		CorpusPath:    corpusPath,
		CorpusHash:    c.Hash,
		Model:         cfg.LLM.Routing.Analysis,
		ScheduleCron:  schedule,
	})
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	runID, err := st.CreateRun(ctx, expID, store.RunStatusQueued)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	defer rdb.Close()

	pub := streams.NewPublisher(rdb)
	if _, err := pub.EnqueueRun(ctx, streams.RunEnqueuedPayload{
		RunID:        runID,
		ExperimentID: expID,
		Trigger:      "cli",
	}); err != nil {
		return fmt.Errorf("enqueue run: %w", err)
	}

	fmt.Printf("experiment %s registered, run %s enqueued\n", expID, runID)
	if schedule != "" {
		fmt.Printf("recurring schedule: %s\n", schedule)
	}
	return nil
}

func printResult(result core.RunResult) {
	docs := make([]string, 0, len(result.Scores))
	for id := range result.Scores {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	for _, id := range docs {
		fmt.Printf("%s:\n", id)
		dims := make([]string, 0, len(result.Scores[id]))
		for dim := range result.Scores[id] {
			dims = append(dims, dim)
		}
		sort.Strings(dims)
		for _, dim := range dims {
			fmt.Printf("  %-24s %.3f\n", dim, result.Scores[id][dim])
		}
	}
	if result.Synthesis.Summary != "" {
		fmt.Printf("\nsynthesis: %s\n", result.Synthesis.Summary)
	}
	fmt.Printf("\nrun %s: cost=$%.4f tokens=%d cache=%d/%d elapsed=%s\n",
		result.RunID, result.CostEstimate, result.TokensUsed,
		result.CacheHits, result.CacheHits+result.CacheMisses, result.ProcessingTime)
}
