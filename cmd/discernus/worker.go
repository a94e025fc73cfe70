package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/agent/core"
	"github.com/discernus/discernus/internal/agent/telemetry"
	"github.com/discernus/discernus/internal/executor"
	"github.com/discernus/discernus/internal/queue/streams"
	"github.com/discernus/discernus/internal/runtime"
	"github.com/discernus/discernus/internal/store"
	"github.com/discernus/discernus/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	var consumerName string

	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Run a pipeline worker consuming the run queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "[WORKER] ", log.LstdFlags)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := cfg.Storage.Redis.Validate(); err != nil {
				return err
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}

			obs, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName: "discernus-worker",
				MetricsPort: cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return fmt.Errorf("setup telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := obs.Shutdown(shutdownCtx); err != nil {
					logger.Printf("telemetry shutdown: %v", err)
				}
			}()

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			defer rdb.Close()
			if err := streams.EnsureGroup(ctx, rdb, streams.RunStream, streams.RunGroup); err != nil {
				return fmt.Errorf("ensure consumer group: %w", err)
			}

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}

			router, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			tel := telemetry.NewTelemetry(cfg.Telemetry)
			orch, err := core.NewOrchestrator(cfg, logger, tel, router)
			if err != nil {
				return err
			}
			orch.SetCheckpointManager(executor.NewStoreCheckpointManager(st))

			if consumerName == "" {
				host, _ := os.Hostname()
				consumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			pub := streams.NewPublisher(rdb)
			cons := streams.NewConsumer(rdb, streams.RunGroup, consumerName)

			proc := worker.NewProcessor(logger, st, worker.NewRunner(orch), pub, cons, meter, tracer)
			sched := worker.NewScheduler(logger, st, pub, rdb, time.Minute)

			go func() {
				if err := sched.Start(ctx); err != nil {
					logger.Printf("scheduler stopped: %v", err)
				}
			}()

			return proc.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&consumerName, "consumer", "", "consumer name within the group (default host-pid)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
