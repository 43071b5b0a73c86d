package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"queuectl/internal/job"
	"queuectl/internal/logger"
	"queuectl/internal/observability"
	"queuectl/internal/worker"
	"queuectl/internal/worker/runtime"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker loops",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start one or more worker loops",
	Long: `Start worker loops that claim and execute jobs until interrupted.

Each loop has its own worker id; loops coordinate only through the shared
store, so more workers can run in other processes or on other machines
against the same store.

On SIGINT/SIGTERM, in-flight commands are allowed to finish and jobs
waiting out a backoff delay are released back to pending.

Example:
  queuectl worker start --count 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		verbose, _ := cmd.Flags().GetBool("verbose")
		if count < 1 {
			return fmt.Errorf("worker count must be at least 1, got %d", count)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		log := logger.New(level)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if cfg.OTELEndpoint != "" {
			shutdownTracer, err := observability.InitTracer(ctx, "queuectl-worker", cfg.OTELEndpoint)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer shutdownTracer(context.Background())
		}

		metricsHandler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer shutdownMetrics(context.Background())

		workerMetrics, err := observability.NewWorkerMetrics()
		if err != nil {
			return fmt.Errorf("register worker metrics: %w", err)
		}

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		err = observability.RegisterQueueDepth(func(ctx context.Context) (int64, error) {
			summary, err := st.StatusSummary(ctx)
			if err != nil {
				return 0, err
			}
			return int64(summary[job.StatePending] + summary[job.StateFailed]), nil
		})
		if err != nil {
			log.Warn("failed to register queue depth gauge", "error", err)
		}

		var rt runtime.Runtime
		switch cfg.Runtime {
		case "docker":
			dockerRT, err := runtime.NewDockerRuntime(cfg.DockerImage)
			if err != nil {
				return fmt.Errorf("create docker runtime: %w", err)
			}
			rt = dockerRT
			log.Info("using docker runtime", "image", cfg.DockerImage)
		default:
			rt = runtime.NewExecRuntime()
		}

		// Dedicated metrics endpoint, one per worker process.
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			log.Info("metrics listening", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()

		workers := make([]*worker.Worker, 0, count)
		for i := 0; i < count; i++ {
			w := worker.New(st, rt, worker.Config{
				PollInterval: cfg.PollInterval,
				BackoffBase:  cfg.BackoffBase,
				ExecTimeout:  cfg.ExecTimeout,
			}, log, workerMetrics)
			workers = append(workers, w)
			go w.Run(ctx)
		}
		log.Info("workers started", "count", count)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
		case <-ctx.Done():
		}

		log.Info("shutting down workers")
		cancel()
		for _, w := range workers {
			<-w.Done()
		}
		return nil
	},
}

func init() {
	workerStartCmd.Flags().IntP("count", "c", 1, "number of worker loops to start")
	workerStartCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	workerCmd.AddCommand(workerStartCmd)
	rootCmd.AddCommand(workerCmd)
}
