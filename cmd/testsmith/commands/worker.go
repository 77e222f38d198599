package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/testsmith/internal/ai"
	"github.com/example/testsmith/internal/config"
	"github.com/example/testsmith/internal/logging"
	"github.com/example/testsmith/internal/model"
	"github.com/example/testsmith/internal/store"
	"github.com/example/testsmith/internal/worker"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the consumer pool for both generation queues",
		RunE:  runWorker,
	}
	cmd.Flags().Int("suggestion-workers", 0, "consumers on the suggestions queue")
	cmd.Flags().Int("code-workers", 0, "consumers on the code queue")
	cmd.Flags().Duration("poll-interval", 0, "claim poll interval")
	cmd.Flags().Duration("generate-timeout", 0, "per-job generation timeout")
	cmd.Flags().Duration("retention-age", 0, "age after which terminal jobs are purged")
	cmd.Flags().Duration("sweep-interval", 0, "how often the retention sweep runs")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	logging.Configure(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	jobs, err := store.Open(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer jobs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	generator, err := ai.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return err
	}
	defer generator.Close()

	pools := []*worker.Pool{
		{
			Queue:           model.QueueSuggestions,
			Store:           jobs,
			Generator:       generator,
			Concurrency:     cfg.SuggestionWorkers,
			PollInterval:    cfg.PollInterval,
			GenerateTimeout: cfg.GenerateTimeout,
		},
		{
			Queue:           model.QueueCode,
			Store:           jobs,
			Generator:       generator,
			Concurrency:     cfg.CodeWorkers,
			PollInterval:    cfg.PollInterval,
			GenerateTimeout: cfg.GenerateTimeout,
		},
	}

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Run(ctx)
		}(pool)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepTerminalJobs(ctx, jobs, cfg.RetentionAge, cfg.SweepInterval)
	}()

	wg.Wait()
	return nil
}

// sweepTerminalJobs enforces the retention window: terminal jobs older than
// maxAge disappear, and later status queries for them are answered not-found.
func sweepTerminalJobs(ctx context.Context, jobs *store.SQLite, maxAge, interval time.Duration) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := jobs.PurgeTerminalBefore(ctx, time.Now().Add(-maxAge))
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Str("component", "worker").Err(err).Msg("Retention sweep failed")
				}
				continue
			}
			if purged > 0 {
				log.Info().
					Str("component", "worker").
					Int64("purged", purged).
					Msg("Purged expired terminal jobs")
			}
		}
	}
}
