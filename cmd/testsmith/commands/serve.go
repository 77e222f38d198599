package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/example/testsmith/internal/config"
	"github.com/example/testsmith/internal/github"
	"github.com/example/testsmith/internal/httpapi"
	"github.com/example/testsmith/internal/logging"
	"github.com/example/testsmith/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the producer HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("base-url", "", "externally visible base URL")
	cmd.Flags().String("frontend-url", "", "frontend URL for the OAuth redirect")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	server := httpapi.Server{
		Jobs:        jobs,
		GitHub:      github.Client{},
		FrontendURL: cfg.FrontendURL,
	}
	if cfg.GitHubClientID != "" {
		server.OAuth = github.OAuthConfig(cfg.GitHubClientID, cfg.GitHubClientSecret)
	} else {
		log.Warn().Str("component", "api").Msg("GitHub OAuth disabled (no client id configured)")
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("component", "api").
			Str("addr", cfg.Addr).
			Str("base_url", cfg.BaseURL).
			Msg("API listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
