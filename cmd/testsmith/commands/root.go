package commands

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "testsmith",
	Short: "AI-assisted test case generation service",
	Long: `testsmith turns source files into suggested test cases and runnable
test code through asynchronous generation jobs. Run "serve" for the HTTP API
and "worker" for the consumer pool; both share the same job store.`,
	SilenceUsage: true,
}

func Execute() {
	loadDotEnv()

	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the job store")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadDotEnv walks up from the working directory looking for a .env file so
// the service picks up local credentials during development.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
