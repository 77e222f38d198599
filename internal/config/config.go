// Package config loads layered configuration: hardcoded defaults, then
// TESTSMITH_* environment variables, then command-line flags. Higher layers
// override lower ones.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "TESTSMITH_"

type Config struct {
	Addr        string // listen address for the producer API
	BaseURL     string // externally visible base URL
	FrontendURL string // where the OAuth callback redirects with the token
	DataDir     string // holds the job store database
	LogLevel    string

	GeminiAPIKey string
	GeminiModel  string

	GitHubClientID     string
	GitHubClientSecret string

	SuggestionWorkers int
	CodeWorkers       int
	PollInterval      time.Duration
	GenerateTimeout   time.Duration
	RetentionAge      time.Duration
	SweepInterval     time.Duration
}

func defaults() map[string]any {
	return map[string]any{
		"server.addr":             ":8000",
		"server.base.url":         "",
		"frontend.url":            "http://localhost:5173",
		"data.dir":                "./data",
		"log.level":               "info",
		"gemini.api.key":          "",
		"gemini.model":            "gemini-1.5-flash",
		"github.client.id":        "",
		"github.client.secret":    "",
		"worker.suggestions":      2,
		"worker.code":             2,
		"worker.poll.interval":    "1s",
		"worker.generate.timeout": "90s",
		"worker.retention.age":    "24h",
		"worker.sweep.interval":   "10m",
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"addr":               "server.addr",
	"base-url":           "server.base.url",
	"frontend-url":       "frontend.url",
	"data-dir":           "data.dir",
	"log-level":          "log.level",
	"suggestion-workers": "worker.suggestions",
	"code-workers":       "worker.code",
	"poll-interval":      "worker.poll.interval",
	"generate-timeout":   "worker.generate.timeout",
	"retention-age":      "worker.retention.age",
	"sweep-interval":     "worker.sweep.interval",
}

func flagToKey(key, value string) (string, any) {
	if mapped, ok := flagKeys[key]; ok {
		return mapped, value
	}
	return key, value
}

// Load builds the effective configuration. flags may be nil when the caller
// defines no overriding flags.
func Load(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	// TESTSMITH_WORKER_POLL_INTERVAL -> worker.poll.interval
	if err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(key, envPrefix)), "_", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithValue(flags, ".", k, flagToKey), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Config{
		Addr:               k.String("server.addr"),
		BaseURL:            k.String("server.base.url"),
		FrontendURL:        k.String("frontend.url"),
		DataDir:            k.String("data.dir"),
		LogLevel:           k.String("log.level"),
		GeminiAPIKey:       k.String("gemini.api.key"),
		GeminiModel:        k.String("gemini.model"),
		GitHubClientID:     k.String("github.client.id"),
		GitHubClientSecret: k.String("github.client.secret"),
		SuggestionWorkers:  k.Int("worker.suggestions"),
		CodeWorkers:        k.Int("worker.code"),
		PollInterval:       k.Duration("worker.poll.interval"),
		GenerateTimeout:    k.Duration("worker.generate.timeout"),
		RetentionAge:       k.Duration("worker.retention.age"),
		SweepInterval:      k.Duration("worker.sweep.interval"),
	}
	if cfg.BaseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cfg.BaseURL = "http://" + addr
	}
	return cfg, nil
}
