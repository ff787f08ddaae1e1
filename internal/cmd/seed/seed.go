// Package seed parses seed command flags and runs the fixture importer.
package seed

import (
	"context"
	"flag"
	"net/http"
	"os"

	entrypoint "github.com/ewenmoss/grimoire/internal/platform/cmd"
	"github.com/ewenmoss/grimoire/internal/platform/timeouts"
	"github.com/ewenmoss/grimoire/internal/seed"
	"github.com/ewenmoss/grimoire/internal/store"
)

// Config holds seed command configuration.
type Config struct {
	StoreURL string `env:"GRIMOIRE_STORE_URL"`
	StoreKey string `env:"GRIMOIRE_STORE_KEY"`
	Table    string `env:"GRIMOIRE_CHARACTER_TABLE" envDefault:"characters"`
	DryRun   bool
	Verbose  bool
	Paths    []string
}

// ParseConfig parses environment and flags into a Config. Positional
// arguments are the fixture files to import.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "remote row store base URL")
	fs.StringVar(&cfg.StoreKey, "store-key", cfg.StoreKey, "remote row store API key")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "character table name")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "validate fixtures without writing")
	fs.BoolVar(&cfg.Verbose, "v", false, "log each imported character")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Paths = fs.Args()
	return cfg, nil
}

// Run imports the configured fixture files.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		runCfg := seed.Config{
			Table:   cfg.Table,
			Paths:   cfg.Paths,
			DryRun:  cfg.DryRun,
			Verbose: cfg.Verbose,
			Out:     os.Stdout,
		}
		if !cfg.DryRun {
			runCfg.Rows = store.NewClient(store.Config{
				BaseURL:    cfg.StoreURL,
				APIKey:     cfg.StoreKey,
				HTTPClient: &http.Client{Timeout: timeouts.StoreRequest},
			})
		}
		return seed.Run(ctx, runCfg)
	})
}
