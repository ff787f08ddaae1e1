// Package sheet parses sheet command flags and runs the character loader:
// boot the application, load one character, and print the computed sheet.
package sheet

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/ewenmoss/grimoire/internal/boot"
	entrypoint "github.com/ewenmoss/grimoire/internal/platform/cmd"
	"github.com/ewenmoss/grimoire/internal/platform/timeouts"
	"github.com/ewenmoss/grimoire/internal/sheet"
	"github.com/ewenmoss/grimoire/internal/store"
	"github.com/ewenmoss/grimoire/internal/store/sqlite"
)

// Config holds sheet command configuration.
type Config struct {
	StoreURL  string `env:"GRIMOIRE_STORE_URL"`
	StoreKey  string `env:"GRIMOIRE_STORE_KEY"`
	Table     string `env:"GRIMOIRE_CHARACTER_TABLE" envDefault:"characters"`
	DBPath    string `env:"GRIMOIRE_DB_PATH" envDefault:"grimoire.db"`
	Character string `env:"GRIMOIRE_CHARACTER_ID"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "remote row store base URL")
	fs.StringVar(&cfg.StoreKey, "store-key", cfg.StoreKey, "remote row store API key")
	fs.StringVar(&cfg.Table, "table", cfg.Table, "character table name")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "local store path (empty disables persistence)")
	fs.StringVar(&cfg.Character, "character", cfg.Character, "character id to load")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run boots the application, loads the configured character, and prints the
// computed sheet to stdout.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSheet, func(ctx context.Context) error {
		rows := store.NewClient(store.Config{
			BaseURL:    cfg.StoreURL,
			APIKey:     cfg.StoreKey,
			HTTPClient: &http.Client{Timeout: timeouts.StoreRequest},
		})

		bootCfg := boot.Config{Rows: rows, CharacterTable: cfg.Table}
		if cfg.DBPath != "" {
			local, err := sqlite.Open(cfg.DBPath, nil)
			if err != nil {
				return err
			}
			bootCfg.Local = local
		}

		app, err := boot.New(bootCfg)
		if err != nil {
			return err
		}
		if err := app.InitWithTimeout(ctx, timeouts.BootLockWait+timeouts.Shutdown); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
			defer cancel()
			if err := app.Shutdown(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
			}
		}()

		entity, err := app.LoadCharacter(ctx, cfg.Character)
		if err != nil {
			return err
		}
		Render(os.Stdout, entity)
		return nil
	})
}

// Render writes a computed character sheet in a fixed, readable layout.
func Render(w io.Writer, e *sheet.Entity) {
	fmt.Fprintf(w, "%s (%s)\n", e.Name, e.ID)

	fmt.Fprintln(w, "Abilities:")
	for _, name := range sheet.AbilityNames {
		ability, ok := e.Properties.Abilities[name]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-3s %2d (%+d)\n", name, ability.Score, ability.Modifier)
	}

	if combat := e.Properties.Combat; combat != nil {
		fmt.Fprintln(w, "Combat:")
		fmt.Fprintf(w, "  AC %d (touch %d, flat-footed %d)\n",
			combat.ArmorClass, combat.Touch, combat.FlatFooted)
		fmt.Fprintf(w, "  melee %+d  ranged %+d  initiative %+d\n",
			combat.MeleeAttack, combat.RangedAttack, combat.Initiative)
		fmt.Fprintf(w, "  fort %+d  ref %+d  will %+d\n",
			combat.Fortitude, combat.Reflex, combat.Will)
	}

	if len(e.Properties.Skills) > 0 {
		fmt.Fprintln(w, "Skills:")
		for _, name := range sortedKeys(e.Properties.Skills) {
			skill := e.Properties.Skills[name]
			fmt.Fprintf(w, "  %-16s %+d\n", name, skill.Total)
		}
	}

	if len(e.Properties.Resources) > 0 {
		fmt.Fprintln(w, "Resources:")
		for _, name := range sortedKeys(e.Properties.Resources) {
			pool := e.Properties.Resources[name]
			fmt.Fprintf(w, "  %-16s %d/%d\n", name, pool.Current, pool.Max)
		}
	}

	if len(e.Properties.Conditions) > 0 {
		fmt.Fprintln(w, "Conditions:")
		for _, cond := range e.Properties.Conditions {
			fmt.Fprintf(w, "  %s\n", cond.Name)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
