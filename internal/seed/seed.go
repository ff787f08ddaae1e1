// Package seed imports character fixture files into the remote row store.
// Fixtures are YAML documents holding one or more character rows; every row
// is validated against the character schema before anything is written.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/ewenmoss/grimoire/internal/platform/errors"
	"github.com/ewenmoss/grimoire/internal/rules"
)

// Upserter writes rows to the remote store. Satisfied by *store.Client.
type Upserter interface {
	Upsert(ctx context.Context, table string, row map[string]any) error
}

// Config controls one import run.
type Config struct {
	// Rows receives the validated rows. Required unless DryRun is set.
	Rows Upserter
	// Rules validates each row; nil loads the embedded rule set.
	Rules *rules.Rules
	// Table is the target table. Defaults to "characters".
	Table string
	// Paths are the fixture files to import.
	Paths []string
	// DryRun validates without writing.
	DryRun bool
	// Verbose logs each imported character to Out.
	Verbose bool
	// Out receives progress output; nil discards it.
	Out io.Writer
}

// fixture is the on-disk fixture document shape.
type fixture struct {
	Characters []map[string]any `yaml:"characters"`
}

// Parse decodes a fixture document into its character rows.
func Parse(data []byte) ([]map[string]any, error) {
	var doc fixture
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRulesParse, "decode fixture document", err)
	}
	if len(doc.Characters) == 0 {
		return nil, apperrors.New(apperrors.CodeRulesParse, "fixture document has no characters")
	}
	return doc.Characters, nil
}

// Run imports every fixture in cfg.Paths: parse, validate, upsert. The first
// failure aborts the run so a bad fixture never half-imports.
func Run(ctx context.Context, cfg Config) error {
	if !cfg.DryRun && cfg.Rows == nil {
		return apperrors.New(apperrors.CodeStoreUnavailable, "remote row store is required")
	}
	r := cfg.Rules
	if r == nil {
		loaded, err := rules.Load()
		if err != nil {
			return err
		}
		r = loaded
	}
	table := cfg.Table
	if table == "" {
		table = "characters"
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}

	total := 0
	for _, path := range cfg.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return apperrors.WrapWithMetadata(apperrors.CodeNotFound,
				"read fixture file", map[string]string{"path": path}, err)
		}
		rows, err := Parse(data)
		if err != nil {
			return apperrors.WrapWithMetadata(apperrors.GetCode(err),
				"parse fixture file", map[string]string{"path": path}, err)
		}
		for _, row := range rows {
			if err := r.ValidateCharacterPayload(row); err != nil {
				id, _ := row["id"].(string)
				return apperrors.WrapWithMetadata(apperrors.CodeRulesSchemaViolation,
					"fixture row failed validation",
					map[string]string{"path": path, "id": id}, err)
			}
			if !cfg.DryRun {
				id, _ := row["id"].(string)
				if err := cfg.Rows.Upsert(ctx, table, row); err != nil {
					return apperrors.WrapWithMetadata(apperrors.CodeStoreRequestFailed,
						"import character row",
						map[string]string{"path": path, "id": id}, err)
				}
			}
			if cfg.Verbose {
				name, _ := row["name"].(string)
				fmt.Fprintf(out, "imported %s (%s)\n", name, path)
			}
			total++
		}
	}
	fmt.Fprintf(out, "%d characters imported\n", total)
	return nil
}
