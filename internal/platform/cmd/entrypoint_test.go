package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

func TestParseConfigRequiresTarget(t *testing.T) {
	var nilCfg *struct{}
	if err := ParseConfig(nilCfg); err == nil {
		t.Fatal("expected error for nil config target")
	}
}

func TestParseConfigFromArgs(t *testing.T) {
	type cfg struct {
		Path string `env:"GRIMOIRE_TEST_PATH" envDefault:"data/sheet.db"`
	}
	t.Setenv("GRIMOIRE_TEST_PATH", "from-env.db")

	var c cfg
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	if err := ParseConfig(&c); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	fs.StringVar(&c.Path, "path", c.Path, "db path")
	if err := ParseArgs(fs, []string{"-path", "from-flag.db"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	if c.Path != "from-flag.db" {
		t.Fatalf("expected flag to override env, got %q", c.Path)
	}
}

func TestRunWithTelemetryRequiresService(t *testing.T) {
	err := RunWithTelemetry(context.Background(), "  ", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error for empty service name")
	}
}

func TestRunWithTelemetryPropagatesRunError(t *testing.T) {
	want := errors.New("run failed")
	err := RunWithTelemetry(context.Background(), "sheet", func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected run error, got %v", err)
	}
}
