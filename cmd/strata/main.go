package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/version"
)

// registry holds every architecture compiled into this binary. Each
// archs_<arch>.go file can be left out with its no_<arch> build tag.
func registry() *model.Registry {
	return model.NewRegistry(slices.Concat(
		llamaAdapters(),
		gpt2Adapters(),
		gptjAdapters(),
		gptneoxAdapters(),
		bloomAdapters(),
		mptAdapters(),
	)...)
}

func main() {
	app := &cli.Command{
		Name:    "strata",
		Usage:   "CPU inference for Llama, GPT-2, GPT-J, BLOOM, GPT-NeoX and MPT models",
		Version: version.String(),
		Flags:   loggingFlags(),
		Before:  setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			perplexityCmd(),
			inspectCmd(),
			quantizeCmd(),
			serveCmd(),
			listModelsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file and installs the logger in ctx.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	loaded, err := LoadConfig(configPath())
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	cfg = loaded
	applyLoggingConfig(cmd, cfg)

	log, err := logger.Setup(os.Stderr, logger.Config{
		Level:  logLevel,
		Format: logFormat,
		Debug:  debug,
	})
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
