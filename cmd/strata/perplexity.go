package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
)

func perplexityCmd() *cli.Command {
	var (
		file  string
		text  string
		chunk int64
	)
	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "text file to score (default: stdin)",
			Destination: &file,
		},
		&cli.StringFlag{
			Name:        "text",
			Usage:       "text to score",
			Destination: &text,
		},
		&cli.Int64Flag{
			Name:        "chunk",
			Usage:       "tokens per independent chunk (0 = context length)",
			Destination: &chunk,
		},
	)
	return &cli.Command{
		Name:  "perplexity",
		Usage: "Score text by the model's perplexity",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)

			if text == "" {
				var (
					b   []byte
					err error
				)
				if file != "" {
					b, err = os.ReadFile(file)
				} else {
					b, err = io.ReadAll(os.Stdin)
				}
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read text: %v", err), 1)
				}
				text = string(b)
			}

			path, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			eng, err := loadEngine(path, log, nil, 1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = eng.Close() }()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			start := time.Now()
			ppl, err := eng.Perplexity(ctx, text, int(chunk))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: perplexity: %v", err), 1)
			}
			log.Info("perplexity done", "took", time.Since(start))
			fmt.Printf("perplexity: %.4f\n", ppl)
			return nil
		},
	}
}
