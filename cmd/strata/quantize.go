package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/mcfstore"
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/pkg/mcf"
)

func quantizeCmd() *cli.Command {
	var (
		in         string
		out        string
		typ        string
		keepEmbed  bool
		keepOutput bool
	)
	return &cli.Command{
		Name:  "quantize",
		Usage: "Re-encode the weight matrices of an .mcf file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "model", Aliases: []string{"m", "in"}, Usage: "source .mcf file", Required: true, Destination: &in},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination .mcf file", Required: true, Destination: &out},
			&cli.StringFlag{Name: "type", Usage: "target encoding (f16, q4_0, q4_1, q5_0, q5_1, q8_0)", Value: "q8_0", Destination: &typ},
			&cli.BoolFlag{Name: "keep-embeddings", Usage: "leave the token embedding table unchanged", Destination: &keepEmbed},
			&cli.BoolFlag{Name: "keep-output", Usage: "leave the output projection unchanged", Destination: &keepOutput},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			dt, err := mcf.ParseDType(strings.ToLower(typ))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			f, err := mcfstore.Open(in)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", in, err), 1)
			}
			defer func() { _ = f.Close() }()

			keep := map[string]bool{}
			if keepEmbed {
				keep[model.Names.Embedding+".weight"] = true
			}
			if keepOutput {
				keep[model.Names.Output+".weight"] = true
			}

			start := time.Now()
			st, err := mcfstore.Quantize(f, out, dt, mcfstore.QuantizeOptions{
				Keep: func(name string) bool { return keep[name] },
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			log.Info("quantized model",
				"out", out,
				"type", dt,
				"quantized", st.Quantized,
				"copied", st.Copied,
				"in_size", formatModelSize(int64(st.InBytes)),
				"out_size", formatModelSize(int64(st.OutBytes)),
				"took", time.Since(start),
			)
			return nil
		},
	}
}
