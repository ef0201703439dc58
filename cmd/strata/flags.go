package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/inference"
)

var (
	cfg Config

	modelPath  string
	modelsPath string
	maxContext int64
	threads    int64
	strict     bool
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .mcf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory containing .mcf models (default $" + envModelsDir + ")",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "shrink the context below the model's (0 = model context)",
			Destination: &maxContext,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"j"},
			Usage:       "graph worker threads (0 = GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.BoolFlag{
			Name:        "strict",
			Usage:       "fail on prompt bytes the vocabulary cannot encode",
			Destination: &strict,
		},
	}
}

// samplingVars holds the values of samplingFlags.
type samplingVars struct {
	maxTokens     int64
	temp          float64
	topK          int64
	topP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	stop          []string
}

func samplingFlags(v *samplingVars) []cli.Flag {
	d := inference.DefaultDefaults()
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "tokens to generate (-1 = until the context is full)",
			Value:       int64(d.MaxNewTokens),
			Destination: &v.maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       float64(d.Sampling.Temperature),
			Destination: &v.temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling (0 = disabled)",
			Value:       int64(d.Sampling.TopK),
			Destination: &v.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p sampling (1 = disabled)",
			Value:       float64(d.Sampling.TopP),
			Destination: &v.topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1 = disabled)",
			Value:       float64(d.Sampling.RepeatPenalty),
			Destination: &v.repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "recent tokens the penalty applies to",
			Value:       int64(d.Sampling.RepeatLastN),
			Destination: &v.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed (-1 = random)",
			Value:       -1,
			Destination: &v.seed,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop generating at this text (repeatable)",
			Destination: &v.stop,
		},
	}
}

// options returns the flags the user set explicitly; the rest come from the
// config file defaults.
func (v *samplingVars) options(cmd *cli.Command) inference.RequestOptions {
	var o inference.RequestOptions
	if cmd.IsSet("max-tokens") {
		n := int(v.maxTokens)
		o.MaxNewTokens = &n
	}
	if cmd.IsSet("temp") {
		t := float32(v.temp)
		o.Temperature = &t
	}
	if cmd.IsSet("top-k") {
		k := int(v.topK)
		o.TopK = &k
	}
	if cmd.IsSet("top-p") {
		p := float32(v.topP)
		o.TopP = &p
	}
	if cmd.IsSet("repeat-penalty") {
		p := float32(v.repeatPenalty)
		o.RepeatPenalty = &p
	}
	if cmd.IsSet("repeat-last-n") {
		n := int(v.repeatLastN)
		o.RepeatLastN = &n
	}
	if cmd.IsSet("seed") {
		o.Seed = &v.seed
	}
	o.Stop = v.stop
	return o
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, plain, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
